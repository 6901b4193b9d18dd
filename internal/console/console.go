package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"

	"github.com/loykin/devsession/internal/backend"
)

// newline returns the cursor to column zero even when the terminal is in raw mode.
const newline = "\r\n"

// Option configures a Console.
type Option func(*Console)

// WithProfile forces a color profile instead of detecting one from the writer.
func WithProfile(p termenv.Profile) Option {
	return func(c *Console) { c.profile = &p }
}

// WithWidth truncates footer lines to width cells. Zero disables truncation.
func WithWidth(width int) Option {
	return func(c *Console) { c.width = width }
}

// WithClock replaces time.Now for elapsed-time columns.
func WithClock(now func() time.Time) Option {
	return func(c *Console) { c.now = now }
}

// Console owns the terminal while a session runs. Log lines scroll above a
// footer that is erased and redrawn on every change.
type Console struct {
	mu        sync.Mutex
	out       *termenv.Output
	renderer  *lipgloss.Renderer
	rows      func() []backend.Backend
	now       func() time.Time
	profile   *termenv.Profile
	width     int
	lastLines int
}

// New returns a Console writing to w. rows supplies the backends to show.
func New(w io.Writer, rows func() []backend.Backend, opts ...Option) *Console {
	c := &Console{rows: rows, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	var tops []termenv.OutputOption
	if c.profile != nil {
		tops = append(tops, termenv.WithProfile(*c.profile))
	}
	c.out = termenv.NewOutput(w, tops...)
	c.renderer = lipgloss.NewRenderer(w, tops...)
	if c.profile != nil {
		c.renderer.SetColorProfile(*c.profile)
	}
	if c.rows == nil {
		c.rows = func() []backend.Backend { return nil }
	}
	return c
}

// Redraw replaces the footer with the current rows.
func (c *Console) Redraw() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.erase()
	c.draw()
}

// Line prints text above the footer.
func (c *Console) Line(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.erase()
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		_, _ = c.out.WriteString(l + newline)
	}
	c.draw()
}

func (c *Console) Logf(format string, args ...any) {
	c.Line(fmt.Sprintf(format, args...))
}

// BackendLine prints text prefixed with name in the backend's color.
func (c *Console) BackendLine(name string, color backend.Color, text string) {
	c.Line(c.paint(color, name) + " | " + text)
}

// Clear erases the footer and leaves the cursor where it began.
func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.erase()
}

// LastLines is the height of the footer currently on screen.
func (c *Console) LastLines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLines
}

func (c *Console) erase() {
	for i := 0; i < c.lastLines; i++ {
		c.out.CursorPrevLine(1)
		c.out.ClearLine()
	}
	c.lastLines = 0
}

func (c *Console) draw() {
	lines := Render(c.rows(), c.now(), func(b backend.Backend, cell string) string {
		return c.paint(b.Color, cell)
	})
	for _, l := range lines {
		if c.width > 0 {
			l = ansi.Truncate(l, c.width, "…")
		}
		_, _ = c.out.WriteString(l + newline)
	}
	c.lastLines = len(lines)
}

func (c *Console) paint(color backend.Color, s string) string {
	if color == "" {
		return s
	}
	return c.renderer.NewStyle().Foreground(lipgloss.Color(color)).Render(s)
}
