package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devsession/internal/backend"
)

const clearLine = "\x1b[2K"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRenderEmpty(t *testing.T) {
	assert.Equal(t, []string{Placeholder, Instructions}, Render(nil, t0, nil))
}

func TestRenderRows(t *testing.T) {
	rows := []backend.Backend{
		{Name: "backend-1", ImageID: "sha256:0123456789abcdef", SpawnTime: t0, LastStatus: backend.StatusReady, Lock: "k1"},
		{Name: "b2", ImageID: "img", SpawnTime: t0.Add(30 * time.Second)},
	}
	lines := Render(rows, t0.Add(65*time.Second), nil)
	require.Len(t, lines, 4)

	assert.Equal(t, []string{"NAME", "STATUS", "AGE", "IMAGE", "LOCK"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"backend-1", "Ready", "1m5s", "0123456789ab", "k1"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"b2", "-", "35s", "img", "-"}, strings.Fields(lines[2]))
	assert.Equal(t, Instructions, lines[3])

	// columns line up
	assert.Equal(t, strings.Index(lines[0], "STATUS"), strings.Index(lines[1], "Ready"))
	assert.Equal(t, strings.Index(lines[0], "STATUS"), strings.Index(lines[2], "-"))
}

func TestRenderIsPure(t *testing.T) {
	rows := []backend.Backend{{Name: "a", SpawnTime: t0}}
	assert.Equal(t, Render(rows, t0, nil), Render(rows, t0, nil))
}

func TestRenderPainterSeesPaddedName(t *testing.T) {
	rows := []backend.Backend{{Name: "a", Color: "2", SpawnTime: t0}, {Name: "long-name", SpawnTime: t0}}
	var cells []string
	Render(rows, t0, func(b backend.Backend, cell string) string {
		cells = append(cells, cell)
		return "<" + cell + ">"
	})
	assert.Equal(t, []string{"a        ", "long-name"}, cells)
}

func TestElapsed(t *testing.T) {
	assert.Equal(t, "0s", Elapsed(-time.Second))
	assert.Equal(t, "2m3s", Elapsed(2*time.Minute+3*time.Second+400*time.Millisecond))
}

type rowsSrc struct {
	mu   sync.Mutex
	rows []backend.Backend
}

func (r *rowsSrc) get() []backend.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.Backend(nil), r.rows...)
}

func (r *rowsSrc) set(rows ...backend.Backend) {
	r.mu.Lock()
	r.rows = rows
	r.mu.Unlock()
}

func newTestConsole(src *rowsSrc) (*Console, *bytes.Buffer) {
	var buf bytes.Buffer
	c := New(&buf, src.get, WithProfile(termenv.Ascii), WithClock(func() time.Time { return t0 }))
	return c, &buf
}

func TestRedrawErasesPreviousFooter(t *testing.T) {
	src := &rowsSrc{}
	c, buf := newTestConsole(src)

	c.Redraw()
	assert.Equal(t, 2, c.LastLines())
	assert.NotContains(t, buf.String(), clearLine)

	src.set(backend.Backend{Name: "a", SpawnTime: t0}, backend.Backend{Name: "b", SpawnTime: t0})
	buf.Reset()
	c.Redraw()
	assert.Equal(t, 2, strings.Count(buf.String(), clearLine))
	assert.Equal(t, 4, c.LastLines())

	buf.Reset()
	c.Redraw()
	assert.Equal(t, 4, strings.Count(buf.String(), clearLine))
}

func TestLinePrintsAboveFooter(t *testing.T) {
	src := &rowsSrc{}
	c, buf := newTestConsole(src)
	c.Redraw()
	buf.Reset()

	c.Logf("hello %s", "world")
	out := ansi.Strip(buf.String())
	assert.Equal(t, 2, strings.Count(buf.String(), clearLine))
	assert.True(t, strings.Index(out, "hello world") < strings.Index(out, Placeholder))
	assert.Equal(t, 2, c.LastLines())
}

func TestBackendLinePrefix(t *testing.T) {
	c, buf := newTestConsole(&rowsSrc{})
	c.BackendLine("b1", "5", "ready to serve")
	assert.Contains(t, ansi.Strip(buf.String()), "b1 | ready to serve\r\n")
}

func TestBackendLineColored(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, nil, WithProfile(termenv.ANSI256))
	c.BackendLine("b1", "5", "x")
	assert.Contains(t, buf.String(), "\x1b[")
	assert.Contains(t, ansi.Strip(buf.String()), "b1 | x")
}

func TestClearAndWidth(t *testing.T) {
	src := &rowsSrc{}
	var buf bytes.Buffer
	c := New(&buf, src.get, WithProfile(termenv.Ascii), WithWidth(10))
	c.Redraw()
	for _, l := range strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n") {
		assert.LessOrEqual(t, ansi.StringWidth(l), 10)
	}
	buf.Reset()
	c.Clear()
	assert.Equal(t, 2, strings.Count(buf.String(), clearLine))
	assert.Equal(t, 0, c.LastLines())
}
