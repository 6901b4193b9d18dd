// Package console draws the backend footer below the scrolling session log.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/devsession/internal/backend"
	"github.com/loykin/devsession/internal/builder"
)

const (
	// Placeholder is shown instead of the table when no backend is tracked.
	Placeholder = "No backends running."
	// Instructions is the last line of every footer.
	Instructions = "t: terminate all | r: rebuild | ctrl-c: exit"
)

var header = []string{"NAME", "STATUS", "AGE", "IMAGE", "LOCK"}

// Painter decorates the already padded name cell of a backend row.
type Painter func(b backend.Backend, cell string) string

// Render returns the footer lines for rows as of now. paint may be nil.
func Render(rows []backend.Backend, now time.Time, paint Painter) []string {
	if len(rows) == 0 {
		return []string{Placeholder, Instructions}
	}

	cells := make([][]string, 0, len(rows)+1)
	cells = append(cells, header)
	for _, b := range rows {
		cells = append(cells, []string{
			b.Name,
			orDash(string(b.LastStatus)),
			Elapsed(now.Sub(b.SpawnTime)),
			orDash(builder.ShortID(b.ImageID)),
			orDash(b.Lock),
		})
	}

	widths := make([]int, len(header))
	for _, row := range cells {
		for i, c := range row {
			widths[i] = max(widths[i], len(c))
		}
	}

	lines := make([]string, 0, len(cells)+1)
	for r, row := range cells {
		var sb strings.Builder
		for i, c := range row {
			cell := c
			if i < len(row)-1 {
				cell = fmt.Sprintf("%-*s", widths[i], c)
			}
			if i == 0 && r > 0 && paint != nil {
				cell = paint(rows[r-1], cell)
			}
			if i > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(cell)
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	return append(lines, Instructions)
}

// Elapsed formats d with second precision; negative durations render as 0s.
func Elapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
