package backend

import "sync"

// Color is an ANSI 256-color code understood by lipgloss.
type Color string

// DefaultColors is the palette assigned to backends in spawn order.
var DefaultColors = []Color{"6", "2", "3", "5", "4", "14", "10", "11", "13", "12"}

// Palette hands out colors round-robin.
type Palette struct {
	mu     sync.Mutex
	colors []Color
	next   int
}

// NewPalette returns a palette over colors, or DefaultColors when empty.
func NewPalette(colors ...Color) *Palette {
	if len(colors) == 0 {
		colors = DefaultColors
	}
	return &Palette{colors: append([]Color(nil), colors...)}
}

// Next returns the following color, wrapping after the last.
func (p *Palette) Next() Color {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.colors[p.next%len(p.colors)]
	p.next++
	return c
}
