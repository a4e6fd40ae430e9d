package ledstrip

import (
	"fmt"
	"sync"
)

// MemoryStrip implements Strip in memory. It backs dev mode (no LED
// hardware attached) and tests, with configurable failure injection.
type MemoryStrip struct {
	mu sync.Mutex

	pixels []Color

	// ShowCalls records the number of Show invocations.
	ShowCalls int

	// SetError is returned by every SetPixel call while set.
	SetError error

	// ShowError is returned by every Show call while set.
	ShowError error
}

// NewMemoryStrip creates a MemoryStrip with count pixels.
func NewMemoryStrip(count int) *MemoryStrip {
	return &MemoryStrip{pixels: make([]Color, count)}
}

// SetPixel stores the color for one pixel.
func (m *MemoryStrip) SetPixel(index int, c Color) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetError != nil {
		return m.SetError
	}
	if index < 0 || index >= len(m.pixels) {
		return fmt.Errorf("pixel index %d out of range 0..%d", index, len(m.pixels)-1)
	}
	m.pixels[index] = c
	return nil
}

// Show counts the flush. The stored pixels are already current.
func (m *MemoryStrip) Show() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShowCalls++
	return m.ShowError
}

// Pixel returns the stored color at index.
func (m *MemoryStrip) Pixel(index int) Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pixels[index]
}

// Pixels returns a snapshot of all stored colors.
func (m *MemoryStrip) Pixels() []Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Color, len(m.pixels))
	copy(out, m.pixels)
	return out
}

// Shows returns the number of Show calls so far.
func (m *MemoryStrip) Shows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ShowCalls
}
