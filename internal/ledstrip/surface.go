// Package ledstrip abstracts the addressable LED hardware behind a small
// set/flush surface. The physical strip driver only has to provide per-pixel
// writes and a blocking Show; everything above it works with 1-based global
// pin numbers spanning all concatenated strips.
package ledstrip

import (
	"fmt"
	"sync"

	"github.com/banshee-data/picklight/internal/monitoring"
)

// Color is an RGB triple for one pixel.
type Color struct {
	R, G, B uint8
}

var (
	Off   = Color{}
	Green = Color{G: 255}
	Red   = Color{R: 255}
)

// Strip is the minimal interface a physical LED strip driver must provide.
// Show is a blocking hardware call.
type Strip interface {
	SetPixel(index int, c Color) error
	Show() error
}

// Surface is the rendering boundary used by the activation engine. Flush is
// asynchronous: it schedules a hardware show without blocking the caller, so
// protocol and timer goroutines never wait on LED I/O.
type Surface interface {
	// Set stages a color for the given 1-based global pin.
	Set(pin int, c Color) error
	// Flush schedules a hardware update for all strips staged since the
	// last flush. Write failures are logged, never returned.
	Flush()
	// Clear stages every pin off and flushes.
	Clear() error
	// PinCount returns the number of addressable pins across all strips.
	PinCount() int
	// Close stops the background flusher after draining pending work.
	Close()
}

// Locate resolves a 1-based global pin to a strip index and a 0-based pixel
// offset within that strip.
func Locate(pin, perStrip, strips int) (int, int, error) {
	if pin < 1 || pin > perStrip*strips {
		return 0, 0, fmt.Errorf("led pin %d out of range 1..%d", pin, perStrip*strips)
	}
	idx := (pin - 1) / perStrip
	return idx, (pin - 1) % perStrip, nil
}

// StripSurface implements Surface over one or more Strips. A single flusher
// goroutine owns all Show calls; Flush requests are coalesced so a burst of
// renders costs at most one pending hardware update per strip.
type StripSurface struct {
	strips   []Strip
	perStrip int

	mu    sync.Mutex
	dirty []bool

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStripSurface creates a surface over the given strips, each holding
// perStrip pixels, and starts the flusher goroutine.
func NewStripSurface(strips []Strip, perStrip int) *StripSurface {
	s := &StripSurface{
		strips:   strips,
		perStrip: perStrip,
		dirty:    make([]bool, len(strips)),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.flusher()
	return s
}

// PinCount returns the number of addressable pins.
func (s *StripSurface) PinCount() int {
	return s.perStrip * len(s.strips)
}

// Set stages a color for a pin. An out-of-range pin is an error; a driver
// write failure is logged and swallowed so batched renders keep going.
func (s *StripSurface) Set(pin int, c Color) error {
	idx, offset, err := Locate(pin, s.perStrip, len(s.strips))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.strips[idx].SetPixel(offset, c); err != nil {
		monitoring.Logf("ledstrip: set pixel %d on strip %d: %v", offset, idx, err)
		return nil
	}
	s.dirty[idx] = true
	return nil
}

// Flush schedules a hardware update without blocking. Back-to-back calls
// collapse into a single pending flush.
func (s *StripSurface) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Clear stages every pixel off and flushes.
func (s *StripSurface) Clear() error {
	s.mu.Lock()
	for idx, strip := range s.strips {
		for i := 0; i < s.perStrip; i++ {
			if err := strip.SetPixel(i, Off); err != nil {
				monitoring.Logf("ledstrip: clear pixel %d on strip %d: %v", i, idx, err)
				break
			}
		}
		s.dirty[idx] = true
	}
	s.mu.Unlock()

	s.Flush()
	return nil
}

// Close stops the flusher goroutine after any pending flush completes.
func (s *StripSurface) Close() {
	s.closeOnce.Do(func() {
		close(s.flushCh)
		<-s.done
	})
}

func (s *StripSurface) flusher() {
	defer close(s.done)
	for range s.flushCh {
		s.mu.Lock()
		pending := make([]int, 0, len(s.strips))
		for idx, d := range s.dirty {
			if d {
				pending = append(pending, idx)
				s.dirty[idx] = false
			}
		}
		s.mu.Unlock()

		// Show runs outside the lock so stagers are never blocked on
		// hardware I/O.
		for _, idx := range pending {
			if err := s.strips[idx].Show(); err != nil {
				monitoring.Logf("ledstrip: show strip %d: %v", idx, err)
			}
		}
	}
}
