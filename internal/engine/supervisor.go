package engine

import (
	"context"

	"github.com/banshee-data/picklight/internal/ledstrip"
	"github.com/banshee-data/picklight/internal/monitoring"
)

// supervisor is the handle for one incorrect-detection blink goroutine. It
// is registered in the engine's supervisor table before the goroutine
// starts, so a confirmation racing the spawn can always cancel it.
type supervisor struct {
	pin    int
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *Engine) spawnSupervisorLocked(pin int) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &supervisor{pin: pin, cancel: cancel, done: make(chan struct{})}
	e.supervisors[pin] = s
	go e.superviseIncorrect(ctx, s)
}

// cancelSupervisorLocked removes the supervisor for pin, if any, and signals
// it to stop. It does not wait; the goroutine removes its own residue once
// the lock is released.
func (e *Engine) cancelSupervisorLocked(pin int) {
	s, ok := e.supervisors[pin]
	if !ok {
		return
	}
	delete(e.supervisors, pin)
	delete(e.lastIncorrect, pin)
	s.cancel()
}

// superviseIncorrect blinks pin red until the pin becomes the expected one,
// the blink goes idle, or the supervisor is cancelled. Each repeat detection
// of the pin refreshes the idle deadline through lastIncorrect.
func (e *Engine) superviseIncorrect(ctx context.Context, s *supervisor) {
	defer func() {
		e.mu.Lock()
		if e.supervisors[s.pin] == s {
			delete(e.supervisors, s.pin)
			delete(e.lastIncorrect, s.pin)
		}
		if s.pin != e.expectedPinLocked() {
			e.setLEDLocked(s.pin, ledstrip.Off)
			e.flushLocked()
		}
		e.mu.Unlock()
		close(s.done)
	}()

	for {
		e.mu.Lock()
		if s.pin == e.expectedPinLocked() {
			e.mu.Unlock()
			monitoring.Logf("engine: pin %d became expected, stopping red blink", s.pin)
			return
		}
		last := e.lastIncorrect[s.pin]
		if e.clock.Since(last) > e.cfg.IncorrectIdleTimeout {
			e.mu.Unlock()
			monitoring.Logf("engine: pin %d red blink idle, stopping", s.pin)
			return
		}
		e.setLEDLocked(s.pin, ledstrip.Red)
		e.flushLocked()
		e.mu.Unlock()

		if !sleepCtx(ctx, e.clock, e.cfg.IncorrectBlinkInterval) {
			return
		}

		e.mu.Lock()
		e.setLEDLocked(s.pin, ledstrip.Off)
		e.flushLocked()
		e.mu.Unlock()

		if !sleepCtx(ctx, e.clock, e.cfg.IncorrectBlinkInterval) {
			return
		}
	}
}
