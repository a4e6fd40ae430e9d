package engine

import (
	"fmt"
	"time"
)

// Config carries the timing constants of the activation state machine. All
// of them exist to suppress one kind of sensor noise or another; defaults
// match the deployed detector hardware.
type Config struct {
	// Debounce is the global minimum interval between two handled
	// detections of the same pin, regardless of mode.
	Debounce time.Duration

	// PerLEDCooldown is the minimum interval between two detections of the
	// same pin inside a block, correct or not.
	PerLEDCooldown time.Duration

	// BlockCooldown is the minimum interval between two correct advances
	// of a block. Guards against a detector firing twice for one touch.
	BlockCooldown time.Duration

	// ProcessedExpiry bounds how long processed/ignored bookkeeping is
	// kept, and with it the neighbor suppression window.
	ProcessedExpiry time.Duration

	// IncorrectBlinkInterval is the red on/off half-period for a pin
	// flagged as wrongly detected.
	IncorrectBlinkInterval time.Duration

	// IncorrectIdleTimeout stops the incorrect-detection blink once this
	// long has passed without a repeat detection of the pin.
	IncorrectIdleTimeout time.Duration

	// BlinkInterval is the half-period of the timeout-blink loop.
	BlinkInterval time.Duration

	// SingleTimeout evicts a timeout-blink pin that has gone unconfirmed.
	SingleTimeout time.Duration

	// CompletionFlashInterval is the on/off half-period of the completion
	// flash, run CompletionFlashCycles times.
	CompletionFlashInterval time.Duration
	CompletionFlashCycles   int

	// ShelfLEDCount is the number of LEDs on one shelf, used to light the
	// full shelf range during the completion flash.
	ShelfLEDCount int
}

// DefaultConfig returns the production timing constants.
func DefaultConfig() Config {
	return Config{
		Debounce:                100 * time.Millisecond,
		PerLEDCooldown:          500 * time.Millisecond,
		BlockCooldown:           time.Second,
		ProcessedExpiry:         2 * time.Second,
		IncorrectBlinkInterval:  100 * time.Millisecond,
		IncorrectIdleTimeout:    time.Second,
		BlinkInterval:           500 * time.Millisecond,
		SingleTimeout:           10 * time.Second,
		CompletionFlashInterval: 500 * time.Millisecond,
		CompletionFlashCycles:   3,
		ShelfLEDCount:           69,
	}
}

// Validate rejects configurations that would stall or spin the engine.
func (c Config) Validate() error {
	if c.Debounce < 0 || c.PerLEDCooldown < 0 || c.BlockCooldown < 0 {
		return fmt.Errorf("cooldowns must be non-negative")
	}
	if c.IncorrectBlinkInterval <= 0 {
		return fmt.Errorf("incorrect blink interval must be positive, got %v", c.IncorrectBlinkInterval)
	}
	if c.BlinkInterval <= 0 {
		return fmt.Errorf("blink interval must be positive, got %v", c.BlinkInterval)
	}
	if c.CompletionFlashCycles < 0 {
		return fmt.Errorf("completion flash cycles must be non-negative, got %d", c.CompletionFlashCycles)
	}
	if c.ShelfLEDCount <= 0 {
		return fmt.Errorf("shelf led count must be positive, got %d", c.ShelfLEDCount)
	}
	return nil
}
