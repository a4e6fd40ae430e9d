package engine

import (
	"time"

	"github.com/banshee-data/picklight/internal/ledstrip"
)

// SequenceEntry is one step of a pick sequence: an LED number local to one
// shelf. Shelf offsets translate it to a strip pin when the block starts.
type SequenceEntry struct {
	ShelfID string `json:"shelf_id"`
	LedID   int    `json:"led_id"`
}

// Block tracks progress through an ordered pick sequence. All mutation
// happens under the engine lock.
type Block struct {
	ID       string
	Sequence []SequenceEntry

	// leds holds the offset-adjusted pins, one per sequence entry.
	leds []int

	currentIndex int

	// greenCounts counts how many pending occurrences of a pin are lit
	// green, so a pin repeated in the sequence is not darkened early.
	greenCounts map[int]int

	// processed records the last handled detection per pin, for the
	// per-pin cooldown. ignored marks the neighbors of a confirmed pin;
	// both are swept once ProcessedExpiry has passed.
	processed map[int]time.Time
	ignored   map[int]struct{}

	lastCorrect time.Time

	perLEDCooldown  time.Duration
	blockCooldown   time.Duration
	processedExpiry time.Duration
}

func newBlock(id string, seq []SequenceEntry, cfg Config) *Block {
	return &Block{
		ID:              id,
		Sequence:        seq,
		leds:            make([]int, 0, len(seq)),
		greenCounts:     make(map[int]int),
		processed:       make(map[int]time.Time),
		ignored:         make(map[int]struct{}),
		perLEDCooldown:  cfg.PerLEDCooldown,
		blockCooldown:   cfg.BlockCooldown,
		processedExpiry: cfg.ProcessedExpiry,
	}
}

// Pins returns a copy of the offset-adjusted pin sequence.
func (b *Block) Pins() []int {
	out := make([]int, len(b.leds))
	copy(out, b.leds)
	return out
}

// Complete reports whether every entry has been confirmed.
func (b *Block) Complete() bool {
	return b.currentIndex >= len(b.leds)
}

// Expected returns the pin the picker should touch next. Only valid while
// the block is incomplete.
func (b *Block) Expected() int {
	return b.leds[b.currentIndex]
}

// Contains reports whether pin appears anywhere in the sequence.
func (b *Block) Contains(pin int) bool {
	for _, p := range b.leds {
		if p == pin {
			return true
		}
	}
	return false
}

// colorFor returns green while the pin still has a lit pending occurrence,
// off otherwise.
func (b *Block) colorFor(pin int) ledstrip.Color {
	if b.greenCounts[pin] > 0 {
		return ledstrip.Green
	}
	return ledstrip.Off
}

// onCooldown reports whether pin was handled too recently to act on again.
func (b *Block) onCooldown(pin int, now time.Time) bool {
	t, ok := b.processed[pin]
	return ok && now.Sub(t) < b.perLEDCooldown
}

// isIgnored reports whether pin is inside the neighbor suppression window.
func (b *Block) isIgnored(pin int, now time.Time) bool {
	if _, ok := b.ignored[pin]; !ok {
		return false
	}
	t, ok := b.processed[pin]
	return ok && now.Sub(t) < b.processedExpiry
}

// markProcessed stamps pin and suppresses its immediate neighbors, which
// the detector tends to trip alongside a real touch.
func (b *Block) markProcessed(pin int, now time.Time) {
	b.processed[pin] = now
	for _, n := range []int{pin - 1, pin + 1} {
		b.ignored[n] = struct{}{}
		b.processed[n] = now
	}
}

// sweep drops cooldown and suppression entries older than ProcessedExpiry.
func (b *Block) sweep(now time.Time) {
	for pin, t := range b.processed {
		if now.Sub(t) > b.processedExpiry {
			delete(b.processed, pin)
			delete(b.ignored, pin)
		}
	}
}
