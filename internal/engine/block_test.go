package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/picklight/internal/ledstrip"
)

func TestBlockDuplicatePinStaysGreen(t *testing.T) {
	b := newBlock("b1", seq("A", 5, 9, 5), testConfig())
	b.leds = []int{5, 9, 5}

	// Both occurrences of 5 pending: still green after one decrement.
	b.greenCounts[5] = 2
	b.greenCounts[5]--
	assert.Equal(t, ledstrip.Green, b.colorFor(5))
	b.greenCounts[5]--
	assert.Equal(t, ledstrip.Off, b.colorFor(5))
}

func TestBlockSweepDropsExpiredEntries(t *testing.T) {
	cfg := testConfig()
	b := newBlock("b2", seq("A", 5), cfg)
	b.leds = []int{5}

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.markProcessed(5, t0)
	assert.True(t, b.isIgnored(4, t0.Add(time.Second)))

	later := t0.Add(cfg.ProcessedExpiry + time.Second)
	b.sweep(later)
	assert.False(t, b.isIgnored(4, later))
	assert.False(t, b.onCooldown(5, later))
	assert.Empty(t, b.processed)
}

func TestBlockContains(t *testing.T) {
	b := newBlock("b3", seq("A", 2, 4), testConfig())
	b.leds = []int{2, 4}

	assert.True(t, b.Contains(4))
	assert.False(t, b.Contains(3))
	assert.False(t, b.Complete())
	assert.Equal(t, 2, b.Expected())
}
