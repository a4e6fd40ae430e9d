package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/picklight/internal/ledstrip"
	"github.com/banshee-data/picklight/internal/testutil"
	"github.com/banshee-data/picklight/internal/timeutil"
)

// fakeSurface records staged colors per pin. Set and Flush are synchronous,
// which keeps render assertions deterministic.
type fakeSurface struct {
	mu       sync.Mutex
	pins     map[int]ledstrip.Color
	pinCount int
	flushes  int
	clears   int
}

func newFakeSurface(pinCount int) *fakeSurface {
	return &fakeSurface{pins: make(map[int]ledstrip.Color), pinCount: pinCount}
}

func (f *fakeSurface) Set(pin int, c ledstrip.Color) error {
	if pin < 1 || pin > f.pinCount {
		return fmt.Errorf("led pin %d out of range 1..%d", pin, f.pinCount)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[pin] = c
	return nil
}

func (f *fakeSurface) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeSurface) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pin := range f.pins {
		f.pins[pin] = ledstrip.Off
	}
	f.clears++
	return nil
}

func (f *fakeSurface) PinCount() int { return f.pinCount }
func (f *fakeSurface) Close()        {}

func (f *fakeSurface) color(pin int) ledstrip.Color {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins[pin]
}

type fakeAnnouncer struct {
	mu   sync.Mutex
	pins []int
	err  error
}

func (a *fakeAnnouncer) SendActiveLED(pin int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.pins = append(a.pins, pin)
	return nil
}

func (a *fakeAnnouncer) sent() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.pins))
	copy(out, a.pins)
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	ids    []string
	pins   [][]int
	called int
}

func (s *fakeSink) BlockCompleted(blockID string, pins []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, blockID)
	s.pins = append(s.pins, pins)
	s.called++
	return nil
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.called
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ShelfLEDCount = 20
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeSurface, *fakeAnnouncer, *timeutil.MockClock) {
	t.Helper()
	surface := newFakeSurface(200)
	ann := &fakeAnnouncer{}
	clk := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(cfg, surface, ann, clk), surface, ann, clk
}

func seq(shelf string, leds ...int) []SequenceEntry {
	entries := make([]SequenceEntry, 0, len(leds))
	for _, led := range leds {
		entries = append(entries, SequenceEntry{ShelfID: shelf, LedID: led})
	}
	return entries
}

func supervisorCount(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.supervisors)
}

func TestStartBlockLightsFirstAndAnnounces(t *testing.T) {
	e, surface, ann, _ := newTestEngine(t, testConfig())

	id, err := e.StartBlock(seq("A", 12, 13, 14), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Equal(t, ModeBlock, e.Mode())
	assert.Equal(t, []int{12, 13, 14}, e.ActiveBlockPins())
	assert.Equal(t, ledstrip.Green, surface.color(12))
	assert.Equal(t, ledstrip.Off, surface.color(13))
	assert.Equal(t, ledstrip.Off, surface.color(14))
	assert.Equal(t, []int{12}, ann.sent())
}

func TestStartBlockRefusesWhileActive(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())

	_, err := e.StartBlock(seq("A", 1, 2), nil)
	require.NoError(t, err)

	_, err = e.StartBlock(seq("A", 3, 4), nil)
	assert.ErrorIs(t, err, ErrBlockActive)
}

func TestStartBlockEmptySequence(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())

	_, err := e.StartBlock(nil, nil)
	assert.ErrorIs(t, err, ErrEmptySequence)
}

func TestStartBlockAppliesShelfOffsets(t *testing.T) {
	e, surface, ann, _ := newTestEngine(t, testConfig())

	_, err := e.StartBlock(seq("B", 3, 5), map[string]int{"B": 69})
	require.NoError(t, err)

	assert.Equal(t, []int{72, 74}, e.ActiveBlockPins())
	assert.Equal(t, ledstrip.Green, surface.color(72))
	assert.Equal(t, []int{72}, ann.sent())
}

func TestBlockWalkthrough(t *testing.T) {
	cfg := testConfig()
	e, surface, ann, clk := newTestEngine(t, cfg)
	sink := &fakeSink{}
	e.SetCompletionSink(sink)

	id, err := e.StartBlock(seq("A", 12, 13, 14), nil)
	require.NoError(t, err)

	// Correct pick advances: 12 off, 13 green, 13 announced.
	e.HandleDetection(12)
	assert.Equal(t, ledstrip.Off, surface.color(12))
	assert.Equal(t, ledstrip.Green, surface.color(13))
	assert.Equal(t, []int{12, 13}, ann.sent())
	confirmed, total, ok := e.BlockProgress()
	require.True(t, ok)
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 3, total)

	// A second advance inside the block cooldown is dropped.
	clk.Advance(cfg.BlockCooldown / 2)
	e.HandleDetection(13)
	confirmed, _, _ = e.BlockProgress()
	assert.Equal(t, 1, confirmed)

	// 11 neighbors the confirmed 12, so no red blink fires for it.
	e.HandleDetection(11)
	assert.Equal(t, 0, supervisorCount(e))

	clk.Advance(cfg.BlockCooldown)
	e.HandleDetection(13)
	confirmed, _, _ = e.BlockProgress()
	assert.Equal(t, 2, confirmed)
	assert.Equal(t, ledstrip.Green, surface.color(14))

	// Final pick completes the block: flash runs, then everything resets
	// and the sink is told.
	clk.Advance(cfg.BlockCooldown + time.Millisecond)
	e.HandleDetection(14)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return sink.calls() == 1
	}, "completion sink not notified")

	sink.mu.Lock()
	assert.Equal(t, id, sink.ids[0])
	assert.Equal(t, []int{12, 13, 14}, sink.pins[0])
	sink.mu.Unlock()

	assert.Equal(t, ModeIdle, e.Mode())
	assert.Nil(t, e.ActiveBlockPins())
	assert.Equal(t, ledstrip.Off, surface.color(14))
}

func TestBlockCompletionFlashCoversShelf(t *testing.T) {
	cfg := testConfig()
	cfg.ShelfLEDCount = 5
	e, _, _, clk := newTestEngine(t, cfg)
	sink := &fakeSink{}
	e.SetCompletionSink(sink)

	_, err := e.StartBlock(seq("A", 2), map[string]int{"A": 10})
	require.NoError(t, err)

	e.HandleDetection(12)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return sink.calls() == 1
	}, "completion sink not notified")

	// Three cycles, one on and one off pause each.
	assert.Len(t, clk.Sleeps(), 2*cfg.CompletionFlashCycles)
}

func TestPerPinCooldownSuppressesRepeat(t *testing.T) {
	cfg := testConfig()
	e, _, _, clk := newTestEngine(t, cfg)

	_, err := e.StartBlock(seq("A", 12, 13), nil)
	require.NoError(t, err)

	e.HandleDetection(12)
	// Past the debounce but within the per-pin cooldown. The pin is no
	// longer expected, but no red blink may fire either.
	clk.Advance(cfg.Debounce * 2)
	e.HandleDetection(12)
	assert.Equal(t, 0, supervisorCount(e))

	confirmed, _, _ := e.BlockProgress()
	assert.Equal(t, 1, confirmed)
}

func TestNeighborSuppressionExpires(t *testing.T) {
	cfg := testConfig()
	e, surface, _, clk := newTestEngine(t, cfg)

	_, err := e.StartBlock(seq("A", 12, 13), nil)
	require.NoError(t, err)
	e.HandleDetection(12)

	// Once the suppression window lapses, the same neighbor is a genuine
	// wrong pick and blinks red.
	clk.Advance(cfg.ProcessedExpiry + 100*time.Millisecond)
	e.HandleDetection(11)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return supervisorCount(e) == 1
	}, "expected a red-blink supervisor for pin 11")
	testutil.Eventually(t, 2*time.Second, func() bool {
		return surface.color(11) == ledstrip.Red
	}, "pin 11 never turned red")

	e.TurnOffAll()
}

func TestIncorrectDetectionRaceGuard(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())

	_, err := e.StartBlock(seq("A", 12, 13), nil)
	require.NoError(t, err)

	// The pin is expected by the time the call lands, so it must not be
	// treated as incorrect.
	e.HandleIncorrectDetection(12)
	assert.Equal(t, 0, supervisorCount(e))
}

func TestSupervisorCancelledWhenPinBecomesExpected(t *testing.T) {
	e, surface, _, _ := newTestEngine(t, testConfig())

	_, err := e.StartBlock(seq("A", 12, 13), nil)
	require.NoError(t, err)

	// Picking 13 early is wrong and starts a red blink.
	e.HandleDetection(13)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return supervisorCount(e) == 1
	}, "expected a supervisor for pin 13")

	// Confirming 12 makes 13 the expected pin; its supervisor is torn
	// down without darkening the fresh green.
	e.HandleDetection(12)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return supervisorCount(e) == 0
	}, "supervisor for pin 13 not cancelled")
	assert.Equal(t, ledstrip.Green, surface.color(13))
}

func TestSupervisorStopsWhenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IncorrectBlinkInterval = 100 * time.Millisecond
	cfg.IncorrectIdleTimeout = 150 * time.Millisecond
	e, surface, _, clk := newTestEngine(t, cfg)

	e.HandleIncorrectDetection(40)
	require.Equal(t, 1, supervisorCount(e))

	testutil.Eventually(t, 2*time.Second, func() bool {
		clk.Advance(cfg.IncorrectBlinkInterval)
		return supervisorCount(e) == 0
	}, "supervisor did not stop after going idle")
	assert.Equal(t, ledstrip.Off, surface.color(40))
}

func TestDetectionDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.Debounce = time.Hour
	cfg.PerLEDCooldown = 0
	cfg.BlockCooldown = 0
	e, _, _, _ := newTestEngine(t, cfg)

	_, err := e.StartBlock(seq("A", 12, 13), nil)
	require.NoError(t, err)

	e.HandleDetection(12)
	confirmed, _, _ := e.BlockProgress()
	require.Equal(t, 1, confirmed)

	// The repeat lands inside the debounce window and is dropped before
	// any cooldown or wrong-pick handling runs.
	e.HandleDetection(12)
	assert.Equal(t, 0, supervisorCount(e))
}

func TestIdleDetectionFallsBackToHistory(t *testing.T) {
	cfg := testConfig()
	e, surface, _, clk := newTestEngine(t, cfg)

	_, err := e.StartBlock(seq("A", 12, 13, 14), nil)
	require.NoError(t, err)
	e.HandleDetection(12)
	clk.Advance(cfg.BlockCooldown + time.Millisecond)

	// Drop to idle without clearing history, then detect the next pin.
	// The old block still attributes it and keeps advancing.
	e.mu.Lock()
	e.mode = ModeIdle
	e.current = nil
	e.mu.Unlock()

	e.HandleDetection(13)
	assert.Equal(t, ledstrip.Off, surface.color(13))
	assert.Equal(t, ledstrip.Green, surface.color(14))
}

func TestSingleMode(t *testing.T) {
	e, surface, _, _ := newTestEngine(t, testConfig())

	e.SetSingleMode(7)
	assert.Equal(t, ModeSingle, e.Mode())
	assert.Equal(t, ledstrip.Green, surface.color(7))

	e.HandleDetection(7)
	assert.Equal(t, ModeIdle, e.Mode())
	assert.Equal(t, ledstrip.Off, surface.color(7))
}

func TestSetActiveLEDsBlinksAndEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.SingleTimeout = 300 * time.Millisecond
	e, surface, _, clk := newTestEngine(t, cfg)

	e.SetActiveLEDs([]int{5, 6})

	testutil.Eventually(t, 2*time.Second, func() bool {
		return surface.color(5) == ledstrip.Red && surface.color(6) == ledstrip.Red
	}, "active pins never turned red")

	// Past the timeout every pin is evicted and the loop winds itself
	// down through a full reset.
	testutil.Eventually(t, 2*time.Second, func() bool {
		clk.Advance(cfg.BlinkInterval)
		return surface.color(5) == ledstrip.Off && surface.color(6) == ledstrip.Off && e.Mode() == ModeIdle
	}, "blink loop did not evict timed-out pins")
}

func TestStopBlinking(t *testing.T) {
	e, surface, _, _ := newTestEngine(t, testConfig())

	e.SetActiveLEDs([]int{5})
	testutil.Eventually(t, 2*time.Second, func() bool {
		return surface.color(5) == ledstrip.Red
	}, "pin 5 never turned red")

	e.StopBlinking()
	assert.Equal(t, ModeIdle, e.Mode())
	assert.Equal(t, ledstrip.Off, surface.color(5))
}

func TestTurnOffAllCancelsSupervisors(t *testing.T) {
	e, surface, _, _ := newTestEngine(t, testConfig())

	e.HandleIncorrectDetection(21)
	e.HandleIncorrectDetection(22)
	require.Equal(t, 2, supervisorCount(e))

	e.TurnOffAll()
	assert.Equal(t, 0, supervisorCount(e))
	assert.Equal(t, ledstrip.Off, surface.color(21))
	assert.Equal(t, ledstrip.Off, surface.color(22))
	assert.Equal(t, ModeIdle, e.Mode())
}

func TestRecorderSeesLifecycle(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())
	rec := &recordingRecorder{}
	e.SetRecorder(rec)

	id, err := e.StartBlock(seq("A", 3), nil)
	require.NoError(t, err)

	e.HandleDetection(3)
	testutil.Eventually(t, 2*time.Second, func() bool {
		return rec.startedCount() == 1 && rec.completedCount() == 1
	}, "recorder did not see block lifecycle")
	assert.Equal(t, id, rec.startedID())
	assert.Equal(t, SourceHTTP, rec.startedSource())
}

func TestStartBlockFromTagsSource(t *testing.T) {
	e, _, _, _ := newTestEngine(t, testConfig())
	rec := &recordingRecorder{}
	e.SetRecorder(rec)

	_, err := e.StartBlockFrom(SourceSerial, seq("", 5, 6, 8), nil)
	require.NoError(t, err)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return rec.startedCount() == 1
	}, "recorder did not see block start")
	assert.Equal(t, SourceSerial, rec.startedSource())
}

type recordingRecorder struct {
	mu        sync.Mutex
	started   []string
	sources   []string
	completed []string
}

func (r *recordingRecorder) BlockStarted(blockID string, pins []int, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, blockID)
	r.sources = append(r.sources, source)
	return nil
}

func (r *recordingRecorder) BlockCompleted(blockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, blockID)
	return nil
}

func (r *recordingRecorder) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *recordingRecorder) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *recordingRecorder) startedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.started) == 0 {
		return ""
	}
	return r.started[0]
}

func (r *recordingRecorder) startedSource() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sources) == 0 {
		return ""
	}
	return r.sources[0]
}
