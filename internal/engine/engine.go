// Package engine drives the pick-to-light activation state machine: which
// LEDs are lit, which pin the detector should confirm next, and what happens
// when detections arrive out of order.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/picklight/internal/ledstrip"
	"github.com/banshee-data/picklight/internal/monitoring"
	"github.com/banshee-data/picklight/internal/timeutil"
)

// Mode is the engine's top-level activation mode.
type Mode int

const (
	ModeIdle Mode = iota
	ModeSingle
	ModeBlock
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSingle:
		return "single"
	case ModeBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ErrBlockActive is returned by StartBlock while another block is in
// progress. The caller must finish or cancel it first.
var ErrBlockActive = errors.New("a pick block is already active")

// ErrEmptySequence is returned by StartBlock for a sequence with no entries.
var ErrEmptySequence = errors.New("pick sequence is empty")

// Announcer tells the detection device which pin it should report next.
type Announcer interface {
	SendActiveLED(pin int) error
}

// CompletionSink is notified after a block's completion flash has run.
type CompletionSink interface {
	BlockCompleted(blockID string, pins []int) error
}

// EventRecorder persists block lifecycle events. Both methods are called
// outside the engine lock with best-effort semantics.
type EventRecorder interface {
	BlockStarted(blockID string, pins []int, source string) error
	BlockCompleted(blockID string) error
}

// Engine owns all activation state. Public methods are safe for concurrent
// use; supervisors and blink loops run on their own goroutines and re-enter
// through the same lock.
type Engine struct {
	cfg       Config
	surface   ledstrip.Surface
	announcer Announcer
	clock     timeutil.Clock

	sink     CompletionSink
	recorder EventRecorder

	mu      sync.Mutex
	mode    Mode
	current *Block

	// blocks keeps finished-with blocks around so stray detections can
	// still be attributed while idle. Cleared by TurnOffAll.
	blocks []*Block

	// controlled maps shelf IDs to their pin offsets.
	controlled map[string]int

	lastHandled map[int]time.Time

	// activePins backs single and timeout-blink activation.
	activePins  map[int]time.Time
	blinkCancel context.CancelFunc
	blinkDone   chan struct{}

	supervisors   map[int]*supervisor
	lastIncorrect map[int]time.Time
}

// New builds an engine in idle mode. announcer may be nil when no detection
// device is attached.
func New(cfg Config, surface ledstrip.Surface, announcer Announcer, clock timeutil.Clock) *Engine {
	return &Engine{
		cfg:           cfg,
		surface:       surface,
		announcer:     announcer,
		clock:         clock,
		controlled:    make(map[string]int),
		lastHandled:   make(map[int]time.Time),
		activePins:    make(map[int]time.Time),
		supervisors:   make(map[int]*supervisor),
		lastIncorrect: make(map[int]time.Time),
	}
}

// SetAnnouncer installs the device announcer. Call before the first block
// starts.
func (e *Engine) SetAnnouncer(a Announcer) { e.announcer = a }

// SetCompletionSink installs the completion notification target. Call before
// the first block starts.
func (e *Engine) SetCompletionSink(s CompletionSink) { e.sink = s }

// SetRecorder installs the event recorder. Call before the first block
// starts.
func (e *Engine) SetRecorder(r EventRecorder) { e.recorder = r }

// Mode returns the current activation mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// ActiveBlockPins returns the pin sequence of the block in progress, or nil.
func (e *Engine) ActiveBlockPins() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.Pins()
}

// ActivePins returns the pins lit by single-mode or timeout-blink
// activation.
func (e *Engine) ActivePins() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.activePins) == 0 {
		return nil
	}
	pins := make([]int, 0, len(e.activePins))
	for pin := range e.activePins {
		pins = append(pins, pin)
	}
	return pins
}

// CurrentBlockID returns the ID of the block in progress, or "".
func (e *Engine) CurrentBlockID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.ID
}

// BlockProgress reports how far the current block has advanced.
func (e *Engine) BlockProgress() (confirmed, total int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return 0, 0, false
	}
	return e.current.currentIndex, len(e.current.leds), true
}

// Block sources, recorded with block history.
const (
	SourceHTTP   = "http"
	SourceSerial = "serial"
)

// StartBlock begins a new pick block on behalf of the HTTP adapter. offsets
// updates the shelf offset table before pins are resolved. Fails with
// ErrBlockActive while another block is in progress.
func (e *Engine) StartBlock(seq []SequenceEntry, offsets map[string]int) (string, error) {
	return e.StartBlockFrom(SourceHTTP, seq, offsets)
}

// StartBlockFrom is StartBlock tagged with the requesting source.
func (e *Engine) StartBlockFrom(source string, seq []SequenceEntry, offsets map[string]int) (string, error) {
	if len(seq) == 0 {
		return "", ErrEmptySequence
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == ModeBlock && e.current != nil {
		return "", ErrBlockActive
	}

	for shelf, off := range offsets {
		e.controlled[shelf] = off
	}

	b := newBlock(uuid.NewString(), seq, e.cfg)
	for _, entry := range seq {
		pin := entry.LedID + e.controlled[entry.ShelfID]
		b.leds = append(b.leds, pin)
	}

	first := b.leds[0]
	b.greenCounts[first]++
	for _, pin := range b.leds {
		e.setLEDLocked(pin, b.colorFor(pin))
	}
	e.flushLocked()

	e.current = b
	e.blocks = append(e.blocks, b)
	e.mode = ModeBlock

	e.announceLocked(first)
	monitoring.Logf("engine: block %s started, %d leds, first pin %d", b.ID, len(b.leds), first)

	if e.recorder != nil {
		id, pins := b.ID, b.Pins()
		go func() {
			if err := e.recorder.BlockStarted(id, pins, source); err != nil {
				monitoring.Logf("engine: record block start %s: %v", id, err)
			}
		}()
	}

	return b.ID, nil
}

// HandleDetection processes a detection the device attributed to an active
// pin. Routing depends on mode; while idle it falls back to searching
// previously started blocks.
func (e *Engine) HandleDetection(pin int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if last, ok := e.lastHandled[pin]; ok && now.Sub(last) < e.cfg.Debounce {
		monitoring.Logf("engine: pin %d debounced", pin)
		return
	}
	e.lastHandled[pin] = now

	switch e.mode {
	case ModeSingle:
		e.confirmSingleLocked(pin)
	case ModeBlock:
		if e.current != nil {
			e.detectOnBlockLocked(e.current, pin)
		}
	default:
		for _, b := range e.blocks {
			if b.Contains(pin) {
				e.detectOnBlockLocked(b, pin)
				return
			}
		}
		monitoring.Logf("engine: detection for pin %d with no matching block", pin)
	}
}

// HandleIncorrectDetection processes a detection of a pin that is not part
// of the active set. It spawns a red-blink supervisor for the pin unless
// suppression or a racing confirmation says otherwise.
func (e *Engine) HandleIncorrectDetection(pin int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if b := e.current; b != nil {
		if b.isIgnored(pin, now) {
			monitoring.Logf("engine: pin %d suppressed as neighbor, no blink", pin)
			return
		}
		if !b.Complete() && b.Expected() == pin {
			// The pin became expected between the device's routing
			// decision and now. Treat as stale, not incorrect.
			monitoring.Logf("engine: pin %d is now expected, skipping blink", pin)
			return
		}
	}

	e.lastIncorrect[pin] = now
	if _, ok := e.supervisors[pin]; ok {
		return
	}
	e.spawnSupervisorLocked(pin)
	monitoring.Logf("engine: incorrect detection on pin %d, blinking red", pin)
}

// detectOnBlockLocked applies one detection to a block: advance on the
// expected pin, flag anything else.
func (e *Engine) detectOnBlockLocked(b *Block, pin int) {
	now := e.clock.Now()
	defer b.sweep(now)

	if b.Complete() {
		monitoring.Logf("engine: block %s already complete, ignoring pin %d", b.ID, pin)
		return
	}
	if b.onCooldown(pin, now) {
		monitoring.Logf("engine: pin %d on cooldown", pin)
		return
	}

	if pin != b.Expected() {
		if b.isIgnored(pin, now) {
			monitoring.Logf("engine: pin %d suppressed as neighbor", pin)
			return
		}
		monitoring.Logf("engine: pin %d detected, expected %d", pin, b.Expected())
		go e.HandleIncorrectDetection(pin)
		return
	}

	if now.Sub(b.lastCorrect) < e.cfg.BlockCooldown {
		monitoring.Logf("engine: block %s advance on cooldown", b.ID)
		return
	}

	b.markProcessed(pin, now)
	b.lastCorrect = now

	if b.greenCounts[pin] > 0 {
		b.greenCounts[pin]--
	}
	e.setLEDLocked(pin, ledstrip.Off)
	e.cancelSupervisorLocked(pin)

	b.currentIndex++
	if b.Complete() {
		e.flushLocked()
		e.mode = ModeIdle
		e.current = nil
		go e.runCompletion(b)
		return
	}

	next := b.Expected()
	e.cancelSupervisorLocked(next)
	b.greenCounts[next]++
	e.setLEDLocked(next, ledstrip.Green)
	e.flushLocked()
	e.announceLocked(next)
	monitoring.Logf("engine: block %s advanced to pin %d (%d/%d)", b.ID, next, b.currentIndex, len(b.leds))
}

// SetSingleMode lights one pin green and waits for its confirmation.
func (e *Engine) SetSingleMode(pin int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mode = ModeSingle
	e.activePins = map[int]time.Time{pin: e.clock.Now()}
	e.setLEDLocked(pin, ledstrip.Green)
	e.flushLocked()
	monitoring.Logf("engine: single mode, pin %d", pin)
}

func (e *Engine) confirmSingleLocked(pin int) {
	if _, ok := e.activePins[pin]; !ok {
		monitoring.Logf("engine: pin %d not active in single mode", pin)
		return
	}
	delete(e.activePins, pin)
	e.setLEDLocked(pin, ledstrip.Off)
	e.flushLocked()
	if len(e.activePins) == 0 {
		e.mode = ModeIdle
	}
	monitoring.Logf("engine: pin %d confirmed", pin)
}

// SetActiveLEDs starts the timeout-blink loop over the given pins, replacing
// any loop already running. Each pin is evicted after SingleTimeout without
// confirmation; the loop exits once nothing is left to blink.
func (e *Engine) SetActiveLEDs(pins []int) {
	e.stopBlinkLoop()

	e.mu.Lock()
	now := e.clock.Now()
	e.activePins = make(map[int]time.Time, len(pins))
	for _, p := range pins {
		e.activePins[p] = now
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.blinkCancel, e.blinkDone = cancel, done
	e.mu.Unlock()

	go e.runBlinkLoop(ctx, done)
}

// StopBlinking halts the timeout-blink loop and resets all state.
func (e *Engine) StopBlinking() {
	e.stopBlinkLoop()
	e.TurnOffAll()
}

func (e *Engine) stopBlinkLoop() {
	e.mu.Lock()
	cancel, done := e.blinkCancel, e.blinkDone
	e.blinkCancel, e.blinkDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) runBlinkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.TurnOffAll()

	for {
		e.mu.Lock()
		now := e.clock.Now()
		for pin, since := range e.activePins {
			if now.Sub(since) > e.cfg.SingleTimeout {
				delete(e.activePins, pin)
				e.setLEDLocked(pin, ledstrip.Off)
				monitoring.Logf("engine: pin %d timed out, evicted from blink set", pin)
			}
		}
		if len(e.activePins) == 0 && e.current == nil {
			e.mu.Unlock()
			return
		}
		for pin := range e.activePins {
			e.setLEDLocked(pin, ledstrip.Red)
		}
		e.flushLocked()
		e.mu.Unlock()

		if !sleepCtx(ctx, e.clock, e.cfg.BlinkInterval) {
			return
		}

		e.mu.Lock()
		for pin := range e.activePins {
			e.setLEDLocked(pin, ledstrip.Off)
		}
		e.flushLocked()
		e.mu.Unlock()

		if !sleepCtx(ctx, e.clock, e.cfg.BlinkInterval) {
			return
		}
	}
}

// TurnOffPin darkens one pin without touching the rest of the state.
func (e *Engine) TurnOffPin(pin int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLEDLocked(pin, ledstrip.Off)
	e.flushLocked()
}

// TurnOffAll resets every piece of activation state, waits out all
// supervisors and clears the strip. Safe to call from any goroutine,
// including supervisor and blink-loop shutdown paths.
func (e *Engine) TurnOffAll() {
	e.mu.Lock()
	e.mode = ModeIdle
	e.current = nil
	e.blocks = nil
	e.controlled = make(map[string]int)
	e.lastHandled = make(map[int]time.Time)
	e.activePins = make(map[int]time.Time)
	e.lastIncorrect = make(map[int]time.Time)
	sups := make([]*supervisor, 0, len(e.supervisors))
	for _, s := range e.supervisors {
		sups = append(sups, s)
	}
	e.supervisors = make(map[int]*supervisor)
	e.mu.Unlock()

	// Await supervisors outside the lock; their cleanup re-enters it.
	for _, s := range sups {
		s.cancel()
	}
	for _, s := range sups {
		<-s.done
	}

	if err := e.surface.Clear(); err != nil {
		monitoring.Logf("engine: clear strip: %v", err)
	}
	monitoring.Logf("engine: all leds off, state reset")
}

// runCompletion flashes the full shelf ranges of a finished block, resets
// state and notifies the recorder and sink. Runs on its own goroutine.
func (e *Engine) runCompletion(b *Block) {
	monitoring.Logf("engine: block %s complete", b.ID)

	pins := e.completionPins(b)
	for cycle := 0; cycle < e.cfg.CompletionFlashCycles; cycle++ {
		e.setPins(pins, ledstrip.Green)
		e.clock.Sleep(e.cfg.CompletionFlashInterval)
		e.setPins(pins, ledstrip.Off)
		e.clock.Sleep(e.cfg.CompletionFlashInterval)
	}

	e.TurnOffAll()

	if e.recorder != nil {
		if err := e.recorder.BlockCompleted(b.ID); err != nil {
			monitoring.Logf("engine: record block completion %s: %v", b.ID, err)
		}
	}
	if e.sink != nil {
		if err := e.sink.BlockCompleted(b.ID, b.Pins()); err != nil {
			monitoring.Logf("engine: notify block completion %s: %v", b.ID, err)
		}
	}
}

// completionPins resolves the full pin range of every shelf the block
// touched, offsets applied.
func (e *Engine) completionPins(b *Block) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	shelves := make(map[string]struct{})
	for _, entry := range b.Sequence {
		shelves[entry.ShelfID] = struct{}{}
	}

	seen := make(map[int]struct{})
	var pins []int
	for shelf := range shelves {
		off := e.controlled[shelf]
		for led := 1; led <= e.cfg.ShelfLEDCount; led++ {
			pin := led + off
			if _, ok := seen[pin]; ok {
				continue
			}
			seen[pin] = struct{}{}
			pins = append(pins, pin)
		}
	}
	return pins
}

func (e *Engine) setPins(pins []int, c ledstrip.Color) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pin := range pins {
		e.setLEDLocked(pin, c)
	}
	e.flushLocked()
}

func (e *Engine) setLEDLocked(pin int, c ledstrip.Color) {
	if err := e.surface.Set(pin, c); err != nil {
		monitoring.Logf("engine: set pin %d: %v", pin, err)
	}
}

func (e *Engine) flushLocked() {
	e.surface.Flush()
}

func (e *Engine) announceLocked(pin int) {
	if e.announcer == nil {
		return
	}
	if err := e.announcer.SendActiveLED(pin); err != nil {
		monitoring.Logf("engine: announce pin %d: %v", pin, err)
	}
}

// expectedPinLocked returns the current block's expected pin, or -1.
func (e *Engine) expectedPinLocked() int {
	if e.current != nil && !e.current.Complete() {
		return e.current.Expected()
	}
	return -1
}

// sleepCtx sleeps for d on the engine clock, returning false when ctx is
// cancelled first.
func sleepCtx(ctx context.Context, clock timeutil.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
