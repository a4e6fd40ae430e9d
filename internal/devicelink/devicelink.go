// Package devicelink bridges the detection device's serial protocol and the
// activation engine. It validates every inbound frame, routes it to the
// engine and acknowledges it on the same port.
package devicelink

import (
	"context"

	"github.com/banshee-data/picklight/internal/engine"
	"github.com/banshee-data/picklight/internal/monitoring"
	"github.com/banshee-data/picklight/internal/protocol"
	"github.com/banshee-data/picklight/internal/serialmux"
)

// DetectionRecorder persists individual detections. Calls are best-effort;
// a failing recorder never blocks protocol handling.
type DetectionRecorder interface {
	RecordDetection(pin int, correct bool) error
}

// Link consumes frame payloads from a serial mux and drives the engine.
// It also serves as the engine's announcer for active-LED updates in the
// other direction.
type Link struct {
	mux      serialmux.SerialMuxInterface
	engine   *engine.Engine
	recorder DetectionRecorder
}

func New(mux serialmux.SerialMuxInterface, eng *engine.Engine) *Link {
	return &Link{mux: mux, engine: eng}
}

// SetRecorder installs the detection recorder. Call before Run.
func (l *Link) SetRecorder(r DetectionRecorder) { l.recorder = r }

// SendActiveLED tells the device which pin to watch for next.
func (l *Link) SendActiveLED(pin int) error {
	return l.mux.SendCommand(protocol.ActiveLED(pin))
}

// Run subscribes to the mux and handles payloads until ctx is cancelled or
// the subscription channel closes.
func (l *Link) Run(ctx context.Context) error {
	id, ch := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	monitoring.Logf("devicelink: handling frames (subscriber %s)", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			l.Handle(payload)
		}
	}
}

// Handle routes one frame payload. Exported so serial commands injected over
// HTTP take the same path as frames read off the wire.
func (l *Link) Handle(payload string) {
	msg := protocol.ParsePayload(payload)
	switch msg.Kind {
	case protocol.KindDetection:
		l.handleDetection(msg.Pin)
	case protocol.KindStop:
		monitoring.Logf("devicelink: stop requested by device")
		l.engine.StopBlinking()
		l.ack(protocol.StopAck())
	case protocol.KindActivation:
		l.handleActivation(msg.Pins)
	case protocol.KindBadDetection:
		monitoring.Logf("devicelink: malformed detection %q", payload)
		l.ack(protocol.InvalidDetectionAck())
	default:
		monitoring.Logf("devicelink: unparseable payload %q", payload)
	}
}

func (l *Link) handleDetection(pin int) {
	correct := l.pinActive(pin)
	if correct {
		l.engine.HandleDetection(pin)
		l.ack(protocol.CorrectAck(pin))
	} else {
		l.engine.HandleIncorrectDetection(pin)
		l.ack(protocol.FalseAck(pin))
	}

	if l.recorder != nil {
		go func() {
			if err := l.recorder.RecordDetection(pin, correct); err != nil {
				monitoring.Logf("devicelink: record detection pin %d: %v", pin, err)
			}
		}()
	}
}

// handleActivation serves the device-initiated activation path: a single pin
// lights in single mode, several pins start a pick block with no shelf
// offsets. The echoed list acknowledges acceptance, so a refused block is
// only logged.
func (l *Link) handleActivation(pins []int) {
	if len(pins) == 1 {
		l.engine.SetSingleMode(pins[0])
		l.ack(protocol.ActivationAck(pins))
		return
	}

	seq := make([]engine.SequenceEntry, len(pins))
	for i, pin := range pins {
		seq[i] = engine.SequenceEntry{LedID: pin}
	}
	if _, err := l.engine.StartBlockFrom(engine.SourceSerial, seq, nil); err != nil {
		monitoring.Logf("devicelink: start block %v: %v", pins, err)
		return
	}
	l.ack(protocol.ActivationAck(pins))
}

// pinActive reports whether pin belongs to the current block or the
// single/blink active set.
func (l *Link) pinActive(pin int) bool {
	for _, p := range l.engine.ActiveBlockPins() {
		if p == pin {
			return true
		}
	}
	for _, p := range l.engine.ActivePins() {
		if p == pin {
			return true
		}
	}
	return false
}

func (l *Link) ack(frame string) {
	if err := l.mux.SendCommand(frame); err != nil {
		monitoring.Logf("devicelink: send ack %q: %v", frame, err)
	}
}
