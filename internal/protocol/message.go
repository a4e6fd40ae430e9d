package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a parsed frame payload.
type Kind int

const (
	// KindInvalid marks a payload that could not be parsed.
	KindInvalid Kind = iota
	// KindDetection is a "DETECTED:<pin>" report from the device.
	KindDetection
	// KindStop is the "STOP" command.
	KindStop
	// KindActivation is a bare comma-separated pin list. One pin requests
	// single mode, several request a block.
	KindActivation
	// KindBadDetection is a "DETECTED:" report whose pin failed to parse.
	// It is the only malformed payload the device expects an ack for.
	KindBadDetection
)

func (k Kind) String() string {
	switch k {
	case KindDetection:
		return "detection"
	case KindStop:
		return "stop"
	case KindActivation:
		return "activation"
	case KindBadDetection:
		return "bad-detection"
	default:
		return "invalid"
	}
}

const detectedPrefix = "DETECTED:"

// Message is a classified frame payload.
type Message struct {
	Kind Kind
	// Pin is set for KindDetection.
	Pin int
	// Pins is set for KindActivation, in payload order.
	Pins []int
	// Raw is the payload as received.
	Raw string
}

// ParsePayload classifies a frame payload. It never panics on malformed
// input; anything unparseable comes back as KindInvalid.
func ParsePayload(payload string) Message {
	m := Message{Raw: payload}
	content := strings.TrimSpace(payload)

	if strings.HasPrefix(content, detectedPrefix) {
		pin, err := strconv.Atoi(strings.TrimSpace(content[len(detectedPrefix):]))
		if err != nil {
			m.Kind = KindBadDetection
			return m
		}
		m.Kind = KindDetection
		m.Pin = pin
		return m
	}

	if strings.EqualFold(content, "STOP") {
		m.Kind = KindStop
		return m
	}

	for _, part := range strings.Split(content, ",") {
		pin, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		m.Pins = append(m.Pins, pin)
	}
	if len(m.Pins) > 0 {
		m.Kind = KindActivation
	}
	return m
}

// Ack wraps content in frame delimiters with a trailing newline, the form
// the device expects for acknowledgements.
func Ack(content string) string {
	return fmt.Sprintf("#%s#\n", content)
}

// CorrectAck acknowledges a detection that matched the expected pin set.
func CorrectAck(pin int) string {
	return Ack(fmt.Sprintf("CORRECT:%d", pin))
}

// FalseAck acknowledges a detection outside the expected pin set.
func FalseAck(pin int) string {
	return Ack(fmt.Sprintf("FALSE:%d", pin))
}

// InvalidDetectionAck acknowledges an unparseable detection payload.
func InvalidDetectionAck() string {
	return Ack("INVALID_DETECTION")
}

// StopAck acknowledges a STOP command.
func StopAck() string {
	return Ack("STOP")
}

// ActivationAck echoes back a normalised pin list.
func ActivationAck(pins []int) string {
	parts := make([]string, len(pins))
	for i, p := range pins {
		parts[i] = strconv.Itoa(p)
	}
	return Ack(strings.Join(parts, ","))
}

// ActiveLED is the outbound announcement telling the device which pin is
// currently armed.
func ActiveLED(pin int) string {
	return fmt.Sprintf("#%d#\n", pin)
}
