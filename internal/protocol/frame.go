// Package protocol implements the framed serial protocol spoken by the
// optical detection device. Messages travel in both directions as ASCII
// frames delimited by '#', e.g. "#DETECTED:12#".
package protocol

import (
	"bytes"
	"errors"
)

// Delimiter marks both the start and end of a frame on the wire.
const Delimiter = '#'

// DefaultMaxBuffer is the inbound buffer cap. A desynchronised stream that
// accumulates this many bytes without a complete frame is discarded.
const DefaultMaxBuffer = 4096

// ErrBufferOverflow reports that the inbound buffer exceeded its cap with no
// extractable frame and was cleared. The link stays usable afterwards.
var ErrBufferOverflow = errors.New("protocol: frame buffer overflow, buffer cleared")

// FrameCodec accumulates inbound bytes and extracts complete frames. It is
// not safe for concurrent use; each transport reader owns one codec.
type FrameCodec struct {
	buf []byte
	max int
}

// NewFrameCodec returns a codec with the given buffer cap. A non-positive
// cap selects DefaultMaxBuffer.
func NewFrameCodec(max int) *FrameCodec {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	return &FrameCodec{max: max}
}

// Feed appends p to the accumulating buffer and returns the payloads of all
// complete frames, in arrival order. When the buffer exceeds the cap with no
// complete frame it is discarded entirely and ErrBufferOverflow is returned
// alongside any frames extracted before the overflow.
func (c *FrameCodec) Feed(p []byte) ([]string, error) {
	c.buf = append(c.buf, p...)

	var frames []string
	for {
		start := bytes.IndexByte(c.buf, Delimiter)
		if start < 0 {
			// No frame start yet; keep buffering until the cap trips.
			break
		}
		end := bytes.IndexByte(c.buf[start+1:], Delimiter)
		if end < 0 {
			// Partial frame. Drop any garbage before the start marker
			// and wait for more bytes.
			c.buf = c.buf[start:]
			break
		}
		end += start + 1
		frames = append(frames, string(c.buf[start+1:end]))
		c.buf = c.buf[end+1:]
	}

	if len(c.buf) > c.max {
		c.buf = c.buf[:0]
		return frames, ErrBufferOverflow
	}
	return frames, nil
}

// Pending returns the number of buffered bytes awaiting a frame end.
func (c *FrameCodec) Pending() int {
	return len(c.buf)
}
