// Package serialmux provides an abstraction over the serial link to the
// detection device, with the ability for multiple clients to subscribe to
// inbound protocol frames and send commands to a single port.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/banshee-data/picklight/internal/monitoring"
	"github.com/banshee-data/picklight/internal/protocol"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// SerialMux is a serial port multiplexer that extracts protocol frames from
// the inbound byte stream and fans the payloads out to subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving frame payloads from
	// the serial port. The channel ID is used to identify the unique
	// channel when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads bytes from the serial port, extracts complete frames,
	// and sends their payloads to subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand sends a command to the serial port. A trailing newline is
// appended when missing so device firmware line buffering stays happy.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads the serial port and fans out complete frame payloads to
// subscribers. A buffer overflow from a desynchronised stream is logged and
// recovered from; it never terminates the monitor.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	codec := protocol.NewFrameCodec(protocol.DefaultMaxBuffer)

	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// Start a goroutine to read from the serial port and send chunks to
	// chunkChan, and any errors to readErrChan. The blocking Read will not
	// interfere with our outer loop awaiting chunks and cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, 256)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			s.closingMu.Lock()
			closing := s.closing
			s.closingMu.Unlock()
			if closing || errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case chunk, ok := <-chunkChan:
			if !ok {
				return nil
			}

			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			frames, err := codec.Feed(chunk)
			if err != nil {
				monitoring.Logf("serialmux: %v", err)
			}

			if len(frames) == 0 {
				continue
			}
			s.subscriberMu.Lock()
			for _, frame := range frames {
				for _, ch := range s.subscribers {
					select {
					case ch <- frame:
					default:
						// skip a full subscriber rather than block the
						// monitor loop
					}
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}
