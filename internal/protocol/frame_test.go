package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestFrameCodecSingleFrame(t *testing.T) {
	c := NewFrameCodec(0)
	frames, err := c.Feed([]byte("#DETECTED:7#"))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 || frames[0] != "DETECTED:7" {
		t.Errorf("frames = %v, want [DETECTED:7]", frames)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFrameCodecBackToBackFrames(t *testing.T) {
	c := NewFrameCodec(0)
	frames, err := c.Feed([]byte("#DETECTED:7##STOP#"))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 2 || frames[0] != "DETECTED:7" || frames[1] != "STOP" {
		t.Errorf("frames = %v, want [DETECTED:7 STOP]", frames)
	}
}

func TestFrameCodecPartialFrameAcrossFeeds(t *testing.T) {
	c := NewFrameCodec(0)

	frames, err := c.Feed([]byte("#DETEC"))
	if err != nil || len(frames) != 0 {
		t.Fatalf("partial feed: frames=%v err=%v", frames, err)
	}
	if c.Pending() == 0 {
		t.Fatal("expected partial frame to remain buffered")
	}

	frames, err = c.Feed([]byte("TED:42#"))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 || frames[0] != "DETECTED:42" {
		t.Errorf("frames = %v, want [DETECTED:42]", frames)
	}
}

func TestFrameCodecGarbageBeforeFrame(t *testing.T) {
	c := NewFrameCodec(0)
	frames, err := c.Feed([]byte("\r\nnoise#12,13#"))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 || frames[0] != "12,13" {
		t.Errorf("frames = %v, want [12,13]", frames)
	}
}

func TestFrameCodecOverflowClearsBuffer(t *testing.T) {
	c := NewFrameCodec(64)

	frames, err := c.Feed([]byte(strings.Repeat("x", 100)))
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0 after overflow", c.Pending())
	}

	// The codec keeps working after a desync recovery.
	frames, err = c.Feed([]byte("#STOP#"))
	if err != nil {
		t.Fatalf("Feed after overflow: %v", err)
	}
	if len(frames) != 1 || frames[0] != "STOP" {
		t.Errorf("frames = %v, want [STOP]", frames)
	}
}

func TestFrameCodecOverflowWithOpenFrame(t *testing.T) {
	c := NewFrameCodec(64)
	frames, err := c.Feed([]byte("#" + strings.Repeat("y", 100)))
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
}

func TestFrameCodecFrameExtractedBeforeOverflow(t *testing.T) {
	c := NewFrameCodec(16)
	frames, err := c.Feed([]byte("#5#" + strings.Repeat("z", 32)))
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("err = %v, want ErrBufferOverflow", err)
	}
	if len(frames) != 1 || frames[0] != "5" {
		t.Errorf("frames = %v, want [5]", frames)
	}
}

func TestFrameCodecEmptyPayload(t *testing.T) {
	c := NewFrameCodec(0)
	frames, err := c.Feed([]byte("##"))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 || frames[0] != "" {
		t.Errorf("frames = %v, want one empty payload", frames)
	}
}
