package ledstrip

import (
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/picklight/internal/testutil"
)

func TestLocate(t *testing.T) {
	tests := []struct {
		pin, perStrip, strips int
		wantStrip, wantOffset int
		wantErr               bool
	}{
		{pin: 1, perStrip: 69, strips: 2, wantStrip: 0, wantOffset: 0},
		{pin: 69, perStrip: 69, strips: 2, wantStrip: 0, wantOffset: 68},
		{pin: 70, perStrip: 69, strips: 2, wantStrip: 1, wantOffset: 0},
		{pin: 138, perStrip: 69, strips: 2, wantStrip: 1, wantOffset: 68},
		{pin: 0, perStrip: 69, strips: 2, wantErr: true},
		{pin: 139, perStrip: 69, strips: 2, wantErr: true},
		{pin: -5, perStrip: 69, strips: 2, wantErr: true},
	}

	for _, tt := range tests {
		strip, offset, err := Locate(tt.pin, tt.perStrip, tt.strips)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Locate(%d) expected error", tt.pin)
			}
			continue
		}
		if err != nil {
			t.Errorf("Locate(%d) unexpected error: %v", tt.pin, err)
			continue
		}
		if strip != tt.wantStrip || offset != tt.wantOffset {
			t.Errorf("Locate(%d) = (%d, %d), want (%d, %d)",
				tt.pin, strip, offset, tt.wantStrip, tt.wantOffset)
		}
	}
}

func TestStripSurfaceSetAndFlush(t *testing.T) {
	a := NewMemoryStrip(4)
	b := NewMemoryStrip(4)
	s := NewStripSurface([]Strip{a, b}, 4)
	defer s.Close()

	if err := s.Set(1, Green); err != nil {
		t.Fatalf("Set(1): %v", err)
	}
	if err := s.Set(6, Red); err != nil {
		t.Fatalf("Set(6): %v", err)
	}
	s.Flush()

	testutil.Eventually(t, time.Second, func() bool {
		return a.Shows() >= 1 && b.Shows() >= 1
	}, "both strips should be shown after Flush")

	if got := a.Pixel(0); got != Green {
		t.Errorf("strip a pixel 0 = %v, want green", got)
	}
	if got := b.Pixel(1); got != Red {
		t.Errorf("strip b pixel 1 = %v, want red", got)
	}
}

func TestStripSurfaceFlushOnlyDirtyStrips(t *testing.T) {
	a := NewMemoryStrip(4)
	b := NewMemoryStrip(4)
	s := NewStripSurface([]Strip{a, b}, 4)
	defer s.Close()

	if err := s.Set(2, Green); err != nil {
		t.Fatalf("Set(2): %v", err)
	}
	s.Flush()

	testutil.Eventually(t, time.Second, func() bool {
		return a.Shows() == 1
	}, "dirty strip should be shown")

	if b.Shows() != 0 {
		t.Errorf("clean strip shown %d times, want 0", b.Shows())
	}
}

func TestStripSurfaceOutOfRange(t *testing.T) {
	s := NewStripSurface([]Strip{NewMemoryStrip(4)}, 4)
	defer s.Close()

	if err := s.Set(5, Green); err == nil {
		t.Error("Set(5) on a 4-pin surface should error")
	}
	if err := s.Set(0, Green); err == nil {
		t.Error("Set(0) should error, pins are 1-based")
	}
}

func TestStripSurfaceClear(t *testing.T) {
	a := NewMemoryStrip(3)
	s := NewStripSurface([]Strip{a}, 3)
	defer s.Close()

	for pin := 1; pin <= 3; pin++ {
		if err := s.Set(pin, Green); err != nil {
			t.Fatalf("Set(%d): %v", pin, err)
		}
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	testutil.Eventually(t, time.Second, func() bool {
		return a.Shows() >= 1
	}, "Clear should flush")

	for i, c := range a.Pixels() {
		if c != Off {
			t.Errorf("pixel %d = %v, want off", i, c)
		}
	}
}

func TestStripSurfaceShowFailureDoesNotAbort(t *testing.T) {
	a := NewMemoryStrip(2)
	b := NewMemoryStrip(2)
	a.ShowError = errors.New("dma underrun")
	s := NewStripSurface([]Strip{a, b}, 2)
	defer s.Close()

	if err := s.Set(1, Green); err != nil {
		t.Fatalf("Set(1): %v", err)
	}
	if err := s.Set(3, Green); err != nil {
		t.Fatalf("Set(3): %v", err)
	}
	s.Flush()

	testutil.Eventually(t, time.Second, func() bool {
		return b.Shows() >= 1
	}, "healthy strip should still be shown when a sibling fails")
}

func TestStripSurfaceCloseIdempotent(t *testing.T) {
	s := NewStripSurface([]Strip{NewMemoryStrip(2)}, 2)
	s.Close()
	s.Close()
}
