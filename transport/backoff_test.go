package transport

import (
	"testing"
	"time"
)

func TestBackoffLadder(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // clamped
		30 * time.Second, // stays clamped
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("step %d: got %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2)
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	if b.Initial != time.Second || b.Max != 30*time.Second || b.Multiplier != 2 {
		t.Errorf("defaults = %v/%v/%v", b.Initial, b.Max, b.Multiplier)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := Jitter(d, 0.3)
		if got < 7*time.Second || got > 13*time.Second {
			t.Fatalf("jitter out of bounds: %v", got)
		}
	}
	if got := Jitter(d, 0); got != d {
		t.Errorf("zero factor should be identity, got %v", got)
	}
}
