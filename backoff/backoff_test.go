package backoff

import (
	"testing"
	"time"
)

func TestExp(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{0, 1 * time.Second},  // clamped to attempt 1
		{-5, 1 * time.Second}, // clamped to attempt 1
		{10, 60 * time.Second}, // capped at max
	}

	for _, tt := range tests {
		got := Exp(tt.attempt, 1*time.Second, 60*time.Second)
		if got != tt.want {
			t.Errorf("Exp(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExpOverflowCapped(t *testing.T) {
	// Huge attempt counts must not overflow past the cap.
	got := Exp(200, 1*time.Second, 5*time.Minute)
	if got != 5*time.Minute {
		t.Errorf("Exp(200) = %v, want cap %v", got, 5*time.Minute)
	}
}

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(1*time.Second, 10*time.Second)
	if got := e.Delay(3); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want 4s", got)
	}
	if got := e.Delay(8); got != 10*time.Second {
		t.Errorf("Delay(8) = %v, want cap 10s", got)
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	e := NewExponentialWithJitter(1*time.Second, 1*time.Minute)
	for range 100 {
		d := e.Delay(4)
		if d < 0 || d > 8*time.Second {
			t.Fatalf("jittered delay %v outside [0, 8s]", d)
		}
	}
}
