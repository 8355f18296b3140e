package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/durable/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.Constant{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_GrowsByFactor(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: time.Hour, Factor: 3}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 3 * time.Second},
		{3, 9 * time.Second},
		{4, 27 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_DefaultsFactorToTwo(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second}
	if got := e.Delay(4); got != 8*time.Second {
		t.Errorf("Delay(4) = %v, want 8s", got)
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second}
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want 10s", got)
	}
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: time.Minute, Jitter: 0.5}

	seen := make(map[time.Duration]bool)
	for range 200 {
		d := e.Delay(3)
		if d < 2*time.Second || d > 4*time.Second {
			t.Fatalf("Delay(3) = %v, want within [2s, 4s]", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got %d distinct values", len(seen))
	}
}

func TestFunc(t *testing.T) {
	s := backoff.Func(func(n int) time.Duration { return time.Duration(n) * time.Minute })
	if got := s.Delay(2); got != 2*time.Minute {
		t.Errorf("Delay(2) = %v, want 2m", got)
	}
}

func TestSeconds_RoundsUp(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{-time.Second, 0},
		{0, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{5 * time.Minute, 300},
	}
	for _, tt := range tests {
		if got := backoff.Seconds(tt.in); got != tt.want {
			t.Errorf("Seconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	d := s.Delay(1)
	if d <= 0 || d > time.Second {
		t.Errorf("DefaultStrategy().Delay(1) = %v, want (0, 1s]", d)
	}
	if got := s.Delay(100); got > time.Hour {
		t.Errorf("DefaultStrategy().Delay(100) = %v, want <= 1h", got)
	}
}
