// Package backoff computes redelivery and retry delays.
//
// Delays feed queue continuations, so they are ultimately expressed in
// whole seconds; Seconds rounds a duration up for that purpose. All
// strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Func adapts a function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential grows the delay by Factor each attempt, capped at Max.
// Jitter in [0,1] spreads each delay randomly downwards by up to that
// fraction so that retries of many runs do not align.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Delay returns Initial * Factor^(attempt-1), capped at Max and jittered.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor <= 1 {
		factor = 2
	}
	d := float64(e.Initial) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter > 0 {
		j := math.Min(e.Jitter, 1)
		d -= d * j * rand.Float64() //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// DefaultStrategy is used for message redelivery and step retries when
// nothing else is configured: exponential from 1s to 1h with 20% jitter.
func DefaultStrategy() Strategy {
	return Exponential{Initial: time.Second, Max: time.Hour, Factor: 2, Jitter: 0.2}
}

// Seconds rounds d up to whole seconds. Non-positive durations yield 0.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
