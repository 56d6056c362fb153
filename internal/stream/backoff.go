// Package stream implements the client side of the subscription
// protocol: a websocket consumer that survives server restarts through
// jittered exponential reconnect backoff.
package stream

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays. The Nth automatic attempt (first
// attempt is N=1) waits Base*2^N scaled by ±10% jitter and capped at
// Max before jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// jitter overrides the random source in tests.
	jitter func() float64
}

// DefaultBackoff mirrors the historical client tuning.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before attempt N (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	j := b.jitter
	if j == nil {
		j = rand.Float64
	}
	// scale in [0.9, 1.1]
	scale := 0.9 + 0.2*j()
	return time.Duration(float64(d) * scale)
}

// Exhausted reports whether attempt N exceeds the configured limit.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
