package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}

	for attempt := 1; attempt <= 10; attempt++ {
		uncapped := time.Second << attempt
		expected := uncapped
		if expected > 30*time.Second {
			expected = 30 * time.Second
		}
		lo := time.Duration(float64(expected) * 0.9)
		hi := time.Duration(float64(expected) * 1.1)

		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestBackoffFirstAttemptWindow(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestBackoffJitterSpread(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 50; i++ {
		seen[b.Delay(3)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter produces varying delays")
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 3}
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	unlimited := Backoff{Base: time.Second, Max: 30 * time.Second}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestBackoffDeterministicJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, jitter: func() float64 { return 0 }}
	assert.Equal(t, 1800*time.Millisecond, b.Delay(1))

	b.jitter = func() float64 { return 1 }
	assert.Equal(t, 2200*time.Millisecond, b.Delay(1))
}
