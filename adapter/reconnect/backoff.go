// Package reconnect implements the connection lifecycle state machine with capped
// exponential backoff and terminal/transient failure classification.
package reconnect

import (
	"math/rand"
	"time"
)

// Backoff configures reconnect delays.
type Backoff struct {
	// Base is the delay before the first retry.
	// Default: 1s
	Base time.Duration

	// Max caps every delay.
	// Default: 30s
	Max time.Duration

	// MaxAttempts is the number of consecutive failed attempts tolerated before the
	// machine gives up. Zero or less means retry forever.
	// Default: 5
	MaxAttempts int

	// Jitter spreads delays by up to this fraction in either direction. Zero disables it.
	Jitter float64
}

// DefaultBackoff returns a backoff config with sensible defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 1 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns min(Base * 2^(attempt-1), Max). Attempts below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		if delay >= b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Exhausted reports whether attempt exceeds MaxAttempts.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

// jittered applies Jitter to d, never exceeding Max.
func (b Backoff) jittered(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	b = b.withDefaults()
	spread := float64(d) * b.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	d += time.Duration(spread)
	if d < 0 {
		d = 0
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
