package client

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays as min(Base*2^attempt, Max) plus up to
// Jitter of random extra delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff is used when StreamConfig leaves Backoff zero.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: time.Second}

// Delay returns the wait before attempt (zero based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}

	if d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		d += rand.N(b.Jitter) //nolint:gosec // jitter needs no cryptographic randomness
	}

	return d
}
