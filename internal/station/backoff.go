package station

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubled per attempt, capped at Cap,
// with ±Jitter fraction of randomness.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff returns 2s base, 60s cap, 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   2 * time.Second,
		Cap:    60 * time.Second,
		Jitter: 0.2,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt uint) time.Duration {
	if b.Base <= 0 {
		b.Base = 2 * time.Second
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if attempt == 0 {
		attempt = 1
	}

	d := b.Base
	for i := uint(1); i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}

	if b.Jitter > 0 && b.Jitter <= 1 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d += time.Duration((r()*2 - 1) * b.Jitter * float64(d))
	}
	if d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
