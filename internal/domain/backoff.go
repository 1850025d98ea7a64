package domain

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays as min(Cap, Base*2^attempts). The same
// schedule is shared by stage retries and event redelivery.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

func NewBackoff(base, cap time.Duration) Backoff {
	return Backoff{Base: base, Cap: cap}
}

// Duration returns the delay before the next try after `attempts` failures.
// It is monotonically non-decreasing in attempts.
func (b Backoff) Duration(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}
