package coordinator

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubled (by Multiplier) per attempt,
// capped at Max, then spread by ±Jitter so devices sharing a remote do not
// retry in lockstep.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction in [0, 1].
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff starts at one second and caps at five minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Minute, Multiplier: 2, Jitter: 0.2}
}

func (b *Backoff) setDefaults() {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
}

// Delay returns the wait before retry number attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base)
	for i := 1; i < attempt && delay < float64(b.Max); i++ {
		delay *= b.Multiplier
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 && b.Rand != nil {
		delay *= 1 - b.Jitter + 2*b.Jitter*b.Rand()
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}
