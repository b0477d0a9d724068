// Package backoff computes retry delays: exponential growth from a base,
// capped, with full jitter so synchronised peers do not retry in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay randomised in both directions
}

// Default returns the transport core schedule: base 2 s, cap 5 min, ±25%.
func Default() Policy {
	return Policy{
		Base:   2 * time.Second,
		Cap:    5 * time.Minute,
		Jitter: 0.25,
	}
}

// Delay returns the delay before the given retry attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		// Full jitter in [-j, +j] of the nominal delay.
		f := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}
