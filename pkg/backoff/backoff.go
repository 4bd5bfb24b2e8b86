// Package backoff provides bounded exponential backoff with jitter, used by the
// browser pool's acquire wait loop and the batch webhook delivery retries.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule: base * 2^attempt, capped, with
// +/- jitter applied on top.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction in [0,1]; 0.2 means +/-20%
}

// Default matches spec: base 50ms, cap 2s.
func Default() Policy {
	return Policy{Base: 50 * time.Millisecond, Cap: 2 * time.Second, Jitter: 0.2}
}

// Delay returns the delay for the given zero-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter <= 0 {
		return d
	}
	delta := float64(d) * p.Jitter
	min := float64(d) - delta
	if min < 0 {
		min = 0
	}
	max := float64(d) + delta
	return time.Duration(min + rand.Float64()*(max-min))
}
