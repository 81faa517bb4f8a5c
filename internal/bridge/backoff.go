package bridge

import (
	"math"
	"time"
)

// Backoff computes reconnect delays:
//
//	delay = min(Base * Factor^min(attempt, Cap), Max)
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    int
	Max    time.Duration
}

// DefaultBackoff returns the 1s * 1.5^n policy capped at five steps and 5s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Factor: 1.5,
		Cap:    5,
		Max:    5 * time.Second,
	}
}

// Delay returns the wait before the reconnect that follows the given number
// of consecutive failed attempts.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := attempt
	if exp > b.Cap {
		exp = b.Cap
	}
	d := time.Duration(float64(b.Base) * math.Pow(b.Factor, float64(exp)))
	if d > b.Max {
		d = b.Max
	}
	return d
}
