package connection

import "time"

// Backoff computes capped exponential reconnect delays.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given attempt (0-based):
// min(Base * 2^attempt, Cap).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shifting past ~60 bits overflows; anything that large is over the cap
	// anyway.
	if attempt > 30 {
		return b.Cap
	}
	d := b.Base << uint(attempt)
	if d <= 0 || d > b.Cap {
		return b.Cap
	}
	return d
}
