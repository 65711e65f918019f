package infra

import (
	"time"
)

const (
	// Standard backoff constants
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// Backoff is an exponential delay policy: Base * 2^n, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used for websocket reconnects.
var DefaultBackoff = Backoff{Base: baseDelay, Max: maxDelay}

// Delay returns the backoff for the n-th retry (0-based).
// Negative n returns Base.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		return b.Base
	}

	// 2^30 * any sane base already exceeds any sane cap
	if n > 30 {
		return b.Max
	}

	d := b.Base * time.Duration(1<<n)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// CalculateBackoff returns the exponential backoff duration for a given retry count.
// Logic: baseDelay * 2^retryCount, capped at maxDelay.
func CalculateBackoff(retryCount int) time.Duration {
	return DefaultBackoff.Delay(retryCount)
}
