package channel

import "time"

const (
	DefaultBackoffBase        = time.Second
	DefaultBackoffMax         = 30 * time.Second
	DefaultBackoffMaxAttempts = 10
)

// Backoff is the reconnect policy: Base doubled per attempt, capped at Max,
// for at most MaxAttempts retries. MaxAttempts <= 0 retries forever.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns 1s → 2s → 4s … capped at 30s, 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        DefaultBackoffBase,
		Max:         DefaultBackoffMax,
		MaxAttempts: DefaultBackoffMaxAttempts,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	if d <= 0 {
		d = DefaultBackoffBase
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether retry number attempt exceeds the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
