package negotiate

import "time"

const maxRetryDelay = 30 * time.Second

// RetryPolicy bounds link recovery: exponential backoff from Base, giving
// up after MaxAttempts and surfacing a terminal LinkFailed instead.
type RetryPolicy struct {
	Base        time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, MaxAttempts: 5}
}

// Delay returns the backoff before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// Exhausted reports whether the attempt count passed the bound.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
