package fetch

import (
	"context"
	"time"
)

// RetryPolicy is a fixed retry budget with capped exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	// Retryable decides whether a failed attempt is re-issued. Nil retries
	// every failure except cancellation.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}
}

// Backoff returns the delay before retry n (1-based): Base * 2^(n-1), capped at Max.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func (p RetryPolicy) shouldRetry(err error, retriesDone int) bool {
	if retriesDone >= p.MaxRetries || KindOf(err) == KindCancelled {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// RetryServerErrorsOnly retries network failures and 5xx/429 responses but
// not 4xx, exception reports or decode errors.
func RetryServerErrorsOnly(err error) bool {
	switch KindOf(err) {
	case KindNetwork:
		return true
	case KindServer:
		s := statusOf(err)
		return s >= 500 || s == 429
	default:
		return false
	}
}

// sleep waits d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
