package workflow

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy computes backoff delays and decides which errors are worth
// retrying. The delay for the n-th retry is BaseDelay × ExponentialBase^n,
// capped at MaxDelay, so delays are non-decreasing in the retry count.
type RetryPolicy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	NonRetryable    []error
}

// DefaultRetryPolicy mirrors the usual transient-failure posture: short
// first delay, doubling, capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Delay returns the backoff before the given retry attempt (0-based).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	base := p.ExponentialBase
	if base < 1 {
		base = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(base, float64(retryCount))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

// Retryable reports whether the error class is eligible for a retry.
func (p RetryPolicy) Retryable(err error) bool {
	for _, cls := range p.NonRetryable {
		if errors.Is(err, cls) {
			return false
		}
	}

	return true
}
