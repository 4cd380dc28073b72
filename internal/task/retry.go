package task

import (
	"time"

	"github.com/inkloom/inkloom-api/internal/events"
)

// RetryPolicy decides, centrally, whether a failed attempt is retried or
// dead-lettered, and how long to wait before the next attempt. The policy
// lives in the state aggregator so it is consistent across all task types.
type RetryPolicy struct {
	// MaxRetries bounds the number of retry attempts. A task whose every
	// attempt fails with a retryable error reaches dead_letter after
	// exactly MaxRetries retries.
	MaxRetries int

	// BaseDelay is the backoff for the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with reasonable defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// ShouldRetry reports whether a failure with the given error info and
// prior retry count earns another attempt.
func (p RetryPolicy) ShouldRetry(errInfo *events.ErrorInfo, retryCount int) bool {
	if errInfo == nil || !errInfo.Retryable() {
		return false
	}
	return retryCount < p.MaxRetries
}

// Delay computes the capped exponential backoff for the given retry count:
// BaseDelay * 2^retryCount, capped at MaxDelay.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
