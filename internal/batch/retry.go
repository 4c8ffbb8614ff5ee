package batch

import (
	"time"
)

// Retry defaults
const (
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 2 * time.Second
)

// maxBackoffShift keeps base<<shift from overflowing.
const maxBackoffShift = 30

// RetryPolicy decides whether a failed item attempt is retried.
// Every error is retried until MaxAttempts is reached. Job cancellation is
// observed by the caller from the job context, not from the error.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each later retry doubles it.
	BaseDelay time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 2s and 4s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultRetryBaseDelay}
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	// Retry is true when the item should be attempted again after Delay.
	Retry bool
	Delay time.Duration
	// Reason explains a terminal decision.
	Reason string
}

// Decide returns either a retry-after decision or a terminal one for the
// failure of attempt (1-based). The error type does not matter.
func (p RetryPolicy) Decide(attempt int, err error) Decision {
	if attempt >= p.maxAttempts() {
		return Decision{Reason: "retry budget exhausted"}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff returns the wait before retry number k (k >= 1): BaseDelay * 2^(k-1).
func (p RetryPolicy) Backoff(k int) time.Duration {
	if k < 1 {
		return 0
	}
	shift := k - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return p.BaseDelay << shift
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
