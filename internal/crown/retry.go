package crown

import (
	"errors"
	"time"
)

// RetryPolicy retries an operation with bounded exponential backoff. It wraps
// the persistence writes around arbitration, never the judge call itself:
// a transient store error must not buy a second external judgment.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Backoff returns the delay before retry n (zero-based).
	Backoff func(retry int) time.Duration
	// Sleep is the sleeper, replaceable in tests.
	Sleep func(time.Duration)
}

// DefaultRetryPolicy returns the standard policy: 3 retries at
// 100ms, 200ms, 400ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff: func(retry int) time.Duration {
			return 100 * time.Millisecond << uint(retry)
		},
		Sleep: time.Sleep,
	}
}

// PermanentError marks an error that retrying cannot heal; Do returns the
// wrapped error immediately without spending the backoff budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do runs fn, retrying on error until the budget is exhausted, then returns
// the last error. A PermanentError stops the loop at once.
func (p RetryPolicy) Do(fn func() error) error {
	err := fn()
	for retry := 0; err != nil && retry < p.MaxRetries; retry++ {
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		p.Sleep(p.Backoff(retry))
		err = fn()
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
