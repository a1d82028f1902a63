package utils

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds a retry sequence: at most MaxAttempts calls with a fixed
// Delay between consecutive attempts.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// ErrRetryExhausted wraps the last attempt error once MaxAttempts is reached.
type ErrRetryExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrRetryExhausted) Unwrap() error {
	return e.Last
}

// Retry calls fn until it returns nil, the policy is exhausted or ctx is done.
// attempt is 1-based. The delay is not applied after the final attempt.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return &ErrRetryExhausted{Attempts: attempt - 1, Last: lastErr}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ErrRetryExhausted{Attempts: attempt, Last: lastErr}
		case <-timer.C:
		}
	}
	return &ErrRetryExhausted{Attempts: maxAttempts, Last: lastErr}
}
