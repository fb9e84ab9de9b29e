// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is an exponential backoff schedule.
type Policy struct {
	Attempts int           // total tries; values below 1 mean one try
	Backoff  time.Duration // wait before the second try, doubled after each
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// OnRetry is called before each wait with the attempt that just failed.
type OnRetry func(attempt int, wait time.Duration, err error)

// Do calls fn until it succeeds, returns a Permanent error, runs out of
// attempts or ctx is done.
func Do(ctx context.Context, p Policy, onRetry OnRetry, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	wait := p.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		select {
		case <-time.After(wait):
			wait *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
