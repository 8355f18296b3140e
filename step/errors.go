package step

import (
	"errors"
	"fmt"
	"time"
)

// FatalError marks a step failure that must not be retried.
type FatalError struct {
	Err error
}

// Fatal wraps err so the step fails without further attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// RetryableError asks for the next attempt after RetryAfter instead of the
// backoff delay.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

// RetryAfter wraps err so the next attempt waits d.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, RetryAfter: d}
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
