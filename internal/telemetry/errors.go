package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError reports the first field of a raw reading that failed
// validation. It is never retried.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// WriteError is the only error a writer returns. Retryable errors may be
// retried from validation; the rest are permanent.
type WriteError struct {
	Retryable bool
	Op        string
	Err       error
}

func (e *WriteError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Op == "" {
		return fmt.Sprintf("%s write failure: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s write failure in %s: %v", kind, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a retryable WriteError.
func Retryable(op string, err error) error {
	return &WriteError{Retryable: true, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable WriteError.
func Permanent(op string, err error) error {
	return &WriteError{Retryable: false, Op: op, Err: err}
}

// IsRetryable reports whether err is a retryable WriteError.
func IsRetryable(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Retryable
	}
	return false
}

// AsValidation returns the ValidationError wrapped in err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsTimeout reports whether err came from a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
