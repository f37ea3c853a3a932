package outbox

import (
	"context"
	"errors"
)

var (
	// ErrParentNotReady is returned when a resource belongs to a titled batch
	// whose parent document has not been created yet. It is retryable: the
	// batch task is ordered first and normally succeeds before the retry.
	ErrParentNotReady = errors.New("parent document not created yet")

	// ErrParentFailed is returned when a resource's titled batch will never
	// get its parent document because the batch task is no longer queued.
	ErrParentFailed = errors.New("parent document delivery failed")

	// ErrUnknownKind is returned for a task kind the worker cannot dispatch.
	ErrUnknownKind = errors.New("unknown outbox task kind")

	// ErrEmptyExternalID is returned when the client reports success without
	// an external id.
	ErrEmptyExternalID = errors.New("document client returned an empty id")

	// ErrDrainStalled is returned by Drain when a task exceeds the configured
	// failed-attempt threshold.
	ErrDrainStalled = errors.New("outbox drain stalled on failing tasks")
)

// RetryableError marks a delivery failure that should be rescheduled.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a delivery failure that will never succeed on retry.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsRetryable classifies a delivery error. Explicit FatalError wins; timeouts
// and everything unclassified are retried so that no unit of work is dropped
// on a transient fault.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrParentNotReady) {
		return true
	}
	return !errors.Is(err, ErrUnknownKind)
}
