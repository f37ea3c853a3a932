// Package services defines the business logic for the batch lifecycle and
// message ingestion. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Batch lifecycle errors.
var (
	// ErrConflict is returned when a user already has an open batch.
	ErrConflict = errors.New("batch already open")

	// ErrInvalidState is returned when commit, rollback, attach, or a title
	// change targets a batch that is not open.
	ErrInvalidState = errors.New("batch is not open")

	// ErrBatchNotFound indicates that the requested batch does not exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrNoOpenBatch is returned by the per-user helpers when the user has
	// no open batch.
	ErrNoOpenBatch = errors.New("no open batch")

	// ErrUserNotFound indicates that the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// Resource errors.
var (
	// ErrDuplicateResource is returned when the same source item has
	// already been recorded.
	ErrDuplicateResource = errors.New("resource already recorded")

	// ErrEmptyContent is returned for a resource without content.
	ErrEmptyContent = errors.New("resource content is empty")

	// ErrInvalidKind is returned for an unknown resource kind.
	ErrInvalidKind = errors.New("unknown resource kind")
)
