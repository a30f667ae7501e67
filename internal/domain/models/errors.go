package models

import "errors"

var (
	// ErrInvalidTimestamp marks a malformed or non-finite timestamp rejected
	// at the boundary.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrValidation marks a tick missing required fields.
	ErrValidation = errors.New("tick validation failed")

	// ErrStoreWrite marks a recoverable store write failure; the buffer
	// retries with bounded requeue.
	ErrStoreWrite = errors.New("store write failed")

	// ErrStoreRead marks a store read failure; propagated to query callers.
	ErrStoreRead = errors.New("store read failed")
)
