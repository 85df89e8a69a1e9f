package storage

import "errors"

// Storage error constants
var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached
	// or its circuit breaker is open. It is the only retryable store error.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a record does not exist or has expired
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an optimistic update lost every retry
	ErrConflict = errors.New("concurrent modification")

	// ErrCorruptRecord is returned when a stored record cannot be decoded
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrInvalidRecord is returned when a record is rejected before writing
	ErrInvalidRecord = errors.New("invalid record")
)

// IsRetryable reports whether the caller may retry the operation that
// returned err. Only transient backing store failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
