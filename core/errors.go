package core

import "errors"

var (
	// ErrInvalidEvent is returned when an event fails canonical envelope validation.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrFieldMissing is returned when a typed field lookup finds no value.
	ErrFieldMissing = errors.New("field missing")

	// ErrFieldMalformed is returned when a field value cannot be converted to the requested type.
	ErrFieldMalformed = errors.New("field malformed")

	// ErrInvalidTransition is returned when an anomaly status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")
)
