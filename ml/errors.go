package ml

import "errors"

var (
	// ErrInsufficientTrainingData is returned when a training batch is below
	// the minimum size. The active model is left in place.
	ErrInsufficientTrainingData = errors.New("insufficient training data")

	// ErrModelNotReady is the reason reported by Score before a model exists.
	ErrModelNotReady = errors.New("model not ready")

	// ErrNoSnapshot means no persisted model exists yet.
	ErrNoSnapshot = errors.New("no model snapshot")
)
