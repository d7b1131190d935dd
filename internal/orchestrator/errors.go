package orchestrator

import "fmt"

// tooBusyError maps to HTTP 429: the model's generation queue is full or the
// wait deadline expired.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string {
	return fmt.Sprintf("model %s is too busy (queue full or wait timeout)", e.modelID)
}

// IsTooBusy reports whether err indicates queue saturation.
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}

// modelNotFoundError maps to HTTP 404.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: %s", e.id)
}

// ErrModelNotFound constructs a not-found error for model id.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates an unknown model id.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}

// drainingError rejects work against a model that is being unloaded.
type drainingError struct{ modelID string }

func (e drainingError) Error() string {
	return fmt.Sprintf("model %s is draining", e.modelID)
}

// IsDraining reports whether err indicates an unload in progress.
func IsDraining(err error) bool {
	_, ok := err.(drainingError)
	return ok
}
