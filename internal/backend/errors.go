package backend

import (
	"errors"
	"fmt"

	"orchestd/pkg/types"
)

// noCompatibleBackendError reports that no registered descriptor can serve
// a model. Structural: never retried.
type noCompatibleBackendError struct {
	modelID string
	format  types.Format
}

func (e noCompatibleBackendError) Error() string {
	return fmt.Sprintf("no compatible backend for model %s (format %q)", e.modelID, e.format)
}

// ErrNoCompatibleBackend constructs an empty-selection failure.
func ErrNoCompatibleBackend(modelID string, format types.Format) error {
	return noCompatibleBackendError{modelID: modelID, format: format}
}

// IsNoCompatibleBackend reports whether err indicates an empty selection.
func IsNoCompatibleBackend(err error) bool {
	_, ok := err.(noCompatibleBackendError)
	return ok
}

// initError reports a backend that failed to initialize a model.
type initError struct {
	tag     string
	modelID string
	err     error
}

func NewInitError(tag, modelID string, err error) error {
	return &initError{tag: tag, modelID: modelID, err: err}
}

func (e *initError) Error() string {
	return fmt.Sprintf("backend %s failed to initialize %s: %v", e.tag, e.modelID, e.err)
}

func (e *initError) Unwrap() error { return e.err }

// IsInitFailed reports whether err is a backend initialization failure.
func IsInitFailed(err error) bool {
	var ie *initError
	return errors.As(err, &ie)
}

// FailedTag extracts the backend tag from an init failure, for recovery's
// alternate-backend search.
func FailedTag(err error) string {
	var ie *initError
	if errors.As(err, &ie) {
		return ie.tag
	}
	return ""
}

// dependencyUnavailableError signals a missing runtime dependency (e.g. a
// build without CGO support) so callers can map it to 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed
// runtime dependency.
func IsDependencyUnavailable(err error) bool {
	_, ok := err.(dependencyUnavailableError)
	return ok
}
