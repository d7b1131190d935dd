package validate

import (
	"errors"
	"fmt"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindCorruptedFile     Kind = "corrupted_file"
	KindMissingDependency Kind = "missing_dependency"
)

// Error is a categorized validation failure.
type Error struct {
	Kind    Kind
	ModelID string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("validate %s (%s): %s: %v", e.ModelID, e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsValidationError extracts the categorized error, if any.
func AsValidationError(err error) (*Error, bool) {
	var ve *Error
	ok := errors.As(err, &ve)
	return ve, ok
}

// IsValidation reports whether err is any validation failure.
func IsValidation(err error) bool {
	_, ok := AsValidationError(err)
	return ok
}
