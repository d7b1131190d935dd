package memory

import (
	"errors"
	"fmt"
)

// insufficientMemoryError reports that pressure handling could not free
// enough footprint for a requirement.
type insufficientMemoryError struct {
	requiredBytes int64
	usedBytes     int64
	allowedBytes  int64
}

func (e insufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory: need %d bytes, %d used of %d allowed",
		e.requiredBytes, e.usedBytes, e.allowedBytes)
}

// ErrInsufficientMemory constructs an insufficient-memory failure for
// callers that detect exhaustion before asking for eviction.
func ErrInsufficientMemory(required, used, allowed int64) error {
	return insufficientMemoryError{requiredBytes: required, usedBytes: used, allowedBytes: allowed}
}

// IsInsufficientMemory reports whether err indicates exhausted memory.
func IsInsufficientMemory(err error) bool {
	var e insufficientMemoryError
	return errors.As(err, &e)
}
