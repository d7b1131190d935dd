package download

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a download failure for retry policy.
type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindPartial Kind = "partial"
	// KindRejected covers HTTP 4xx responses; never retried.
	KindRejected Kind = "rejected"
)

// Error is a categorized download failure.
type Error struct {
	Kind    Kind
	ModelID string
	URL     string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("download %s (%s): %s: %v", e.ModelID, e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a download failure worth retrying.
func IsTransient(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Kind {
	case KindNetwork, KindTimeout, KindPartial:
		return true
	}
	return false
}

// AsDownloadError extracts the categorized error, if any.
func AsDownloadError(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}

// classify maps a transport error onto a Kind.
func classify(err error) Kind {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// insufficientStorageError reports missing disk space before transfer.
type insufficientStorageError struct {
	need int64
	have int64
}

func (e insufficientStorageError) Error() string {
	return fmt.Sprintf("insufficient storage: need %d bytes, have %d", e.need, e.have)
}

// ErrInsufficientStorage constructs a storage-space failure.
func ErrInsufficientStorage(need, have int64) error {
	return insufficientStorageError{need: need, have: have}
}

// IsInsufficientStorage reports whether err is a storage-space failure.
func IsInsufficientStorage(err error) bool {
	var e insufficientStorageError
	return errors.As(err, &e)
}
