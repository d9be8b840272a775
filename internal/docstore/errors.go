package docstore

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("docstore: store closed")

var errReadAfterWrite = errors.New("docstore: transaction reads must precede writes")

// NotFoundError reports a point read that yielded no document.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.Path)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// WriteConflictError reports a failed increment or edge write. Optimistic state
// applied for the write must be rolled back by the caller.
type WriteConflictError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// TransientError marks a failure the caller may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary lets retry classification recognise the error.
func (e *TransientError) Temporary() bool { return true }
