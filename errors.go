package indexgo

import "errors"

var (
	// ErrNotFound is returned when a document is not found.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the index has been closed.
	ErrClosed = errors.New("index is closed")
)
