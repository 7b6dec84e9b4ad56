// Package apperr holds the sentinel errors shared across layers. Wrap them
// with fmt.Errorf("...: %w") and test with errors.Is.
package apperr

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write based on state another tab has since changed.
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
)
