// Package store defines the sentinel errors shared by every persistence
// backend so services can branch on failure cause without knowing whether
// they run against Postgres or the in-memory stores.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate indicates a uniqueness constraint rejected the write.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrConflict indicates an optimistic-concurrency version check failed.
	// Callers retry once; a second conflict surfaces as-is.
	ErrConflict = errors.New("store: version conflict")

	// ErrInvalidTransition indicates an illegal state-machine move.
	ErrInvalidTransition = errors.New("store: invalid transition")
)

// DuplicateError wraps ErrDuplicate with the id of the existing row so
// idempotent callers can return it.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("store: duplicate (existing id %s)", e.ExistingID)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// ExistingID extracts the surviving row id from a duplicate error, if any.
func ExistingID(err error) (string, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.ExistingID, true
	}
	return "", false
}
