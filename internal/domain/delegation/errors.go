package delegation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown patient, clinician, or delegation.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest indicates a malformed request such as a
	// self-delegation or an unrecognized delegation type.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConflict indicates an active delegation already exists for the
	// (patient, delegate) pair.
	ErrConflict = errors.New("active delegation already exists")

	// ErrInvalidStateTransition indicates a consent action attempted from a
	// terminal state.
	ErrInvalidStateTransition = errors.New("invalid consent state transition")

	// ErrPermissionDenied indicates the acting user is not authorized to
	// perform the requested mutation.
	ErrPermissionDenied = errors.New("permission denied")
)

// DependencyError wraps a failure from an external collaborator (directory,
// store, notification, audit). It is never auto-retried for mutations.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func depErr(op string, err error) error {
	return &DependencyError{Op: op, Err: err}
}
