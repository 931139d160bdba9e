package services

import "errors"

// Service-level error taxonomy. Handlers translate these to HTTP statuses;
// anything else is treated as transient and safe to retry, since every
// mutation either fully commits or fully fails.
var (
	// ErrNotFound means a referenced session, agent or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the operation lost a race, e.g. a takeover on a
	// session another agent already claimed. Expected, not a fault.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState means the session's status forbids the operation,
	// e.g. mutating a closed session.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput means a malformed argument: empty category, negative
	// token counts, non-positive cost amount.
	ErrInvalidInput = errors.New("invalid input")
)
