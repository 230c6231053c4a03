package store

import "errors"

// Error taxonomy shared by the stores and the components built on them.
// Exhausted and Conflict are expected business outcomes, not faults; Busy is
// the only kind callers may retry without user involvement.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("already exists")
	ErrExhausted    = errors.New("required units already satisfied")
	ErrInvalidState = errors.New("operation not valid in current state")
	ErrInvariant    = errors.New("invariant violation")
	ErrBusy         = errors.New("busy, retry")
)
