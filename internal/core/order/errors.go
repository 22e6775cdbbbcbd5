package order

import "errors"

// Domain sentinels. Storage and service layers wrap these with context; the
// API layer maps them to HTTP status codes with errors.Is.
var (
	// ErrNotFound indicates an unknown order.
	ErrNotFound = errors.New("order not found")

	// ErrConflict indicates a version mismatch, an already-locked escrow,
	// an already-released escrow, or a duplicate dispute.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrForbidden indicates the actor may not drive this transition.
	ErrForbidden = errors.New("actor not permitted")

	// ErrInvalidTransition indicates the state machine rejected the edge.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrValidation indicates malformed input: unknown enum values or
	// amounts out of bounds.
	ErrValidation = errors.New("validation failed")
)
