package task

import "errors"

// Sentinel errors, checked with errors.Is by callers per the Logical/
// Validation error taxonomy of spec.md §7.
var (
	ErrInvalidTask        = errors.New("invalid task")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotFound           = errors.New("task not found")
	ErrAlreadyExists      = errors.New("task already exists")
	ErrConflict           = errors.New("task state changed concurrently")
	ErrCyclicDependency   = errors.New("cyclic prerequisite dependency")
	ErrQueueFull          = errors.New("queue soft cap exceeded")
	ErrCannotCancel       = errors.New("task cannot be cancelled in its current status")
)
