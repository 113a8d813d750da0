package domain

import (
	"errors"
	"fmt"
)

// ErrPrecondition is returned when an operation is rejected before touching any state.
var ErrPrecondition = errors.New("precondition failed")

// PreconditionError describes why an operation was rejected.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// Precondition builds a PreconditionError.
func Precondition(op, reason string) error {
	return &PreconditionError{Op: op, Reason: reason}
}
