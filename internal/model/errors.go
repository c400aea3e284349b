package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrExecutorUnreachable = errors.New("executor unreachable")
	ErrTimeoutExceeded     = errors.New("timeout exceeded")
)

// Error wraps errors with the operation and entity they concern.
type Error struct {
	Op  string // The operation that failed
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf returns an ErrValidation carrying a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound reports that the entity of the given kind does not exist.
func NotFound(op, kind, id string) error {
	return &Error{Op: op, ID: id, Err: fmt.Errorf("%s %w", kind, ErrNotFound)}
}

// Conflict reports a uniqueness or reference-integrity violation.
func Conflict(op, id, reason string) error {
	return &Error{Op: op, ID: id, Err: fmt.Errorf("%w: %s", ErrConflict, reason)}
}

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error refers to a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
