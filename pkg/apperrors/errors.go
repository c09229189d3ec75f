// Package apperrors defines the error taxonomy shared by the consolidation core
// and its callers. Every error returned by a core operation carries one of the
// sentinel kinds below so callers can tell "fix your input" from "retry later"
// from "needs human resolution" with errors.Is.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPartialFailure    = errors.New("partial failure")
	ErrAuditWriteFailure = errors.New("audit write failure")
	ErrForbidden         = errors.New("forbidden")
)

// Error is a classified error. Kind is one of the sentinel errors above.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Validation reports malformed or missing caller input.
func Validation(op, format string, args ...any) error {
	return newError(ErrValidation, op, nil, format, args...)
}

// NotFound reports a missing (or already retired) entity.
func NotFound(op, format string, args ...any) error {
	return newError(ErrNotFound, op, nil, format, args...)
}

// Conflict reports a precondition that no longer holds at execution time.
func Conflict(op, format string, args ...any) error {
	return newError(ErrConflict, op, nil, format, args...)
}

// Forbidden reports an actor without the capability an operation requires.
func Forbidden(op, format string, args ...any) error {
	return newError(ErrForbidden, op, nil, format, args...)
}

// PartialFailure wraps an internal failure that forced a rollback.
func PartialFailure(op string, err error) error {
	return newError(ErrPartialFailure, op, err, "mutation rolled back")
}

// AuditWriteFailure wraps a change log persistence failure.
func AuditWriteFailure(op string, err error) error {
	return newError(ErrAuditWriteFailure, op, err, "change log entry could not be persisted")
}

// IsClassified reports whether err already carries one of the taxonomy kinds.
func IsClassified(err error) bool {
	_, ok := KindOf(err)
	return ok
}

// KindOf returns the taxonomy kind of err, if any.
func KindOf(err error) (error, bool) {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrForbidden, ErrPartialFailure, ErrAuditWriteFailure} {
		if errors.Is(err, kind) {
			return kind, true
		}
	}
	return nil, false
}
