package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyQuery      = errors.New("query is empty")
	ErrUnknownPersona  = errors.New("unknown persona")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
)

// ValidationError is bad input. It fails fast and is never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Err.Error()
	}
	return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// RetrievalError means every backend was exhausted. Recoverable through the
// fallback chain.
type RetrievalError struct {
	Kind    FailureKind
	Backend string
	Err     error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s (%s): %v", e.Kind, e.Backend, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or FailureUnknown.
func KindOf(err error) FailureKind {
	var r *RetrievalError
	if errors.As(err, &r) {
		return r.Kind
	}
	return FailureUnknown
}

// UnrecoverableError wraps a panic or unexpected failure caught at the
// outermost layer. It is converted to a low-confidence message, never shown raw.
type UnrecoverableError struct {
	Op    string
	Cause any
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("unrecoverable in %s: %v", e.Op, e.Cause)
}

func (e *UnrecoverableError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}
