package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at the HTTP boundary.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "ConfigurationError"
	KindValidation    ErrorKind = "ValidationError"
	KindUnauthorized  ErrorKind = "UnauthorizedError"
	KindProvider      ErrorKind = "ProviderError"
	KindNotFound      ErrorKind = "NotFoundError"
	KindPersistence   ErrorKind = "PersistenceError"
	KindInternal      ErrorKind = "InternalError"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNoResponseGenerated = errors.New("NoResponseGenerated")
	ErrInvalidBriefFormat  = errors.New("InvalidBriefFormat")
	ErrSessionLimit        = errors.New("active session limit reached")
)

// Error carries a kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err yields nil.
func E(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost kinded error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}
