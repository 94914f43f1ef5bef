// Package apierr defines the error taxonomy shared by store, queue, upstream,
// router, and the HTTP API, so every package surfaces the same kinds rather
// than ad hoc wrapped errors.
package apierr

import "fmt"

// Kind is one of the surfaced error kinds from the error handling design.
type Kind string

const (
	Validation   Kind = "ValidationError"
	Conflict     Kind = "Conflict"
	NotFound     Kind = "NotFound"
	Unauthorized Kind = "Unauthorized"
	RateLimited  Kind = "RateLimited"
	Transient    Kind = "Transient"
	Unavailable  Kind = "Unavailable"
	StateError   Kind = "StateError"
	Unrecoverable Kind = "Unrecoverable"
)

// Error carries a Kind plus a human-readable message; API responses surface
// both as error.code and error.message, never a stack trace.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func new_(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func New(kind Kind, format string, args ...any) *Error          { return new_(kind, format, args...) }
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := new_(kind, format, args...)
	e.cause = cause
	return e
}

func NewValidation(format string, args ...any) *Error    { return new_(Validation, format, args...) }
func NewConflict(format string, args ...any) *Error       { return new_(Conflict, format, args...) }
func NewNotFound(format string, args ...any) *Error       { return new_(NotFound, format, args...) }
func NewUnauthorized(format string, args ...any) *Error    { return new_(Unauthorized, format, args...) }
func NewStateError(format string, args ...any) *Error      { return new_(StateError, format, args...) }
func NewUnrecoverable(format string, args ...any) *Error   { return new_(Unrecoverable, format, args...) }

func NewRateLimited(retryAfter int, format string, args ...any) *Error {
	e := new_(RateLimited, format, args...)
	e.RetryAfter = retryAfter
	return e
}

func NewUnavailable(cause error, format string, args ...any) *Error {
	return Wrap(Unavailable, cause, format, args...)
}

func NewTransient(cause error, format string, args ...any) *Error {
	return Wrap(Transient, cause, format, args...)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
