// Package errors defines structured error types for the object store.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
)

// Code classifies failures of the object store.
type Code string

const (
	// CodeValidation is returned when serialized data is malformed or out of
	// range, when a schema version is outside the supported range, or when a
	// merge reaches a field that forbids merging.
	CodeValidation Code = "VALIDATION"
	// CodeIO is returned when a file cannot be created, read or written.
	CodeIO Code = "IO"
	// CodeLock is returned when a lock token does not match or a lock wait
	// is exhausted.
	CodeLock Code = "LOCK"
	// CodeNotFound is returned when a key or file does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict is returned when inserting a key that already exists.
	CodeConflict Code = "CONFLICT"
	// CodeCorrupt is returned when the backing store is internally
	// inconsistent, e.g. a record whose key does not match its file name.
	CodeCorrupt Code = "CORRUPT"
	// CodeStopping is returned when a blocking call is abandoned because the
	// caller is shutting down.
	CodeStopping Code = "STOPPING"
)

// Sentinels usable with errors.Is. Any *Error with the same code matches.
var (
	ErrValidation = &Error{code: CodeValidation, message: "validation failed"}
	ErrIO         = &Error{code: CodeIO, message: "i/o failure"}
	ErrLock       = &Error{code: CodeLock, message: "lock failure"}
	ErrNotFound   = &Error{code: CodeNotFound, message: "not found"}
	ErrConflict   = &Error{code: CodeConflict, message: "conflict"}
	ErrCorrupt    = &Error{code: CodeCorrupt, message: "corrupt"}
	ErrStopping   = &Error{code: CodeStopping, message: "stopping"}
)

// Error is a concrete error type with code, message, optional details and an
// optional wrapped cause.
type Error struct {
	code       Code
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns a copy of the additional error details.
func (e *Error) Details() map[string]any {
	return maps.Clone(e.details)
}

// Detail returns a single detail value.
func (e *Error) Detail(key string) any {
	return e.details[key]
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error with the same code. This makes the
// package sentinels match any error of their class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return ""
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// IO creates an i/o error wrapping err.
func IO(message string, err error) *Error {
	return New(CodeIO, message).Wrap(err)
}

// NotFound creates a not found error for the named resource.
func NotFound(resource string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Conflict creates a conflict error for the named resource.
func Conflict(resource string) *Error {
	return New(CodeConflict, fmt.Sprintf("%s already exists", resource))
}

// Lock creates a lock error. holder names the competing lock holder, if known.
func Lock(message, holder string) *Error {
	e := New(CodeLock, message)
	if holder != "" {
		e.WithDetail("holder", holder)
	}
	return e
}

// Corrupt creates a corruption error.
func Corrupt(format string, args ...any) *Error {
	return New(CodeCorrupt, fmt.Sprintf(format, args...))
}

// Stopping creates an error reporting an abandoned blocking call.
func Stopping(err error) *Error {
	return New(CodeStopping, "operation abandoned").Wrap(err)
}
