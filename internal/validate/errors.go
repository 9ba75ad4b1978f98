// Package validate holds the engine boundary's structured errors and the
// field validators applied to every submit request before a task row is
// created.
package validate

import "fmt"

// Code is a machine-readable error identifier.
type Code string

// Standard boundary error codes.
const (
	CodeValidation    Code = "VALIDATION"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeNotReady      Code = "NOT_READY"
	CodeTerminalState Code = "TERMINAL_STATE"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeInternal      Code = "INTERNAL"
)

// Error is a boundary error with a code, message, optional details map,
// and optional wrapped error.
type Error struct {
	code       Code
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the machine-readable error code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns the optional details map.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// WithDetail adds a single key/value to the error details.
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

// Constructors.

// BadRequest creates a validation error.
func BadRequest(msg string) *Error {
	return &Error{code: CodeValidation, message: msg}
}

// Unauthorized creates an authorization error.
func Unauthorized(msg string) *Error {
	return &Error{code: CodeUnauthorized, message: msg}
}

// NotFound creates a not-found error.
func NotFound(resource string) *Error {
	return &Error{code: CodeNotFound, message: resource + " not found"}
}

// NotReady reports that a task has no result artifact yet.
func NotReady(msg string) *Error {
	return &Error{code: CodeNotReady, message: msg}
}

// TerminalState reports an operation against a task that already reached
// a terminal state.
func TerminalState(msg string) *Error {
	return &Error{code: CodeTerminalState, message: msg}
}

// RateLimited reports that the caller exceeded an admission limit.
func RateLimited(msg string) *Error {
	return &Error{code: CodeRateLimited, message: msg}
}

// Internal creates an internal error; full detail belongs in server logs,
// not in the message.
func Internal(msg string) *Error {
	return &Error{code: CodeInternal, message: msg}
}
