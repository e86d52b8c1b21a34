package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes. Never retried; surfaced immediately.
const (
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"
	ErrCycleDetected  ErrorCode = "CYCLE_DETECTED"
	ErrExprParse      ErrorCode = "EXPR_PARSE_ERROR"
)

// Lookup and state error codes.
const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrToolInactive      ErrorCode = "TOOL_INACTIVE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Execution error codes.
const (
	ErrBreakerOpen       ErrorCode = "BREAKER_OPEN"
	ErrRateLimit         ErrorCode = "RATE_LIMIT"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrBackend           ErrorCode = "BACKEND_ERROR"
	ErrNodeFailed        ErrorCode = "NODE_FAILED"
	ErrHumanInputTimeout ErrorCode = "HUMAN_INPUT_TIMEOUT"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error carries a code plus a human-readable message, an optional
// wrapped cause, and the retry decision the executor should make.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error from a code and a fixed message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds an Error with a Sprintf-style message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying error and returns the receiver
// so calls chain off the constructor.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable sets the retry decision and returns the receiver.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err, or any error it wraps, is an Error
// marked retryable. Plain errors are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode returns the code of err, or any Error it wraps.
// Plain errors yield the empty code.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
