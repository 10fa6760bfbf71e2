package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Workflow error codes
const (
	ErrValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCycleDetected      ErrorCode = "CYCLE_DETECTED"
	ErrDependencyNotFound ErrorCode = "DEPENDENCY_NOT_FOUND"
	ErrWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
)

// Execution error codes
const (
	ErrBackend            ErrorCode = "BACKEND_ERROR"
	ErrBackendTimeout     ErrorCode = "BACKEND_TIMEOUT"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrBackendRejected    ErrorCode = "BACKEND_REJECTED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrUnsupportedType    ErrorCode = "UNSUPPORTED_TYPE"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Backend    string        `json:"backend,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// Retryable defaults to what the code implies; override with WithRetryable.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.DefaultRetryable()}
}

// Errorf is NewError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records a server-provided retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithBackend sets the backend name.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// DefaultRetryable reports whether errors of this code are transient.
func (c ErrorCode) DefaultRetryable() bool {
	switch c {
	case ErrBackend, ErrBackendTimeout, ErrBackendUnavailable, ErrRateLimited:
		return true
	default:
		return false
	}
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// Classify returns the code of err, mapping untyped errors onto the
// execution taxonomy. Untyped errors count as backend errors.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if code := GetErrorCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrBackendTimeout
	default:
		return ErrBackend
	}
}
