// Package errors provides structured error handling with HTTP status and
// WebSocket close-code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeUnauthorized indicates a failed or missing credential (HTTP 401,
	// close code 1008 policy violation)
	TypeUnauthorized ErrorType = "unauthorized"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeInternal indicates server-side error (HTTP 500, close code 1011)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeUnauthorized:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode returns the WebSocket close code used when this error ends a
// live connection: 1008 (policy violation) for credential failures, 1011
// (internal server error) otherwise.
func (e *Error) CloseCode() int {
	switch e.Type {
	case TypeUnauthorized:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return &Error{
		Type:    TypeValidation,
		Message: message,
		Context: make(map[string]any),
	}
}

// UnauthorizedError creates a new unauthorized error (HTTP 401 / close 1008).
func UnauthorizedError(message string) *Error {
	return &Error{
		Type:    TypeUnauthorized,
		Message: message,
		Context: make(map[string]any),
	}
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return &Error{
		Type:    TypeNotFound,
		Message: message,
		Context: make(map[string]any),
	}
}

// InternalError creates a new internal error (HTTP 500 / close 1011).
func InternalError(message string) *Error {
	return &Error{
		Type:    TypeInternal,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithCause attaches an underlying cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithContext attaches a key/value pair to the error's context.
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// ToResponse converts the error to a JSON-serializable response body. The
// cause is never exposed to clients.
func (e *Error) ToResponse() map[string]any {
	resp := map[string]any{
		"error": map[string]any{
			"type":    string(e.Type),
			"message": e.Message,
		},
	}
	return resp
}

// AsStructuredError converts any error to a structured *Error. Plain errors
// become internal errors with the original as cause.
func AsStructuredError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError("internal server error").WithCause(err)
}

// TypeOf extracts the ErrorType from err, returning TypeInternal for plain
// errors.
func TypeOf(err error) ErrorType {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeInternal
}
