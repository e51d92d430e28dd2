// Package errors defines the closed set of error kinds the copilot core
// can produce and the AppError type that carries one. The Orchestrator
// type-switches on *AppError to pick a user-visible Warning code; it
// never serializes Cause into a response, so a stack trace or SQL
// statement can never reach a caller.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of internal error kinds (spec §7).
type ErrorKind string

const (
	ErrorTypeRateLimited       ErrorKind = "rate_limited"
	ErrorTypeModelOffline      ErrorKind = "model_offline"
	ErrorTypeModelTransient    ErrorKind = "model_transient"
	ErrorTypeValidationFailed  ErrorKind = "validation_failed"
	ErrorTypeSecurityFlag      ErrorKind = "security_flag"
	ErrorTypeRetrievalDegraded ErrorKind = "retrieval_degraded"
	ErrorTypePersistenceFailed ErrorKind = "persistence_failed"
	ErrorTypeBadRequest        ErrorKind = "bad_request"

	// Kept for symmetry with the teacher's vocabulary; used by
	// sub-components that don't map 1:1 onto this closed set.
	ErrorTypeValidation ErrorKind = "validation"
	ErrorTypeAuth       ErrorKind = "auth"
	ErrorTypeNotFound   ErrorKind = "not_found"
	ErrorTypeConflict   ErrorKind = "conflict"
	ErrorTypeTimeout    ErrorKind = "timeout"
	ErrorTypeRateLimit  ErrorKind = "rate_limit"
	ErrorTypeDatabase   ErrorKind = "database"
	ErrorTypeNetwork    ErrorKind = "network"
	ErrorTypeInternal   ErrorKind = "internal"
)

var statusByType = map[ErrorKind]int{
	ErrorTypeRateLimited:       http.StatusTooManyRequests,
	ErrorTypeModelOffline:      http.StatusServiceUnavailable,
	ErrorTypeModelTransient:    http.StatusServiceUnavailable,
	ErrorTypeValidationFailed:  http.StatusUnprocessableEntity,
	ErrorTypeSecurityFlag:      http.StatusForbidden,
	ErrorTypeRetrievalDegraded: http.StatusOK,
	ErrorTypePersistenceFailed: http.StatusOK,
	ErrorTypeBadRequest:        http.StatusBadRequest,

	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// AppError is a structured error carrying a closed-set Type, a
// human-readable Message, optional Details, and an optional wrapped
// Cause. Every error the core surfaces to a caller is one of these.
type AppError struct {
	Type       ErrorKind
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

// New creates an AppError of the given type.
func New(t ErrorKind, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusByType[t]}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorKind, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError of the given type wrapping cause.
func Wrap(cause error, t ErrorKind, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf creates an AppError wrapping cause with a formatted message.
func Wrapf(cause error, t ErrorKind, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails sets Details in place and returns the same error.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets a formatted Details in place and returns the same error.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error { return e.Cause }

// NewValidationError is a predefined constructor for validation failures.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewDatabaseError wraps a database operation failure.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// NewNotFoundError is a predefined constructor for missing entities.
func NewNotFoundError(entity string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", entity)
}

// As extracts an *AppError from err if present.
func As(err error) (*AppError, bool) {
	ae, ok := err.(*AppError)
	return ae, ok
}
