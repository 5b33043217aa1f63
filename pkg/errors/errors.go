package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates a conflict with existing data
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeTransient indicates a retryable failure from an external
	// source (network, timeout, rate limit)
	ErrorTypeTransient ErrorType = "TRANSIENT"

	// ErrorTypePermanent indicates a non-retryable failure (bad subscriber
	// id, malformed request, repeated authentication failure)
	ErrorTypePermanent ErrorType = "PERMANENT"

	// ErrorTypeParse indicates a malformed eligibility payload
	ErrorTypeParse ErrorType = "PARSE"

	// ErrorTypeCacheCorruption indicates a cache invariant violation, e.g.
	// an expired entry about to be served as fresh
	ErrorTypeCacheCorruption ErrorType = "CACHE_CORRUPTION"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error

	// Field names the offending payload field for PARSE errors.
	Field string

	// RetryAfter carries a server-supplied backoff hint for TRANSIENT
	// rate-limit errors. Zero means no hint.
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *AppError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (field %q): %v", e.Type, e.Message, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field %q)", e.Type, e.Message, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a retryable external error
func NewTransientError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeTransient,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitError creates a retryable rate-limit error carrying the
// server-supplied retry-after hint
func NewRateLimitError(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// NewPermanentError creates a non-retryable error
func NewPermanentError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypePermanent,
		Message: message,
		Err:     err,
	}
}

// NewParseError creates a payload parse error scoped to one field
func NewParseError(field, message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeParse,
		Message: message,
		Field:   field,
		Err:     err,
	}
}

// NewCacheCorruptionError creates a cache invariant violation error
func NewCacheCorruptionError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeCacheCorruption,
		Message: message,
	}
}

// TypeOf returns the error type, or INTERNAL for errors that are not
// AppErrors anywhere in their chain
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsTransient reports whether the error chain contains a TRANSIENT error
func IsTransient(err error) bool {
	return TypeOf(err) == ErrorTypeTransient
}

// IsPermanent reports whether the error chain contains a PERMANENT error
func IsPermanent(err error) bool {
	return TypeOf(err) == ErrorTypePermanent
}

// IsParse reports whether the error chain contains a PARSE error
func IsParse(err error) bool {
	return TypeOf(err) == ErrorTypeParse
}

// IsNotFound reports whether the error chain contains a NOT_FOUND error
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// RetryAfterOf returns the rate-limit hint attached to the error, if any
func RetryAfterOf(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}
