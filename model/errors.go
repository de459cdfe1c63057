package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Credentialing workflow error codes.
const (
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrInvalidState        = "INVALID_STATE"
	ErrNotAuthorized       = "NOT_AUTHORIZED"
	ErrProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrAlreadySuperseded   = "ALREADY_SUPERSEDED"
)

// ErrorEnvelope is the error body returned by the API and the error value
// passed between services. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// WithCause records the error that produced this envelope. The cause is
// never serialized.
func (e *ErrorEnvelope) WithCause(err error) *ErrorEnvelope {
	e.cause = err
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an ErrorEnvelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. Stores use it for optimistic
// locking and uniqueness violations.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error for an edge
// that does not exist in the lifecycle table.
func NewInvalidTransitionError(entity, from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("%s cannot move from %q to %q", entity, from, to),
	}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewNotAuthorizedError returns a NOT_AUTHORIZED error.
func NewNotAuthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotAuthorized, Message: msg}
}

// NewProviderUnavailableError returns a PROVIDER_UNAVAILABLE error naming
// the external service that failed.
func NewProviderUnavailableError(service string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrProviderUnavailable,
		Message: fmt.Sprintf("%s is temporarily unavailable", service),
	}
}

// NewAlreadySupersededError returns an ALREADY_SUPERSEDED error.
func NewAlreadySupersededError(contractID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadySuperseded,
		Message: fmt.Sprintf("contract %s has already been superseded", contractID),
	}
}
