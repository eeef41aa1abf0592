package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotFound      = "NOT_FOUND"
	ErrInternalError = "INTERNAL_ERROR"
	ErrUnavailable   = "SERVICE_UNAVAILABLE"
)

// Pipeline failures. None of them fail a request on their own: a missing
// identity omits the panel, cache failures degrade to recomputation and
// enrichment failures drop that callback's contribution.
var (
	// ErrIdentityNotFound is returned when an identity does not resolve to a
	// user profile.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrCacheMiss is returned by cache stores for absent or expired entries.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable wraps cache store read or write failures.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// EnrichmentError records a failed enrichment callback.
type EnrichmentError struct {
	Callback string
	Err      error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment %q: %v", e.Callback, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnavailableError returns a SERVICE_UNAVAILABLE error.
func NewUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnavailable, Message: msg}
}
