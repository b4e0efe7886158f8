package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so clones compare equal to their template.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the caller may retry the failed operation with backoff.
func (e *Error) Retryable() bool {
	return e != nil && e.Code == ErrStoreUnavailable.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrTooManyRequests    = New("RATE_LIMITED", http.StatusTooManyRequests, "rate limit exceeded")
)

// Approval engine failures. Every kind except ErrStoreUnavailable is a definite
// business outcome and must not be retried automatically.
var (
	ErrInvalidRole             = New("INVALID_ROLE", http.StatusBadRequest, "invalid role")
	ErrInvalidTransition       = New("INVALID_TRANSITION", http.StatusConflict, "invalid state transition")
	ErrCapacityExceeded        = New("CAPACITY_EXCEEDED", http.StatusConflict, "capacity limit reached")
	ErrDuplicatePendingRequest = New("DUPLICATE_PENDING_REQUEST", http.StatusConflict, "an open request already exists")
	ErrInstitutionNotFound     = New("INSTITUTION_NOT_FOUND", http.StatusNotFound, "institution not found")
	ErrUserNotFound            = New("USER_NOT_FOUND", http.StatusNotFound, "user not found")
	ErrRequestNotFound         = New("REQUEST_NOT_FOUND", http.StatusNotFound, "approval request not found")
	ErrInstitutionNotVerified  = New("INSTITUTION_NOT_VERIFIED", http.StatusPreconditionFailed, "institution is not verified")
	ErrResubmissionBlocked     = New("RESUBMISSION_BLOCKED", http.StatusConflict, "resubmission of rejected requests is disabled")
	ErrStoreUnavailable        = New("STORE_UNAVAILABLE", http.StatusServiceUnavailable, "store unavailable")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Code extracts the typed code of err, or ErrInternal's code for untyped errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Code
}
