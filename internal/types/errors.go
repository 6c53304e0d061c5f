package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All packages MUST use these constants instead of
// hardcoded strings so callers can branch on error class with IsCode.
const (
	// Worker execution
	ErrCodePreconditionInvalidated ErrorCode = "precondition_invalidated"

	// Not Found
	ErrCodeNotFoundInvoice ErrorCode = "not_found_invoice"
	ErrCodeNotFoundBooking ErrorCode = "not_found_booking"
	ErrCodeNotFoundLead    ErrorCode = "not_found_lead"
	ErrCodeNotFoundJob     ErrorCode = "not_found_job"
	ErrCodeNotFoundTask    ErrorCode = "not_found_task"

	// Infrastructure
	ErrCodeInternalDB        ErrorCode = "internal_database_error"
	ErrCodeBrokerUnavailable ErrorCode = "broker_unavailable"

	// External messaging/calendar APIs
	ErrCodeUpstreamTransient   ErrorCode = "upstream_transient"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamPermanent   ErrorCode = "upstream_permanent"
)

// AppError is the standard application error type used throughout the platform.
// All domain errors should be expressed as AppError to enable consistent
// classification and error chain support.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode reports whether err (or anything it wraps) is an AppError with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is any of the not-found error codes.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeNotFoundInvoice, ErrCodeNotFoundBooking, ErrCodeNotFoundLead,
			ErrCodeNotFoundJob, ErrCodeNotFoundTask:
			return true
		}
	}
	return false
}

// IsTransientUpstream reports whether err represents a transient external
// failure (network, rate limit, 5xx). Transient failures are retried by the
// broker's backoff policy and never mark the job record failed.
func IsTransientUpstream(err error) bool {
	return IsCode(err, ErrCodeUpstreamTransient) || IsCode(err, ErrCodeUpstreamRateLimited)
}

// IsPermanentUpstream reports whether err represents a permanent external
// failure (invalid recipient, revoked auth). Permanent failures mark the job
// record failed immediately with no further retry.
func IsPermanentUpstream(err error) bool {
	return IsCode(err, ErrCodeUpstreamPermanent)
}
