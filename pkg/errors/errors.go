package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Authorization errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUserNotFound ErrorCode = "USER_NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Call setup errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeMediaAcquisition  ErrorCode = "MEDIA_ACQUISITION_FAILED"

	// Signaling errors
	ErrCodeSignalingWrite    ErrorCode = "SIGNALING_WRITE_FAILED"
	ErrCodeInvalidCandidate  ErrorCode = "INVALID_CANDIDATE"
	ErrCodeInvalidDescriptor ErrorCode = "INVALID_REMOTE_DESCRIPTOR"
	ErrCodeIllegalState      ErrorCode = "ILLEGAL_SIGNALING_STATE"
	ErrCodeIllegalTransition ErrorCode = "ILLEGAL_STATUS_TRANSITION"

	// Connection errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// AsAppError extracts an *AppError from an error chain, if present
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given application error code
func IsCode(err error, code ErrorCode) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the application error code carried by err, or
// ErrCodeInternal for plain errors.
func CodeOf(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return string(appErr.Code)
	}
	return string(ErrCodeInternal)
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Authorization errors
func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func UserNotFoundError() *AppError {
	return NewWithStatus(ErrCodeUserNotFound, "User not found", http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// RateLimitExceededError reports a throttled call attempt. timeLeftSeconds is
// how long the caller must wait before the next attempt is allowed.
func RateLimitExceededError(timeLeftSeconds int) *AppError {
	return NewWithStatus(
		ErrCodeRateLimitExceeded,
		fmt.Sprintf("Too many call attempts, please wait %d seconds", timeLeftSeconds),
		http.StatusTooManyRequests,
	).WithDetails(map[string]int{"time_left_seconds": timeLeftSeconds})
}

// TimeLeftSeconds extracts the rate-limit wait time from an error, or 0.
func TimeLeftSeconds(err error) int {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code != ErrCodeRateLimitExceeded {
		return 0
	}
	if details, ok := appErr.Details.(map[string]int); ok {
		return details["time_left_seconds"]
	}
	return 0
}

// MediaAcquisitionError reports camera/microphone acquisition failure
func MediaAcquisitionError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeMediaAcquisition,
		Message:    "Could not access camera or microphone",
		StatusCode: http.StatusPreconditionFailed,
		Err:        err,
	}
}

// SignalingWriteError reports a transient failure writing to the signaling channel
func SignalingWriteError(operation string, err error) *AppError {
	return Wrap(ErrCodeSignalingWrite, fmt.Sprintf("signaling write failed: %s", operation), err)
}

// InvalidCandidateError reports a malformed ICE candidate
func InvalidCandidateError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidCandidate, message, http.StatusBadRequest)
}

// InvalidDescriptorError reports a malformed or mistyped remote session description
func InvalidDescriptorError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidDescriptor, message, http.StatusBadRequest)
}

// IllegalStateError reports a signaling operation attempted in the wrong state
func IllegalStateError(message string) *AppError {
	return NewWithStatus(ErrCodeIllegalState, message, http.StatusConflict)
}

// ConnectionFailedError reports a peer connection that did not recover
func ConnectionFailedError() *AppError {
	return New(ErrCodeConnectionFailed, "Peer connection failed")
}

// IllegalTransitionError reports a rejected call status transition
func IllegalTransitionError(from, to string) *AppError {
	return NewWithStatus(
		ErrCodeIllegalTransition,
		fmt.Sprintf("illegal call status transition %s -> %s", from, to),
		http.StatusConflict,
	)
}
