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

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Permission errors (media or notification permission refused)
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodePeerNotFound ErrorCode = "PEER_NOT_FOUND"

	// Conflict errors
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeCallEnded       ErrorCode = "CALL_ENDED"
	ErrCodeConditionFailed ErrorCode = "CONDITION_FAILED"

	// Media errors
	ErrCodeMediaAcquisition ErrorCode = "MEDIA_ACQUISITION_FAILED"

	// Internal errors
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
)

// Sentinels for errors.Is matching. AppErrors compare equal by code, so any
// AppError carrying the same code matches the sentinel.
var (
	ErrValidation           = NewWithStatus(ErrCodeValidation, "Validation failed", http.StatusBadRequest)
	ErrNotFound             = NewWithStatus(ErrCodeNotFound, "Record not found", http.StatusNotFound)
	ErrPeerNotFound         = NewWithStatus(ErrCodePeerNotFound, "No other participant in conversation", http.StatusNotFound)
	ErrTransportUnavailable = NewWithStatus(ErrCodeTransportUnavailable, "Signaling transport unavailable", http.StatusServiceUnavailable)
	ErrMediaAcquisition     = NewWithStatus(ErrCodeMediaAcquisition, "Failed to acquire local media", http.StatusFailedDependency)
	ErrPermissionDenied     = NewWithStatus(ErrCodePermissionDenied, "Permission denied", http.StatusForbidden)
	ErrConditionFailed      = NewWithStatus(ErrCodeConditionFailed, "Precondition failed", http.StatusConflict)
	ErrCallEnded            = NewWithStatus(ErrCodeCallEnded, "Call has already ended", http.StatusConflict)
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

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
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
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func PermissionDeniedError(message string) *AppError {
	return NewWithStatus(ErrCodePermissionDenied, message, http.StatusForbidden)
}

// NotFoundError reports a referenced record that no longer exists
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func PeerNotFoundError(conversationID string) *AppError {
	return NewWithStatus(ErrCodePeerNotFound, "No other participant in conversation", http.StatusNotFound).
		WithDetails(map[string]string{"conversation_id": conversationID})
}

func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

func CallEndedError() *AppError {
	return NewWithStatus(ErrCodeCallEnded, "Call has already ended", http.StatusConflict)
}

func MediaAcquisitionError(err error) *AppError {
	return WrapWithStatus(ErrCodeMediaAcquisition, "Failed to acquire local media", http.StatusFailedDependency, err)
}

func TransportUnavailableError(err error) *AppError {
	return WrapWithStatus(ErrCodeTransportUnavailable, "Signaling transport unavailable", http.StatusServiceUnavailable, err)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error chain, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
