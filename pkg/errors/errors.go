package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Media acquisition
	ErrCodeAcquisitionDenied ErrorCode = "ACQUISITION_DENIED"
	ErrCodeAcquisitionFailed ErrorCode = "ACQUISITION_FAILED"

	// Guests
	ErrCodeNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeGuestLost         ErrorCode = "GUEST_LOST"

	// Platforms
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeConnectionRefused  ErrorCode = "CONNECTION_REFUSED"
	ErrCodePlatformLost       ErrorCode = "PLATFORM_LOST"

	// Preconditions
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
	ErrCodeAlreadyActive     ErrorCode = "ALREADY_ACTIVE"
	ErrCodeAlreadyPublishing ErrorCode = "ALREADY_PUBLISHING"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code, so
// errors.Is matches a derived error against its sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Withf returns a copy of e with a more specific message. Sentinels are
// never mutated.
func (e *AppError) Withf(format string, args ...interface{}) *AppError {
	cp := e.clone()
	cp.Message = fmt.Sprintf(format, args...)
	return cp
}

// Wrap returns a copy of e carrying cause.
func (e *AppError) Wrap(cause error) *AppError {
	cp := e.clone()
	cp.Cause = cause
	return cp
}

func (e *AppError) clone() *AppError {
	cp := *e
	cp.Context = make(map[string]interface{}, len(e.Context))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	return &cp
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewAcquisitionDeniedError(message string) *AppError {
	return NewAppError(ErrCodeAcquisitionDenied, message, http.StatusForbidden)
}

func NewAcquisitionFailedError(message string) *AppError {
	return NewAppError(ErrCodeAcquisitionFailed, message, http.StatusServiceUnavailable)
}

func NewNegotiationFailedError(message string) *AppError {
	return NewAppError(ErrCodeNegotiationFailed, message, http.StatusBadGateway)
}

func NewGuestLostError(message string) *AppError {
	return NewAppError(ErrCodeGuestLost, message, http.StatusGone)
}

func NewInvalidCredentialsError(message string) *AppError {
	return NewAppError(ErrCodeInvalidCredentials, message, http.StatusUnauthorized)
}

func NewConnectionRefusedError(message string) *AppError {
	return NewAppError(ErrCodeConnectionRefused, message, http.StatusBadGateway)
}

func NewPlatformLostError(message string) *AppError {
	return NewAppError(ErrCodePlatformLost, message, http.StatusBadGateway)
}

func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, message, http.StatusConflict)
}

func NewAlreadyActiveError(message string) *AppError {
	return NewAppError(ErrCodeAlreadyActive, message, http.StatusConflict)
}

func NewAlreadyPublishingError(message string) *AppError {
	return NewAppError(ErrCodeAlreadyPublishing, message, http.StatusConflict)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
