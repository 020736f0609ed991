package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"peercam/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidPeerID        ErrorCode = "INVALID_PEER_ID"
	ErrCodeUnknownSession       ErrorCode = "UNKNOWN_SESSION"
	ErrCodeNotAllowed           ErrorCode = "NOT_ALLOWED"
	ErrCodeNegotiationFailed    ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrCodeRateLimit            ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
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

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
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

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps signaling and session errors onto application errors. An
// error that already is an AppError is returned as is.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrInvalidPeerID):
		return WrapError(err, ErrCodeInvalidPeerID, "invalid peer id", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrMalformedEnvelope):
		return WrapError(err, ErrCodeInvalidInput, "malformed envelope", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrUnknownSession):
		return WrapError(err, ErrCodeUnknownSession, "no session with that peer", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrNotAllowed):
		return WrapError(err, ErrCodeNotAllowed, "operation not allowed", http.StatusConflict)
	case stderrors.Is(err, domain.ErrNegotiation):
		return WrapError(err, ErrCodeNegotiationFailed, "negotiation failed", http.StatusBadGateway)
	case stderrors.Is(err, domain.ErrTransport):
		return WrapError(err, ErrCodeTransportUnavailable, "signaling transport unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrControllerStopped), stderrors.Is(err, domain.ErrSessionClosed):
		return WrapError(err, ErrCodeServiceUnavailable, "session controller unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
