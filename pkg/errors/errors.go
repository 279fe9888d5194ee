package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies coordination-layer failures. The code, not the
// message text, is what callers should branch on.
type ErrorCode string

const (
	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
	ErrCodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeHostUnreachable      ErrorCode = "SESSION_HOST_UNREACHABLE"
	ErrCodeNegotiationTimeout   ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrCodeNegotiationFailed    ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeControlChannel       ErrorCode = "CONTROL_CHANNEL_ERROR"
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// AppError carries an error code plus optional structured context.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a context value to the error.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an application error.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// Common constructors.

func NewSignalingUnavailable(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeSignalingUnavailable, Message: message, Cause: cause}
}

func NewSessionNotFound(sessionID string) *AppError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session %q not found", sessionID))
}

func NewHostUnreachable(sessionID string) *AppError {
	return New(ErrCodeHostUnreachable, fmt.Sprintf("host for session %q is unreachable", sessionID))
}

func NewNegotiationTimeout(step string) *AppError {
	return New(ErrCodeNegotiationTimeout, fmt.Sprintf("negotiation step %q timed out", step))
}

func NewNegotiationFailed(peerID string) *AppError {
	return New(ErrCodeNegotiationFailed, fmt.Sprintf("negotiation with peer %q failed after exhausting reconnect attempts", peerID))
}

func NewControlChannelError(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeControlChannel, Message: message, Cause: cause}
}

func NewInvalidInput(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// CodeOf extracts the error code from an error chain. Returns
// ErrCodeInternal for errors that are not AppErrors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
