package errors

import (
	"fmt"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeEngineConstruction     ErrorCode = "ENGINE_CONSTRUCTION_FAILED"
	ErrCodeDestroyed              ErrorCode = "DESTROYED"
	ErrCodeSignalingMalformed     ErrorCode = "SIGNALING_MALFORMED"
	ErrCodeICECandidateRejected   ErrorCode = "ICE_CANDIDATE_REJECTED"
	ErrCodeRemoteDescription      ErrorCode = "REMOTE_DESCRIPTION_FAILED"
	ErrCodeLocalDescription       ErrorCode = "LOCAL_DESCRIPTION_FAILED"
	ErrCodeOfferCreation          ErrorCode = "OFFER_CREATION_FAILED"
	ErrCodeAnswerCreation         ErrorCode = "ANSWER_CREATION_FAILED"
	ErrCodeDataChannel            ErrorCode = "DATA_CHANNEL_ERROR"
	ErrCodeICEConnectionClosed    ErrorCode = "ICE_CONNECTION_CLOSED"
	ErrCodeICEConnectionFailed    ErrorCode = "ICE_CONNECTION_FAILED"
	ErrCodeICERecoveryTimeout     ErrorCode = "ICE_RECOVERY_TIMEOUT"
	ErrCodeConnectionFailed       ErrorCode = "CONNECTION_FAILED"
	ErrCodeSenderRemovedReuse     ErrorCode = "SENDER_REMOVED_REUSE"
	ErrCodeSenderAlreadyAdded     ErrorCode = "SENDER_ALREADY_ADDED"
	ErrCodeSenderNotFound         ErrorCode = "SENDER_NOT_FOUND"
	ErrCodeReplaceUnsupported     ErrorCode = "REPLACE_TRACK_UNSUPPORTED"
	ErrCodeTransceiverUnsupported ErrorCode = "TRANSCEIVER_UNSUPPORTED"

	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
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
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

func NewDestroyedError(operation string) *AppError {
	return NewAppError(ErrCodeDestroyed, fmt.Sprintf("cannot %s after peer is destroyed", operation))
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// IsCode reports whether err carries the given error code
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// CodeOf returns the error code carried by err, or an empty code
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ""
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	// Try to unwrap
	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
