package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an error for handling and for ack reporting.
type ErrorType string

const (
	// Policy rejections - always recoverable, reported with a reason code
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeRateLimit  ErrorType = "RATE_LIMIT"
	ErrorTypeQuota      ErrorType = "QUOTA"
	ErrorTypeStoreFull  ErrorType = "STORE_FULL"

	// Domain errors
	ErrorTypeNotFound  ErrorType = "NOT_FOUND"
	ErrorTypeDuplicate ErrorType = "DUPLICATE"
	ErrorTypeConflict  ErrorType = "CONFLICT"

	// Infrastructure errors
	ErrorTypeTransient ErrorType = "TRANSIENT"
	ErrorTypeInternal  ErrorType = "INTERNAL"
)

// Reason codes carried in rejected acks. These are wire-stable; the Message
// on the error is the human-readable companion.
const (
	CodeRateLimited      = "rate-limited"
	CodeLabelTooLong     = "label-too-long"
	CodePayloadTooLarge  = "payload-too-large"
	CodeEntityLimit      = "entity-limit-reached"
	CodeRelationLimit    = "relation-limit-reached"
	CodeStoreFull        = "store-full"
	CodeNotFound         = "not-found"
	CodeDuplicate        = "duplicate"
	CodeBadPayload       = "bad-payload"
	CodeStoreUnavailable = "store-unavailable"
)

// AppError is the error currency of the module. Message is safe to show to a
// user; Cause carries the internal detail for logs only.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	RetryAfter int                    `json:"retryAfter,omitempty"` // seconds
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode sets the wire reason code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithRetryAfter sets the retry hint in seconds.
func (e *AppError) WithRetryAfter(seconds int) *AppError {
	e.RetryAfter = seconds
	return e
}

// WithDetails attaches structured context.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error.
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message, Code: CodeBadPayload}
}

// NewRateLimitError creates a rate limit rejection with a retry hint.
func NewRateLimitError(window string, retryAfterSeconds int) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Message:    fmt.Sprintf("too many changes this %s, slow down", window),
		Code:       CodeRateLimited,
		RetryAfter: retryAfterSeconds,
	}
}

// NewQuotaError creates a per-user quota rejection.
func NewQuotaError(message, code string) *AppError {
	return &AppError{Type: ErrorTypeQuota, Message: message, Code: code}
}

// NewStoreFullError creates an aggregate store-size rejection.
func NewStoreFullError() *AppError {
	return &AppError{
		Type:    ErrorTypeStoreFull,
		Message: "the shared graph is full, please contact support",
		Code:    CodeStoreFull,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Code:    CodeNotFound,
	}
}

// NewDuplicateError creates a duplicate-record error.
func NewDuplicateError(resource string) *AppError {
	return &AppError{
		Type:    ErrorTypeDuplicate,
		Message: fmt.Sprintf("%s already exists", resource),
		Code:    CodeDuplicate,
	}
}

// NewConflictError creates a concurrent-edit conflict error. Conflicts are a
// normal outcome of collaboration, never surfaced as faults.
func NewConflictError(message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Message: message}
}

// NewTransientError creates a retryable infrastructure error.
func NewTransientError(operation string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeTransient,
		Message: fmt.Sprintf("temporary problem during %s, try again", operation),
		Code:    CodeStoreUnavailable,
		Cause:   err,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{Type: ErrorTypeInternal, Message: message}
}

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts an AppError from an error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsDuplicate checks if an error is a duplicate-record error.
func IsDuplicate(err error) bool {
	return IsType(err, ErrorTypeDuplicate)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	return IsType(err, ErrorTypeTransient)
}

// IsPolicyRejection reports whether the error is a gateway policy rejection
// (rate limit, size, quota, bloat). These are never retried by the server.
func IsPolicyRejection(err error) bool {
	appErr := GetAppError(err)
	if appErr == nil {
		return false
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeRateLimit, ErrorTypeQuota, ErrorTypeStoreFull:
		return true
	}
	return false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
