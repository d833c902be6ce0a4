// Package errors provides error handling functionality for the support chat service.
// It defines error categories, error codes, and the wire representation of failures.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents credential and permission failures
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents malformed or oversized client input
	CategoryValidation ErrorCategory = "validation"
	// CategoryStore represents history store failures
	CategoryStore ErrorCategory = "store"
	// CategoryTransport represents failures writing to a connection
	CategoryTransport ErrorCategory = "transport"
	// CategoryNotFound represents references to unknown sessions
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	// Authentication errors
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken      ErrorCode = "EXPIRED_TOKEN"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	// Validation errors
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"
	ErrCodeEmptyContent  ErrorCode = "EMPTY_CONTENT"
	ErrCodeContentLength ErrorCode = "CONTENT_TOO_LONG"

	// Store errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// Transport errors
	ErrCodeSendFailed ErrorCode = "SEND_FAILED"
	ErrCodeSlowClient ErrorCode = "SLOW_CLIENT"

	// Lookup errors
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Rate limiting errors
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error is fatal and requires connection closure
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorInfo converts a ChatError to a message.ErrorInfo for wire protocol
func (e *ChatError) ToErrorInfo() *message.ErrorInfo {
	return &message.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
	}
}

// As extracts the first ChatError in err's chain.
func As(err error) (*ChatError, bool) {
	var chatErr *ChatError
	if stderrors.As(err, &chatErr) {
		return chatErr, true
	}
	return nil, false
}

// Is reports whether err carries a ChatError of the given category.
func Is(err error, category ErrorCategory) bool {
	chatErr, ok := As(err)
	return ok && chatErr.Category == category
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryAuth,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewStoreError creates a history store error. The client may retry.
func NewStoreError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryStore,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewTransportError creates a connection write error. It is fatal for the
// affected connection only.
func NewTransportError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryTransport,
		Code:        code,
		Message:     message,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewNotFoundError creates a lookup error (recoverable)
func NewNotFoundError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryNotFound,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, message string, retryAfter int, cause error) *ChatError {
	return &ChatError{
		Category:    CategoryRateLimit,
		Code:        code,
		Message:     message,
		Recoverable: true,
		RetryAfter:  retryAfter,
		Cause:       cause,
	}
}

// Common error constructors for convenience

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

// ErrExpiredToken creates an expired token error
func ErrExpiredToken(cause error) *ChatError {
	return NewAuthError(ErrCodeExpiredToken, "Authentication token has expired", cause)
}

// ErrInsufficientPermissions creates an insufficient permissions error
func ErrInsufficientPermissions(cause error) *ChatError {
	return NewAuthError(ErrCodeInsufficientPerms, "Insufficient permissions for this operation", cause)
}

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(details string, cause error) *ChatError {
	return NewValidationError(ErrCodeInvalidFormat, fmt.Sprintf("Invalid message format: %s", details), cause)
}

// ErrMissingField creates a missing field error
func ErrMissingField(fieldName string) *ChatError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

// ErrEmptyContent creates an empty message content error
func ErrEmptyContent() *ChatError {
	return NewValidationError(ErrCodeEmptyContent, "Message content cannot be empty", nil)
}

// ErrContentTooLong creates an oversized message content error
func ErrContentTooLong(max int) *ChatError {
	return NewValidationError(ErrCodeContentLength,
		fmt.Sprintf("Message content exceeds maximum of %d characters", max), nil)
}

// ErrStoreUnavailable creates a history store error
func ErrStoreUnavailable(cause error) *ChatError {
	return NewStoreError(ErrCodeStoreUnavailable, "Chat history is temporarily unavailable", cause)
}

// ErrSendFailed creates a transport error for a failed write
func ErrSendFailed(cause error) *ChatError {
	return NewTransportError(ErrCodeSendFailed, "Failed to deliver to connection", cause)
}

// ErrSlowClient creates a transport error for a full send buffer
func ErrSlowClient() *ChatError {
	return NewTransportError(ErrCodeSlowClient, "Connection is not keeping up with messages", nil)
}

// ErrSessionNotFound creates a session lookup error
func ErrSessionNotFound(sessionID string) *ChatError {
	return NewNotFoundError(ErrCodeSessionNotFound, fmt.Sprintf("Support session not found: %s", sessionID), nil)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests,
		"Too many requests, please slow down", retryAfter, nil)
}

// ErrConnectionLimitExceeded creates a connection limit exceeded error
func ErrConnectionLimitExceeded(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit,
		"Connection limit exceeded, please try again later", retryAfter, nil)
}
