package llm

import (
	"errors"
	"time"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Type        ErrorType
	Message     string
	Code        string // Vendor-specific error code, if any
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	QueueID     string // Set on queued errors: the persistent queue entry id
	ProviderErr error  // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeServer         ErrorType = "server"
	ErrorTypeAuth           ErrorType = "auth"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeQueued         ErrorType = "queued"
	ErrorTypeExpired        ErrorType = "expired"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// TypeOf returns the error's classification, or ErrorTypeUnknown for errors
// that are not *Error values.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// StatusOf returns the HTTP status carried by the error, or zero.
func StatusOf(err error) int {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.StatusCode
	}
	return 0
}

// CodeOf returns the vendor error code carried by the error, or "".
func CodeOf(err error) string {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Code
	}
	return ""
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	return TypeOf(err) == ErrorTypeRateLimit
}

// IsNetworkError checks if an error is a connection-level transport error.
func IsNetworkError(err error) bool {
	return TypeOf(err) == ErrorTypeNetwork
}

// IsAuthError checks if an error is an authentication/authorization error.
// Auth errors are never retried.
func IsAuthError(err error) bool {
	return TypeOf(err) == ErrorTypeAuth
}

// IsQueuedError checks if an error is the fail-fast indicator for a call
// deferred to the persistent retry queue.
func IsQueuedError(err error) bool {
	return TypeOf(err) == ErrorTypeQueued
}

// QueueIDOf returns the queue entry id carried by a queued error, or "".
func QueueIDOf(err error) string {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.QueueID
	}
	return ""
}

// IsExpiredError checks if an error marks a queued call dropped for running
// out of its retry budget.
func IsExpiredError(err error) bool {
	return TypeOf(err) == ErrorTypeExpired
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewNetworkError creates a new transport-level error.
func NewNetworkError(message, code string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeNetwork,
		Message:     message,
		Code:        code,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		StatusCode:  429,
		ProviderErr: providerErr,
	}
}

// NewServerError creates a new 5xx-class provider error.
func NewServerError(message string, statusCode int, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeServer,
		Message:     message,
		Retryable:   true,
		StatusCode:  statusCode,
		ProviderErr: providerErr,
	}
}

// NewAuthError creates a new authentication error. Auth failures are a
// configuration problem and are surfaced immediately.
func NewAuthError(message string, statusCode int, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeAuth,
		Message:     message,
		Retryable:   false,
		StatusCode:  statusCode,
		ProviderErr: providerErr,
	}
}

// NewInvalidRequestError creates a new invalid-request error.
func NewInvalidRequestError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeInvalidRequest,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewExpiredError creates the terminal error reported for a queued call
// dropped after exhausting its retry budget. providerErr carries the last
// recorded provider failure so callers see what actually kept failing.
func NewExpiredError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeExpired,
		Message:     message,
		Retryable:   false,
		StatusCode:  StatusOf(providerErr),
		Code:        CodeOf(providerErr),
		ProviderErr: providerErr,
	}
}

// NewQueuedError creates the error returned to the immediate caller when a
// call has been deferred to the persistent retry queue. The queue id lets
// the caller poll or register a completion callback.
func NewQueuedError(queueID string, retryAt time.Time, providerErr error) *Error {
	wait := time.Until(retryAt)
	return &Error{
		Type:        ErrorTypeQueued,
		Message:     "request queued for long retry at " + retryAt.Format(time.RFC3339),
		Retryable:   false,
		RetryAfter:  &wait,
		QueueID:     queueID,
		ProviderErr: providerErr,
	}
}
