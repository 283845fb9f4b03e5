package llm

import (
	"errors"
	"testing"
	"time"
)

func TestIsRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", nil, nil)
	if !IsRateLimitError(err) {
		t.Error("Expected IsRateLimitError to return true for rate limit error")
	}

	regularErr := NewServerError("upstream exploded", 500, nil)
	if IsRateLimitError(regularErr) {
		t.Error("Expected IsRateLimitError to return false for non-rate-limit error")
	}
}

func TestIsRetryableError(t *testing.T) {
	retryableErr := NewNetworkError("connection reset", "ECONNRESET", nil)
	if !IsRetryableError(retryableErr) {
		t.Error("Expected IsRetryableError to return true for network error")
	}

	nonRetryableErr := NewAuthError("invalid api key", 401, nil)
	if IsRetryableError(nonRetryableErr) {
		t.Error("Expected IsRetryableError to return false for auth error")
	}
}

func TestExtractRetryAfter(t *testing.T) {
	retryAfter := 5 * time.Minute
	err := NewRateLimitError("rate limit", &retryAfter, nil)
	extracted := ExtractRetryAfter(err)
	if extracted == nil {
		t.Fatal("Expected non-nil retry after")
	}
	if *extracted != retryAfter {
		t.Errorf("Expected retry after %v, got %v", retryAfter, *extracted)
	}

	regularErr := NewServerError("some error", 502, nil)
	if ExtractRetryAfter(regularErr) != nil {
		t.Error("Expected nil retry after for non-rate-limit error")
	}
}

func TestQueuedError(t *testing.T) {
	retryAt := time.Now().Add(10 * time.Minute)
	err := NewQueuedError("entry-123", retryAt, errors.New("overloaded"))

	if !IsQueuedError(err) {
		t.Error("Expected IsQueuedError to return true")
	}
	if QueueIDOf(err) != "entry-123" {
		t.Errorf("Expected queue id entry-123, got %q", QueueIDOf(err))
	}
	if IsRetryableError(err) {
		t.Error("Queued errors should not be immediately retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	originalErr := errors.New("original error")
	wrappedErr := NewServerError("wrapped", 503, originalErr)
	if !errors.Is(wrappedErr, originalErr) {
		t.Error("Expected error to unwrap to original error")
	}
}

func TestTypeOfPlainError(t *testing.T) {
	if TypeOf(errors.New("mystery")) != ErrorTypeUnknown {
		t.Error("Plain errors should classify as unknown")
	}
	if StatusOf(errors.New("mystery")) != 0 {
		t.Error("Plain errors carry no status")
	}
}
