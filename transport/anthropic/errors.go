package anthropic

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/ratelimit"
)

// mapError converts an SDK failure into the middleware error taxonomy. API
// errors carry their HTTP status; anything else is treated as a transport
// failure with an errno-style code.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return llm.NetworkErrorFrom(err)
	}

	msg := fmt.Sprintf("anthropic: %s", apiErr.Error())
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return llm.NewRateLimitError(msg, retryAfterOf(apiErr), err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return llm.NewAuthError(msg, apiErr.StatusCode, err)
	case http.StatusBadRequest, http.StatusNotFound,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return llm.NewInvalidRequestError(msg, err)
	default:
		if apiErr.StatusCode >= 500 {
			// Includes 529 overloaded.
			return llm.NewServerError(msg, apiErr.StatusCode, err)
		}
		return &llm.Error{
			Type:        llm.ErrorTypeUnknown,
			Message:     msg,
			StatusCode:  apiErr.StatusCode,
			ProviderErr: err,
		}
	}
}

// retryAfterOf reads the provider's requested wait from response headers.
func retryAfterOf(apiErr *anthropic.Error) *time.Duration {
	if apiErr.Response == nil {
		return nil
	}
	resetAt, ok := ratelimit.ResetFromHeaders(apiErr.Response.Header)
	if !ok {
		return nil
	}
	wait := time.Until(resetAt)
	if wait <= 0 {
		return nil
	}
	return &wait
}
