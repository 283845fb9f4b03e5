package openai

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/ratelimit"
)

// The API does not expose Retry-After through its error type, so 429s
// without a parseable hint in the message fall back to this wait.
const defaultRetryAfter = 60 * time.Second

// mapError converts an API failure into the middleware error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapAPIError(apiErr, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 {
			return llm.NewServerError(
				fmt.Sprintf("openai: %v", reqErr.Err), reqErr.HTTPStatusCode, err)
		}
		return llm.NetworkErrorFrom(reqErr.Err)
	}

	return llm.NetworkErrorFrom(err)
}

func mapAPIError(apiErr *openai.APIError, cause error) error {
	msg := fmt.Sprintf("openai: %s", apiErr.Message)
	switch apiErr.HTTPStatusCode {
	case http.StatusTooManyRequests:
		wait := defaultRetryAfter
		if resetAt, ok := ratelimit.ResetFromMessage(apiErr.Message); ok {
			if until := time.Until(resetAt); until > 0 {
				wait = until
			}
		}
		return llm.NewRateLimitError(msg, &wait, cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return llm.NewAuthError(msg, apiErr.HTTPStatusCode, cause)
	case http.StatusBadRequest, http.StatusNotFound,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return llm.NewInvalidRequestError(msg, cause)
	default:
		if apiErr.HTTPStatusCode >= 500 {
			return llm.NewServerError(msg, apiErr.HTTPStatusCode, cause)
		}
		return &llm.Error{
			Type:        llm.ErrorTypeUnknown,
			Message:     msg,
			StatusCode:  apiErr.HTTPStatusCode,
			ProviderErr: cause,
		}
	}
}
