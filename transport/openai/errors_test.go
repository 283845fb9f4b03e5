package openai

import (
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/damper-ai/damper/llm"
)

func TestMapAPIErrorRateLimit(t *testing.T) {
	err := mapError(&openai.APIError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Message:        "Rate limit reached. Please try again in 20s.",
	})

	if !llm.IsRateLimitError(err) {
		t.Fatalf("Expected rate limit classification, got %v", err)
	}
	ra := llm.ExtractRetryAfter(err)
	if ra == nil || *ra <= 0 {
		t.Fatal("Expected a retry-after wait")
	}
	// The message hint should win over the fallback.
	if ra.Seconds() > 21 {
		t.Errorf("Expected ~20s from the message, got %s", ra)
	}
}

func TestMapAPIErrorAuth(t *testing.T) {
	err := mapError(&openai.APIError{
		HTTPStatusCode: http.StatusUnauthorized,
		Message:        "Incorrect API key provided",
	})
	if !llm.IsAuthError(err) {
		t.Fatalf("Expected auth classification, got %v", err)
	}
}

func TestMapAPIErrorServer(t *testing.T) {
	err := mapError(&openai.APIError{
		HTTPStatusCode: http.StatusServiceUnavailable,
		Message:        "The server is overloaded",
	})
	if llm.TypeOf(err) != llm.ErrorTypeServer {
		t.Fatalf("Expected server classification, got %v", err)
	}
	if llm.StatusOf(err) != http.StatusServiceUnavailable {
		t.Errorf("Status code should be preserved, got %d", llm.StatusOf(err))
	}
}

func TestMapAPIErrorInvalidRequest(t *testing.T) {
	err := mapError(&openai.APIError{
		HTTPStatusCode: http.StatusBadRequest,
		Message:        "Invalid value for model",
	})
	if llm.TypeOf(err) != llm.ErrorTypeInvalidRequest {
		t.Fatalf("Expected invalid request classification, got %v", err)
	}
}

func TestChatStreamConvert(t *testing.T) {
	s := newChatStream(nil)

	s.convert(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hel"},
		}},
	})
	s.convert(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: "lo"},
		}},
	})
	s.convert(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			FinishReason: openai.FinishReasonStop,
		}},
	})

	// start + 2 text deltas + message delta + stop
	if len(s.pending) != 5 {
		t.Fatalf("Expected 5 staged events, got %d", len(s.pending))
	}
	if s.pending[1].Delta.Text != "hel" || s.pending[2].Delta.Text != "lo" {
		t.Error("Text deltas should pass through in order")
	}
	last := s.pending[len(s.pending)-1]
	if last.Type != llm.StreamEventTypeStop || !last.Done {
		t.Error("Stream should end with a done stop event")
	}
	if !s.stopped {
		t.Error("Finish reason should stop the stream")
	}
}
