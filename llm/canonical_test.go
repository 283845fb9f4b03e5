package llm

import (
	"testing"
	"time"
)

func baseRequest() *Request {
	temp := 0.7
	return &Request{
		Provider:    "anthropic",
		Operation:   OperationGenerate,
		Model:       "claude-sonnet-4-20250514",
		System:      "You are helpful.",
		Temperature: &temp,
		MaxTokens:   1024,
		Messages: []Message{
			NewTextMessage(RoleUser, "hello"),
		},
		Tools: []ToolSpec{
			{Name: "read_file", Description: "reads a file"},
			{Name: "list_dir", Description: "lists a directory"},
		},
	}
}

func TestCanonicalKeyStable(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	if CanonicalKey(a) != CanonicalKey(b) {
		t.Error("Identical requests must produce identical keys")
	}
}

func TestCanonicalKeyIgnoresToolOrder(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Tools[0], b.Tools[1] = b.Tools[1], b.Tools[0]
	if CanonicalKey(a) != CanonicalKey(b) {
		t.Error("Tool declaration order must not affect the key")
	}
}

func TestCanonicalKeyIgnoresVolatileFields(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Metadata = map[string]interface{}{
		"request_id": "req-42",
		"sent_at":    time.Now().Unix(),
	}
	if CanonicalKey(a) != CanonicalKey(b) {
		t.Error("Metadata must be excluded from canonicalization")
	}

	// Tool descriptions and schemas are plumbing, not parameters.
	b.Metadata = nil
	b.Tools[0].Description = "something else entirely"
	if CanonicalKey(a) != CanonicalKey(b) {
		t.Error("Tool descriptions must be excluded from canonicalization")
	}
}

func TestCanonicalKeyDistinguishesParameters(t *testing.T) {
	a := baseRequest()

	b := baseRequest()
	b.Model = "claude-haiku-4"
	if CanonicalKey(a) == CanonicalKey(b) {
		t.Error("Model must affect the key")
	}

	c := baseRequest()
	c.Operation = OperationStream
	if CanonicalKey(a) == CanonicalKey(c) {
		t.Error("Operation must affect the key")
	}

	d := baseRequest()
	d.Messages = append(d.Messages, NewTextMessage(RoleAssistant, "hi"))
	if CanonicalKey(a) == CanonicalKey(d) {
		t.Error("Message content must affect the key")
	}
}

func TestCanonicalKeyOptionsOrderIndependent(t *testing.T) {
	a := baseRequest()
	a.Options = map[string]interface{}{"top_p": 0.9, "top_k": 40}

	b := baseRequest()
	b.Options = map[string]interface{}{"top_k": 40, "top_p": 0.9}

	if CanonicalKey(a) != CanonicalKey(b) {
		t.Error("Option insertion order must not affect the key")
	}
}

func TestReplayStream(t *testing.T) {
	events := []*StreamEvent{
		{Type: StreamEventTypeStart},
		{Type: StreamEventTypeContentDelta, Delta: &StreamDelta{Type: StreamDeltaTypeText, Text: "a"}},
		{Type: StreamEventTypeStop, Done: true},
	}

	s := NewReplayStream(events)
	var got []*StreamEvent
	for s.Next() {
		got = append(got, s.Event())
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if s.Err() != nil {
		t.Errorf("Replay stream should not error: %v", s.Err())
	}
	if got[1].Delta.Text != "a" {
		t.Error("Events must replay in order")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close should not error: %v", err)
	}
}
