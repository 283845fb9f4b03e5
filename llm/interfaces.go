package llm

import (
	"context"
)

// Client provides a provider-neutral interface for making LLM API calls.
// Implementations should handle provider-specific details internally.
type Client interface {
	// Generate sends a request and returns a complete response.
	// This is for non-streaming use cases.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and returns a stream of events.
	// The caller should read from the returned Stream until it's done or an
	// error occurs.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream represents a streaming response from an LLM.
type Stream interface {
	// Next advances to the next event in the stream.
	// Returns false when the stream is complete or an error occurs.
	Next() bool

	// Event returns the current event.
	// Should only be called after Next() returns true.
	Event() *StreamEvent

	// Err returns any error that occurred during streaming.
	Err() error

	// Close closes the stream and releases resources.
	Close() error
}

// GenerateFunc is the function form of Client.Generate. Middleware layers
// wrap values of this type.
type GenerateFunc func(ctx context.Context, req *Request) (*Response, error)

// StreamFunc is the function form of Client.Stream.
type StreamFunc func(ctx context.Context, req *Request) (Stream, error)

// replayStream replays a fixed slice of recorded events. It is finite and
// restartable: Restart rewinds it to the beginning.
type replayStream struct {
	events  []*StreamEvent
	current int
}

// NewReplayStream returns a Stream that yields the given events in order.
// The slice is not copied; callers must not mutate it while the stream is
// in use.
func NewReplayStream(events []*StreamEvent) Stream {
	return &replayStream{events: events, current: -1}
}

// Next implements Stream.Next.
func (s *replayStream) Next() bool {
	if s.current+1 >= len(s.events) {
		return false
	}
	s.current++
	return true
}

// Event implements Stream.Event.
func (s *replayStream) Event() *StreamEvent {
	if s.current < 0 || s.current >= len(s.events) {
		return nil
	}
	return s.events[s.current]
}

// Err implements Stream.Err. Replayed streams never fail.
func (s *replayStream) Err() error { return nil }

// Close implements Stream.Close.
func (s *replayStream) Close() error { return nil }

// Restart rewinds the stream so the events can be replayed again.
func (s *replayStream) Restart() { s.current = -1 }

var _ Stream = (*replayStream)(nil)
