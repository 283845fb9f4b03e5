package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/streamstate"
)

// MetadataStreamID is the request metadata key a caller can set to pin the
// recovery id of a stream. Without it a fresh id is generated per call.
const MetadataStreamID = "stream_id"

// Recovery mirrors every stream event into the stream state store as it is
// delivered, so an interrupted stream can later be resumed from the last
// flushed chunk. It is the innermost layer: only events from a real
// provider stream are mirrored, never cache replays.
type Recovery struct {
	store  *streamstate.Store
	logger zerolog.Logger
}

// NewRecovery creates a Recovery interceptor over the given store.
func NewRecovery(store *streamstate.Store, logger zerolog.Logger) *Recovery {
	return &Recovery{
		store:  store,
		logger: logger.With().Str("component", "streamRecovery").Logger(),
	}
}

// WrapGenerate implements Interceptor. Recovery only concerns streams.
func (r *Recovery) WrapGenerate(next llm.GenerateFunc) llm.GenerateFunc {
	return next
}

// WrapStream implements Interceptor.
func (r *Recovery) WrapStream(next llm.StreamFunc) llm.StreamFunc {
	return func(ctx context.Context, req *llm.Request) (llm.Stream, error) {
		stream, err := next(ctx, req)
		if err != nil {
			return nil, err
		}

		id := streamID(req)
		r.store.Begin(id)
		r.logger.Debug().Str("streamID", id).Msg("Mirroring stream")
		return &mirroredStream{Stream: stream, ctx: ctx, store: r.store, id: id}, nil
	}
}

// streamID resolves the recovery id for a request: pinned via metadata when
// the caller wants a resumable handle it knows in advance, random otherwise.
func streamID(req *llm.Request) string {
	if v, ok := req.Metadata[MetadataStreamID].(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// mirroredStream records each delivered event before handing it to the
// caller, and settles the durable state exactly once when the stream ends.
type mirroredStream struct {
	llm.Stream
	ctx     context.Context
	store   *streamstate.Store
	id      string
	settled bool
}

// StreamID returns the id under which this stream's chunks are mirrored.
func (m *mirroredStream) StreamID() string { return m.id }

func (m *mirroredStream) Next() bool {
	if m.ctx.Err() != nil {
		m.settle(func() { m.store.Abort(m.id, streamstate.AbortReasonUser) })
		return false
	}
	if m.Stream.Next() {
		m.store.AppendChunk(m.id, m.Stream.Event())
		return true
	}
	if err := m.Stream.Err(); err != nil {
		m.settle(func() { m.store.Fail(m.id, err) })
	} else {
		m.settle(func() { m.store.Complete(m.id) })
	}
	return false
}

func (m *mirroredStream) Close() error {
	// Closing before exhaustion is a caller abort; after settlement it is a
	// no-op on the mirror.
	m.settle(func() { m.store.Abort(m.id, streamstate.AbortReasonUser) })
	return m.Stream.Close()
}

func (m *mirroredStream) settle(final func()) {
	if m.settled {
		return
	}
	m.settled = true
	final()
}

// StreamID extracts the recovery id from a stream returned by the stack,
// when stream recovery was enabled for the call.
func StreamID(s llm.Stream) (string, bool) {
	type ider interface{ StreamID() string }
	if v, ok := s.(ider); ok && v.StreamID() != "" {
		return v.StreamID(), true
	}
	return "", false
}
