package middleware

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/cache"
	"github.com/damper-ai/damper/llm"
)

// Cache serves repeated identical requests from the on-disk store. Requests
// are keyed by their canonical hash, so cosmetic differences (metadata, map
// ordering) share an entry while any parameter change misses.
//
// Streams are cached as recorded event sequences: a hit replays the events,
// a miss records them as they pass through and writes the entry only when
// the provider stream completed cleanly. There is no single-flight
// coalescing; concurrent identical misses each go upstream and the last
// completion wins the write.
type Cache struct {
	store  *cache.Store
	logger zerolog.Logger
}

// NewCache creates a Cache interceptor over the given store.
func NewCache(store *cache.Store, logger zerolog.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: logger.With().Str("component", "cacheMiddleware").Logger(),
	}
}

// WrapGenerate implements Interceptor.
func (c *Cache) WrapGenerate(next llm.GenerateFunc) llm.GenerateFunc {
	return func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		key := llm.CanonicalKey(req)
		if resp, ok := c.store.Get(key); ok {
			c.logger.Debug().Str("key", key).Msg("Cache hit")
			return resp, nil
		}

		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, resp)
		return resp, nil
	}
}

// WrapStream implements Interceptor.
func (c *Cache) WrapStream(next llm.StreamFunc) llm.StreamFunc {
	return func(ctx context.Context, req *llm.Request) (llm.Stream, error) {
		key := llm.CanonicalKey(req)
		if events, ok := c.store.GetStream(key); ok {
			c.logger.Debug().Str("key", key).Int("events", len(events)).Msg("Stream cache hit")
			return llm.NewReplayStream(events), nil
		}

		stream, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		return &recordingStream{Stream: stream, store: c.store, key: key}, nil
	}
}

// recordingStream passes events through while accumulating them, writing
// the cache entry on clean completion. A stream that ends with an error or
// is closed early leaves no entry.
type recordingStream struct {
	llm.Stream
	store  *cache.Store
	key    string
	events []*llm.StreamEvent
	done   bool
}

// StreamID exposes the wrapped stream's recovery id, when it has one.
func (r *recordingStream) StreamID() string {
	if id, ok := StreamID(r.Stream); ok {
		return id
	}
	return ""
}

func (r *recordingStream) Next() bool {
	if r.Stream.Next() {
		r.events = append(r.events, r.Stream.Event())
		return true
	}
	if r.Stream.Err() == nil && !r.done {
		r.done = true
		r.store.SetStream(r.key, r.events)
	}
	return false
}
