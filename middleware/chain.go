// Package middleware composes the damper resilience layers around an
// underlying llm.Client. Layers are interceptors over the two call shapes:
//
//  1. logging observes every call and its outcome
//  2. cache serves identical requests from disk
//  3. retry absorbs transient failures, deferring long waits to the queue
//  4. recovery mirrors stream chunks so interrupted streams can resume
//
// The assembly order is fixed. Logging sees every call including cache
// hits; the cache sits outside retry so a hit never spends retry budget;
// recovery sits innermost so only real provider streams are mirrored.
package middleware

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/cache"
	"github.com/damper-ai/damper/config"
	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/queue"
	"github.com/damper-ai/damper/ratelimit"
	"github.com/damper-ai/damper/retry"
	"github.com/damper-ai/damper/streamstate"
)

// Interceptor wraps one layer of behavior around the generate and stream
// call paths. Implementations must be safe for concurrent use.
type Interceptor interface {
	WrapGenerate(next llm.GenerateFunc) llm.GenerateFunc
	WrapStream(next llm.StreamFunc) llm.StreamFunc
}

// chained adapts composed call funcs back into an llm.Client.
type chained struct {
	generate llm.GenerateFunc
	stream   llm.StreamFunc
}

func (c *chained) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.generate(ctx, req)
}

func (c *chained) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	return c.stream(ctx, req)
}

// Chain composes interceptors around base. The first interceptor is the
// outermost layer on both call paths.
func Chain(base llm.Client, interceptors ...Interceptor) llm.Client {
	gen := llm.GenerateFunc(base.Generate)
	str := llm.StreamFunc(base.Stream)
	for i := len(interceptors) - 1; i >= 0; i-- {
		gen = interceptors[i].WrapGenerate(gen)
		str = interceptors[i].WrapStream(str)
	}
	return &chained{generate: gen, stream: str}
}

// Stack is the fully assembled middleware client plus the stateful
// collaborators it owns. Callers use it as an llm.Client and should call
// Start once to launch the queue processor and Close on shutdown.
type Stack struct {
	llm.Client

	Cache   *cache.Store
	Tracker *ratelimit.Tracker
	Queue   *queue.Store
	Streams *streamstate.Store

	processor *queue.Processor
}

// New assembles the full stack around base. The layer order is fixed:
// logging, cache, retry, stream recovery, then base. Disabled layers are
// skipped but the order of the remaining ones never changes.
//
// onComplete, which may be nil, is invoked for every queued entry that
// finishes (successfully or not) during background processing.
func New(cfg *config.Config, base llm.Client, onComplete queue.CompletionCallback, logger zerolog.Logger) (*Stack, error) {
	tracker := ratelimit.NewPersistentTracker(
		filepath.Join(cfg.Queue.Directory, "ratelimits.json"), logger)

	queueStore, err := queue.Open(cfg.Queue.Directory, cfg.Queue.MaxQueueSize, logger)
	if err != nil {
		return nil, err
	}

	engine := retry.NewEngine(cfg.Retry, tracker)

	var cacheStore *cache.Store
	if cfg.Cache.IsEnabled() {
		cacheStore = cache.New(cfg.Cache.Directory, cfg.Cache.TTL.Std(), cfg.Cache.MaxEntries, logger)
	}

	var streams *streamstate.Store
	if cfg.StreamRecovery.IsEnabled() {
		streams = streamstate.New(cfg.StreamRecovery.Directory,
			cfg.StreamRecovery.FlushEveryNChunks, cfg.StreamRecovery.MaxAge.Std(), logger)
	}

	processor, err := queue.NewProcessor(queueStore, base, engine, cacheStore,
		cfg.Queue.ProcessorInterval, cfg.Retry.MaxLongRetries,
		cfg.Retry.MaxLongRetryDuration.Std(), onComplete, logger)
	if err != nil {
		_ = queueStore.Close()
		return nil, err
	}

	interceptors := []Interceptor{NewLogging(logger)}
	if cacheStore != nil {
		interceptors = append(interceptors, NewCache(cacheStore, logger))
	}
	interceptors = append(interceptors, NewRetry(engine, tracker, queueStore, cfg.Retry, logger))
	if streams != nil {
		interceptors = append(interceptors, NewRecovery(streams, logger))
	}

	return &Stack{
		Client:    Chain(base, interceptors...),
		Cache:     cacheStore,
		Tracker:   tracker,
		Queue:     queueStore,
		Streams:   streams,
		processor: processor,
	}, nil
}

// Start launches the background queue processor.
func (s *Stack) Start(ctx context.Context) {
	s.processor.Start(ctx)
}

// Close stops the processor and releases the queue database. The stack
// must not be used after Close.
func (s *Stack) Close() error {
	s.processor.Stop()
	if s.Streams != nil {
		s.Streams.Sweep()
	}
	return s.Queue.Close()
}

// ResumeStream replays the mirrored chunks of a previously interrupted
// stream. It returns false when no durable state exists for the id or the
// state has aged out.
func (s *Stack) ResumeStream(id string) (llm.Stream, bool) {
	if s.Streams == nil {
		return nil, false
	}
	return s.Streams.Resume(id)
}
