package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/cache"
	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/retry"
)

// Result carries the outcome of a replayed call to a completion callback.
// Generate replays populate Response; stream replays populate Events.
type Result struct {
	Response *llm.Response
	Events   []*llm.StreamEvent
}

// CompletionCallback is invoked exactly once per entry when it leaves the
// queue: with a result on success, with the terminal error when the entry is
// dropped. Entries are never silently discarded.
type CompletionCallback func(entry *Entry, result *Result, err error)

// Processor replays due queue entries against the underlying client on a
// periodic schedule, independent of any caller's lifetime.
type Processor struct {
	store       *Store
	client      llm.Client
	engine      *retry.Engine
	cacheStore  *cache.Store // may be nil: write-through is optional
	schedule    Schedule
	onComplete  CompletionCallback
	maxAttempts int
	maxDuration time.Duration
	logger      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates a Processor. interval accepts anything ParseSchedule
// does. onComplete may be nil.
func NewProcessor(
	store *Store,
	client llm.Client,
	engine *retry.Engine,
	cacheStore *cache.Store,
	interval string,
	maxAttempts int,
	maxDuration time.Duration,
	onComplete CompletionCallback,
	logger zerolog.Logger,
) (*Processor, error) {
	sched, err := ParseSchedule(interval)
	if err != nil {
		return nil, err
	}
	return &Processor{
		store:       store,
		client:      client,
		engine:      engine,
		cacheStore:  cacheStore,
		schedule:    sched,
		onComplete:  onComplete,
		maxAttempts: maxAttempts,
		maxDuration: maxDuration,
		logger:      logger.With().Str("component", "queue_processor").Logger(),
	}, nil
}

// Start launches the background loop. It runs until the context is
// cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.logger.Info().Msg("Queue processor started")
		for {
			next := p.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info().Msg("Queue processor stopped")
				return
			case <-timer.C:
				p.ProcessDue(ctx)
			}
		}
	}()
}

// Stop shuts the background loop down and waits for it to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// ProcessDue replays every due entry once. Exported so owners can trigger a
// tick on demand (startup drain, tests).
func (p *Processor) ProcessDue(ctx context.Context) {
	now := time.Now()
	entries, err := p.store.Due(ctx, now)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to load due queue entries")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		p.processEntry(ctx, entry, now)
	}
}

func (p *Processor) processEntry(ctx context.Context, entry *Entry, now time.Time) {
	// Expiry first: a stale entry is dropped and reported, never retried.
	if p.expired(entry, now) {
		p.logger.Warn().
			Str("entry_id", entry.ID).
			Int("attempt", entry.Attempt).
			Time("enqueued_at", entry.EnqueuedAt).
			Msg("Queue entry exceeded retry budget; dropping")
		p.finish(ctx, entry, nil, llm.NewExpiredError("long retry budget exhausted", lastFailure(entry)))
		return
	}

	result, err := p.replay(ctx, entry)
	if err == nil {
		p.writeThrough(entry, result)
		p.finish(ctx, entry, result, nil)
		return
	}

	decision := p.engine.Decide(entry.Attempt, err, entry.Provider, 0)
	if decision.Tier == retry.TierFail {
		p.finish(ctx, entry, nil, err)
		return
	}

	retryAt := time.Now().Add(decision.Delay)
	if rescheduleErr := p.store.Reschedule(ctx, entry.ID, entry.Attempt+1, retryAt, LastErrorFrom(err)); rescheduleErr != nil {
		p.logger.Error().Err(rescheduleErr).Str("entry_id", entry.ID).Msg("Failed to reschedule queue entry")
		return
	}
	p.logger.Info().
		Str("entry_id", entry.ID).
		Int("attempt", entry.Attempt+1).
		Time("retry_at", retryAt).
		Str("reason", decision.Reason).
		Msg("Queue entry rescheduled")
}

// replay re-attempts the underlying call. Stream entries are consumed fully
// here; the recorded events land in the cache for the caller to replay.
func (p *Processor) replay(ctx context.Context, entry *Entry) (*Result, error) {
	if entry.Operation == llm.OperationStream {
		stream, err := p.client.Stream(ctx, entry.Request)
		if err != nil {
			return nil, err
		}
		defer stream.Close()

		var events []*llm.StreamEvent
		for stream.Next() {
			events = append(events, stream.Event())
		}
		if err := stream.Err(); err != nil {
			return nil, err
		}
		return &Result{Events: events}, nil
	}

	resp, err := p.client.Generate(ctx, entry.Request)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// writeThrough populates the cache exactly as a direct call's success would.
func (p *Processor) writeThrough(entry *Entry, result *Result) {
	if p.cacheStore == nil {
		return
	}
	key := llm.CanonicalKey(entry.Request)
	if result.Response != nil {
		p.cacheStore.Set(key, result.Response)
	}
	if result.Events != nil {
		p.cacheStore.SetStream(key, result.Events)
	}
}

// finish removes the entry and notifies the completion callback.
func (p *Processor) finish(ctx context.Context, entry *Entry, result *Result, err error) {
	if removeErr := p.store.Remove(ctx, entry.ID); removeErr != nil {
		p.logger.Error().Err(removeErr).Str("entry_id", entry.ID).Msg("Failed to remove queue entry")
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("Queue entry permanently failed")
	} else {
		p.logger.Info().Str("entry_id", entry.ID).Msg("Queue entry replayed successfully")
	}
	if p.onComplete != nil {
		p.onComplete(entry, result, err)
	}
}

func (p *Processor) expired(entry *Entry, now time.Time) bool {
	if p.maxAttempts > 0 && entry.Attempt >= p.maxAttempts {
		return true
	}
	if p.maxDuration > 0 && now.Sub(entry.EnqueuedAt) > p.maxDuration {
		return true
	}
	return false
}

// lastFailure rebuilds the last recorded provider failure, if any, so a drop
// surfaces it with its original classification intact.
func lastFailure(entry *Entry) error {
	if entry.LastError == nil {
		return nil
	}
	t := entry.LastError.Type
	if t == "" {
		t = llm.ErrorTypeUnknown
	}
	return &llm.Error{
		Type:       t,
		Message:    entry.LastError.Message,
		Code:       entry.LastError.Code,
		StatusCode: entry.LastError.StatusCode,
	}
}
