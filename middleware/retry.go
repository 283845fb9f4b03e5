package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/config"
	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/queue"
	"github.com/damper-ai/damper/ratelimit"
	"github.com/damper-ai/damper/retry"
)

// Retry drives the quick-tier retry loop and hands calls that need a long
// wait to the persistent queue. Stream calls retry establishment only; once
// a stream is handed to the caller, a mid-stream failure is surfaced, not
// retried here.
type Retry struct {
	engine     *retry.Engine
	tracker    *ratelimit.Tracker
	queueStore *queue.Store
	cfg        config.RetryConfig
	logger     zerolog.Logger
}

// NewRetry creates a Retry interceptor. queueStore may be nil, in which
// case long-tier decisions degrade to failures.
func NewRetry(engine *retry.Engine, tracker *ratelimit.Tracker, queueStore *queue.Store, cfg config.RetryConfig, logger zerolog.Logger) *Retry {
	return &Retry{
		engine:     engine,
		tracker:    tracker,
		queueStore: queueStore,
		cfg:        cfg,
		logger:     logger.With().Str("component", "retryMiddleware").Logger(),
	}
}

// WrapGenerate implements Interceptor.
func (r *Retry) WrapGenerate(next llm.GenerateFunc) llm.GenerateFunc {
	return func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		var resp *llm.Response
		err := r.attempt(ctx, req, func(ctx context.Context) error {
			var callErr error
			resp, callErr = next(ctx, req)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// WrapStream implements Interceptor.
func (r *Retry) WrapStream(next llm.StreamFunc) llm.StreamFunc {
	return func(ctx context.Context, req *llm.Request) (llm.Stream, error) {
		var stream llm.Stream
		err := r.attempt(ctx, req, func(ctx context.Context) error {
			var callErr error
			stream, callErr = next(ctx, req)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
}

// attempt runs call under the retry policy: a known-limit pre-check, then
// the quick loop, then queue-or-fail.
func (r *Retry) attempt(ctx context.Context, req *llm.Request, call func(context.Context) error) error {
	if err := r.preempt(ctx, req); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		r.observeRateLimit(req.Provider, err)

		decision := r.engine.Decide(attempt, err, req.Provider, 0)
		switch decision.Tier {
		case retry.TierQuick:
			r.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", decision.Delay).
				Str("reason", decision.Reason).
				Msg("Retrying after delay")
			if waitErr := retry.Wait(ctx, decision.Delay); waitErr != nil {
				return err
			}
		case retry.TierLong:
			return r.enqueue(ctx, req, attempt, decision, err)
		default:
			return err
		}
	}
}

// preempt consults the rate-limit tracker before spending an attempt on a
// provider known to be throttled. A short remaining wait is absorbed here;
// a wait beyond the quick-tier maximum goes straight to the queue.
func (r *Retry) preempt(ctx context.Context, req *llm.Request) error {
	if r.tracker == nil {
		return nil
	}
	wait := r.tracker.Wait(req.Provider)
	if wait <= 0 {
		return nil
	}

	quickMax := r.cfg.QuickMaxDelay.Std()
	if quickMax > 0 && wait > quickMax {
		limitErr := llm.NewRateLimitError("provider rate limited", &wait, nil)
		decision := r.engine.Decide(0, limitErr, req.Provider, wait)
		if decision.ShouldQueue {
			return r.enqueue(ctx, req, 0, decision, limitErr)
		}
		return limitErr
	}

	r.logger.Debug().
		Str("provider", req.Provider).
		Dur("wait", wait).
		Msg("Waiting out known rate limit before call")
	return retry.Wait(ctx, wait)
}

// observeRateLimit records a provider's reset time from a 429 so later
// calls can pre-empt. The reset comes from the error's retry-after when
// present, otherwise from a heuristic scan of the message text.
func (r *Retry) observeRateLimit(provider string, err error) {
	if r.tracker == nil || !llm.IsRateLimitError(err) {
		return
	}
	if ra := llm.ExtractRetryAfter(err); ra != nil && *ra > 0 {
		r.tracker.RecordLimit(provider, time.Now().Add(*ra))
		return
	}
	if resetAt, ok := ratelimit.ResetFromMessage(err.Error()); ok {
		r.tracker.RecordLimit(provider, resetAt)
	}
}

// enqueue commits the call to the persistent queue and fails fast with a
// queued error carrying the entry id. A full or missing queue surfaces the
// original failure instead.
func (r *Retry) enqueue(ctx context.Context, req *llm.Request, attempt int, decision retry.Decision, cause error) error {
	if r.queueStore == nil || !decision.ShouldQueue {
		return cause
	}

	retryAt := time.Now().Add(decision.Delay)
	entry := &queue.Entry{
		Provider:  req.Provider,
		Operation: req.Operation,
		Request:   req.Clone(),
		Priority:  queue.PriorityNormal,
		RetryAt:   retryAt,
		LastError: queue.LastErrorFrom(cause),
	}
	id, err := r.queueStore.Enqueue(ctx, entry)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			r.logger.Warn().Msg("Queue full, surfacing original failure")
			return cause
		}
		r.logger.Warn().Err(err).Msg("Enqueue failed, surfacing original failure")
		return cause
	}

	r.logger.Info().
		Str("queueID", id).
		Time("retryAt", retryAt).
		Int("attempt", attempt).
		Str("reason", decision.Reason).
		Msg("Deferred call to persistent queue")
	return llm.NewQueuedError(id, retryAt, cause)
}
