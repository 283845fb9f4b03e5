// Package retry implements the retry decision engine: a pure mapping from
// (attempt, error, provider hint, explicit retry-after) to a tier, a delay,
// and a queue-or-not decision.
//
// The quick tier is an in-process loop of bounded waits; the long tier
// defers the call to the persistent request queue minutes ahead. The engine
// only decides; waiting, queueing, and cancellation are the middleware's
// job.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/damper-ai/damper/config"
	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/ratelimit"
)

// Tier classifies how a failed attempt should be retried.
type Tier string

const (
	// TierQuick retries in-process after a bounded delay.
	TierQuick Tier = "quick"
	// TierLong defers the call to the persistent request queue.
	TierLong Tier = "long"
	// TierFail gives up.
	TierFail Tier = "fail"
)

// Backoff multipliers per error class. Networks recover slower than rate
// limits, so connection-level failures back off more aggressively.
const (
	networkMultiplier   = 3.0
	rateLimitMultiplier = 2.5
	jitterFactor        = 0.2
)

// Decision is the engine's verdict for one failed attempt. It is produced
// fresh per failure and never persisted.
type Decision struct {
	Tier        Tier
	Delay       time.Duration
	Reason      string
	ShouldQueue bool
}

// Engine maps failures to retry decisions. It holds only configuration and
// an optional rate-limit tracker consulted for provider hints; Decide has no
// other state and no side effects.
type Engine struct {
	cfg          config.RetryConfig
	tracker      *ratelimit.Tracker
	networkCodes map[string]bool
}

// NewEngine creates an Engine from retry configuration. tracker may be nil.
func NewEngine(cfg config.RetryConfig, tracker *ratelimit.Tracker) *Engine {
	codes := make(map[string]bool, len(cfg.NetworkErrorCodes))
	for _, code := range cfg.NetworkErrorCodes {
		codes[code] = true
	}
	return &Engine{cfg: cfg, tracker: tracker, networkCodes: codes}
}

// Decide classifies a failed attempt. attempt is the zero-based retry index:
// the first failure of a call is attempt 0, and the quick tier is exhausted
// once attempt reaches QuickMaxRetries.
//
// explicitRetryAfter carries a wait the provider asked for (from headers);
// zero means none. When absent, a retry-after attached to the error itself
// or a tracked rate limit for the provider serves as the hint.
func (e *Engine) Decide(attempt int, err error, provider string, explicitRetryAfter time.Duration) Decision {
	// Terminal conditions first: running out of time or cancellation is not
	// an error class to retry, and auth failures are configuration problems.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Decision{Tier: TierFail, Reason: "deadline exceeded or cancelled"}
	}
	if llm.IsAuthError(err) {
		return Decision{Tier: TierFail, Reason: "authentication error"}
	}
	if t := llm.TypeOf(err); t == llm.ErrorTypeInvalidRequest || t == llm.ErrorTypeQueued || t == llm.ErrorTypeExpired {
		return Decision{Tier: TierFail, Reason: string(t)}
	}

	if wait := e.retryAfterHint(err, provider, explicitRetryAfter); wait > 0 && e.cfg.ShouldRespectRetryAfter() {
		return e.decideRetryAfter(attempt, wait)
	}

	switch e.classify(err) {
	case llm.ErrorTypeNetwork:
		return e.decideExponential(attempt, "network", networkMultiplier, 0)
	case llm.ErrorTypeRateLimit:
		return e.decideRateLimit(attempt)
	case llm.ErrorTypeServer:
		return e.decideExponential(attempt, "server", e.serverMultiplier(), jitterFactor)
	default:
		return e.decideUnknown(attempt)
	}
}

// retryAfterHint resolves the strongest available provider wait hint.
func (e *Engine) retryAfterHint(err error, provider string, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if ra := llm.ExtractRetryAfter(err); ra != nil && *ra > 0 {
		return *ra
	}
	if e.tracker != nil && llm.IsRateLimitError(err) {
		return e.tracker.Wait(provider)
	}
	return 0
}

// decideRetryAfter honors an explicit provider wait. Short waits stay in the
// quick tier while its attempt budget lasts; long waits, or a provider still
// asking for waits after the budget is spent, go to the queue with the hint
// as the queue delay.
func (e *Engine) decideRetryAfter(attempt int, wait time.Duration) Decision {
	if wait > e.quickMax() {
		return e.longTier(wait, fmt.Sprintf("provider requested %s wait", wait))
	}
	if attempt >= e.cfg.QuickMaxRetries {
		return e.longTier(wait, "retry-after honored beyond quick tier")
	}
	return Decision{
		Tier:   TierQuick,
		Delay:  wait,
		Reason: "honoring provider retry-after",
	}
}

// decideExponential handles the network and server classes: exponential
// quick-tier delays, escalating to the long tier with the delay doubled once
// quick attempts are exhausted.
func (e *Engine) decideExponential(attempt int, class string, multiplier, randomization float64) Decision {
	delay := e.delayFor(attempt, multiplier, randomization)
	if attempt >= e.cfg.QuickMaxRetries {
		return e.longTier(delay*2, class+" retries exhausted")
	}
	return Decision{
		Tier:   TierQuick,
		Delay:  delay,
		Reason: fmt.Sprintf("%s error, attempt %d", class, attempt),
	}
}

// decideRateLimit escalates as soon as the computed delay would exceed the
// quick-tier maximum, not only after attempt exhaustion: a throttled
// provider is better served by one deferred retry than by hammering.
func (e *Engine) decideRateLimit(attempt int) Decision {
	raw := e.rawDelay(attempt, rateLimitMultiplier)
	if raw > e.quickMax() || attempt >= e.cfg.QuickMaxRetries {
		return e.longTier(raw, "rate limited beyond quick tier")
	}
	return Decision{
		Tier:   TierQuick,
		Delay:  raw,
		Reason: fmt.Sprintf("rate limited, attempt %d", attempt),
	}
}

// decideUnknown keeps unclassified errors in the quick tier only. Unknown
// errors are not assumed retryable indefinitely and never reach the queue.
func (e *Engine) decideUnknown(attempt int) Decision {
	if attempt >= e.cfg.QuickMaxRetries {
		return Decision{Tier: TierFail, Reason: "unclassified error, retry budget exhausted"}
	}
	return Decision{
		Tier:   TierQuick,
		Delay:  e.delayFor(attempt, e.serverMultiplier(), jitterFactor),
		Reason: fmt.Sprintf("unclassified error, attempt %d", attempt),
	}
}

// longTier builds a long-tier decision, degrading to fail when queueing is
// disabled. Queue delays are clamped to the maximum queued duration.
func (e *Engine) longTier(delay time.Duration, reason string) Decision {
	if !e.cfg.IsLongRetryEnabled() {
		return Decision{Tier: TierFail, Reason: reason + " (long retry disabled)"}
	}
	if maxDelay := e.cfg.MaxLongRetryDuration.Std(); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return Decision{
		Tier:        TierLong,
		Delay:       delay,
		Reason:      reason,
		ShouldQueue: true,
	}
}

// classify resolves the error class, treating unclassified errors whose
// vendor code matches the configured transport codes as network failures.
func (e *Engine) classify(err error) llm.ErrorType {
	t := llm.TypeOf(err)
	if t == llm.ErrorTypeUnknown || t == llm.ErrorTypeNetwork {
		if e.networkCodes[llm.CodeOf(err)] {
			return llm.ErrorTypeNetwork
		}
	}
	if t == llm.ErrorTypeUnknown {
		if status := llm.StatusOf(err); status >= 500 && status < 600 {
			return llm.ErrorTypeServer
		}
	}
	return t
}

// delayFor derives the jittered delay for a zero-based attempt by stepping a
// fresh exponential backoff forward. MaxElapsedTime is disabled so stepping
// never returns Stop.
func (e *Engine) delayFor(attempt int, multiplier, randomization float64) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.quickInitial()
	eb.Multiplier = multiplier
	eb.RandomizationFactor = randomization
	eb.MaxInterval = e.quickMax()
	eb.MaxElapsedTime = 0
	eb.Reset()

	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = eb.NextBackOff()
	}
	// Randomization can overshoot MaxInterval by the jitter factor.
	if delay > e.quickMax() {
		delay = e.quickMax()
	}
	return delay
}

// rawDelay computes the unclamped exponential delay for an attempt.
func (e *Engine) rawDelay(attempt int, multiplier float64) time.Duration {
	return time.Duration(float64(e.quickInitial()) * math.Pow(multiplier, float64(attempt)))
}

func (e *Engine) serverMultiplier() float64 {
	if e.cfg.QuickBackoffMultiplier > 1 {
		return e.cfg.QuickBackoffMultiplier
	}
	return 2.0
}

func (e *Engine) quickInitial() time.Duration {
	if d := e.cfg.QuickInitialDelay.Std(); d > 0 {
		return d
	}
	return time.Second
}

func (e *Engine) quickMax() time.Duration {
	if d := e.cfg.QuickMaxDelay.Std(); d > 0 {
		return d
	}
	return 60 * time.Second
}
