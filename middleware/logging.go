package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/llm"
)

// Logging is the outermost interceptor: it observes every call, including
// ones served from the cache, and logs duration and outcome.
type Logging struct {
	logger zerolog.Logger
}

// NewLogging creates a Logging interceptor.
func NewLogging(logger zerolog.Logger) *Logging {
	return &Logging{logger: logger.With().Str("component", "llmMiddleware").Logger()}
}

// WrapGenerate implements Interceptor.
func (l *Logging) WrapGenerate(next llm.GenerateFunc) llm.GenerateFunc {
	return func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		evt := l.outcome(err).
			Str("operation", string(llm.OperationGenerate)).
			Str("provider", req.Provider).
			Str("model", req.Model).
			Dur("duration", time.Since(start))
		if err != nil {
			evt.Err(err).Msg("Generate failed")
			return nil, err
		}
		if resp.Usage != nil && resp.Usage.OutputTokens > 0 {
			evt = evt.Int64("outputTokens", resp.Usage.OutputTokens)
		}
		evt.Msg("Generate completed")
		return resp, nil
	}
}

// WrapStream implements Interceptor. Establishment is timed here; chunk
// delivery happens after this layer returns and is not observed.
func (l *Logging) WrapStream(next llm.StreamFunc) llm.StreamFunc {
	return func(ctx context.Context, req *llm.Request) (llm.Stream, error) {
		start := time.Now()
		stream, err := next(ctx, req)
		evt := l.outcome(err).
			Str("operation", string(llm.OperationStream)).
			Str("provider", req.Provider).
			Str("model", req.Model).
			Dur("duration", time.Since(start))
		if err != nil {
			evt.Err(err).Msg("Stream failed to establish")
			return nil, err
		}
		evt.Msg("Stream established")
		return stream, nil
	}
}

// outcome picks the log level for a finished call. Queued is not a failure
// from the middleware's point of view.
func (l *Logging) outcome(err error) *zerolog.Event {
	switch {
	case err == nil:
		return l.logger.Debug()
	case llm.IsQueuedError(err):
		return l.logger.Info()
	default:
		return l.logger.Warn()
	}
}
