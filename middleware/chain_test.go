package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/config"
	"github.com/damper-ai/damper/llm"
)

// fakeClient scripts call outcomes and counts attempts.
type fakeClient struct {
	mu          sync.Mutex
	generates   int
	streams     int
	errs        []error // consumed per Generate/Stream call; nil entry = success
	streamSlice []*llm.StreamEvent
}

func (f *fakeClient) nextErr(call int) error {
	if call < len(f.errs) {
		return f.errs[call]
	}
	return nil
}

func (f *fakeClient) Generate(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.generates
	f.generates++
	if err := f.nextErr(call); err != nil {
		return nil, err
	}
	return llm.NewTextResponse("hello"), nil
}

func (f *fakeClient) Stream(_ context.Context, _ *llm.Request) (llm.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.streams
	f.streams++
	if err := f.nextErr(call); err != nil {
		return nil, err
	}
	events := f.streamSlice
	if events == nil {
		events = []*llm.StreamEvent{
			{Type: llm.StreamEventTypeStart},
			{Type: llm.StreamEventTypeContentDelta, Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: "hi"}},
			{Type: llm.StreamEventTypeStop, Done: true},
		}
	}
	return llm.NewReplayStream(events), nil
}

func (f *fakeClient) generateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generates
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Directory = t.TempDir()
	cfg.Queue.Directory = t.TempDir()
	cfg.StreamRecovery.Directory = t.TempDir()
	// Keep test waits in the millisecond range.
	cfg.Retry.QuickInitialDelay = config.Duration(time.Millisecond)
	cfg.Retry.QuickMaxDelay = config.Duration(50 * time.Millisecond)
	cfg.Queue.ProcessorInterval = "@every 1h"
	return cfg
}

func newStack(t *testing.T, cfg *config.Config, base llm.Client) *Stack {
	t.Helper()
	stack, err := New(cfg, base, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = stack.Close() })
	return stack
}

func testRequest(text string) *llm.Request {
	return &llm.Request{
		Provider:  "anthropic",
		Operation: llm.OperationGenerate,
		Model:     "claude-sonnet-4-20250514",
		Messages:  []llm.Message{llm.NewTextMessage(llm.RoleUser, text)},
	}
}

func drain(t *testing.T, s llm.Stream) []*llm.StreamEvent {
	t.Helper()
	var events []*llm.StreamEvent
	for s.Next() {
		events = append(events, s.Event())
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	return events
}

// tagInterceptor records the order in which layers run.
type tagInterceptor struct {
	tag   string
	order *[]string
}

func (i *tagInterceptor) WrapGenerate(next llm.GenerateFunc) llm.GenerateFunc {
	return func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		*i.order = append(*i.order, i.tag)
		return next(ctx, req)
	}
}

func (i *tagInterceptor) WrapStream(next llm.StreamFunc) llm.StreamFunc {
	return func(ctx context.Context, req *llm.Request) (llm.Stream, error) {
		*i.order = append(*i.order, i.tag)
		return next(ctx, req)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	client := Chain(&fakeClient{},
		&tagInterceptor{tag: "outer", order: &order},
		&tagInterceptor{tag: "inner", order: &order},
	)

	if _, err := client.Generate(context.Background(), testRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("Expected [outer inner], got %v", order)
	}
}

func TestStackCachesGenerate(t *testing.T) {
	base := &fakeClient{}
	stack := newStack(t, testConfig(t), base)
	ctx := context.Background()

	req := testRequest("cache me")
	first, err := stack.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := stack.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if base.generateCalls() != 1 {
		t.Errorf("Second identical call should hit the cache, base saw %d calls", base.generateCalls())
	}
	if first.Content[0].Text != second.Content[0].Text {
		t.Error("Cached response should match the original")
	}
}

func TestStackRetriesTransientFailure(t *testing.T) {
	base := &fakeClient{errs: []error{
		llm.NewServerError("overloaded", 529, nil),
		llm.NewNetworkError("reset", "ECONNRESET", nil),
	}}
	stack := newStack(t, testConfig(t), base)

	resp, err := stack.Generate(context.Background(), testRequest("flaky"))
	if err != nil {
		t.Fatalf("Expected recovery after quick retries, got %v", err)
	}
	if resp == nil || base.generateCalls() != 3 {
		t.Errorf("Expected 3 attempts (2 failures + success), got %d", base.generateCalls())
	}
}

func TestStackEscalatesToQueueAfterQuickTier(t *testing.T) {
	serverErr := llm.NewServerError("down", 503, nil)
	base := &fakeClient{errs: []error{serverErr, serverErr, serverErr, serverErr, serverErr}}
	cfg := testConfig(t)
	cfg.Retry.QuickMaxRetries = 3
	stack := newStack(t, cfg, base)
	ctx := context.Background()

	_, err := stack.Generate(ctx, testRequest("always failing"))
	if !llm.IsQueuedError(err) {
		t.Fatalf("Expected queued error after quick tier exhaustion, got %v", err)
	}

	// Initial attempt + 3 quick retries, then the 4th decision queues.
	if base.generateCalls() != 4 {
		t.Errorf("Expected 4 attempts before queueing, got %d", base.generateCalls())
	}

	id := llm.QueueIDOf(err)
	if id == "" {
		t.Fatal("Queued error must carry the queue entry id")
	}
	entry, ok, storeErr := stack.Queue.Get(ctx, id)
	if storeErr != nil || !ok {
		t.Fatal("Queued entry should be durably stored")
	}
	if entry.LastError == nil || entry.LastError.StatusCode != 503 {
		t.Error("Entry should carry the causing failure")
	}
}

func TestStackFailsFastOnAuthError(t *testing.T) {
	base := &fakeClient{errs: []error{llm.NewAuthError("bad key", 401, nil)}}
	stack := newStack(t, testConfig(t), base)

	_, err := stack.Generate(context.Background(), testRequest("nope"))
	if !llm.IsAuthError(err) {
		t.Fatalf("Expected auth error surfaced unchanged, got %v", err)
	}
	if base.generateCalls() != 1 {
		t.Errorf("Auth errors must not be retried, got %d attempts", base.generateCalls())
	}
}

func TestStackHonorsRetryAfter(t *testing.T) {
	wait := 30 * time.Millisecond
	base := &fakeClient{errs: []error{llm.NewRateLimitError("slow down", &wait, nil)}}
	stack := newStack(t, testConfig(t), base)

	start := time.Now()
	_, err := stack.Generate(context.Background(), testRequest("throttled"))
	if err != nil {
		t.Fatalf("Expected success after waiting out retry-after, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < wait {
		t.Errorf("Call should have waited at least %s, returned after %s", wait, elapsed)
	}
	if base.generateCalls() != 2 {
		t.Errorf("Expected exactly one retry, got %d attempts", base.generateCalls())
	}
}

func TestStackQueuesPersistentRateLimitWithShortHints(t *testing.T) {
	hint := time.Millisecond
	errs := make([]error, 50)
	for i := range errs {
		errs[i] = llm.NewRateLimitError("slow down", &hint, nil)
	}
	base := &fakeClient{errs: errs}
	cfg := testConfig(t)
	cfg.Retry.QuickMaxRetries = 3
	stack := newStack(t, cfg, base)

	// A provider that rate-limits every attempt with a tiny retry-after must
	// not keep the in-process loop alive; the quick budget still applies.
	_, err := stack.Generate(context.Background(), testRequest("throttled forever"))
	if !llm.IsQueuedError(err) {
		t.Fatalf("Expected queueing once the quick tier is spent, got %v", err)
	}
	if base.generateCalls() != 4 {
		t.Errorf("Expected 4 attempts before queueing, got %d", base.generateCalls())
	}
}

func TestStackPreemptsKnownRateLimit(t *testing.T) {
	base := &fakeClient{}
	stack := newStack(t, testConfig(t), base)

	// A reset far beyond the quick tier defers the call without attempting.
	stack.Tracker.RecordLimit("anthropic", time.Now().Add(10*time.Minute))

	_, err := stack.Generate(context.Background(), testRequest("preempted"))
	if !llm.IsQueuedError(err) {
		t.Fatalf("Expected immediate queueing for a known long rate limit, got %v", err)
	}
	if base.generateCalls() != 0 {
		t.Errorf("No attempt should reach the provider, got %d", base.generateCalls())
	}
}

func TestStackCancellationAbortsRetryLoop(t *testing.T) {
	serverErr := llm.NewServerError("down", 503, nil)
	base := &fakeClient{errs: []error{serverErr, serverErr, serverErr, serverErr}}
	cfg := testConfig(t)
	cfg.Retry.QuickInitialDelay = config.Duration(time.Hour)
	cfg.Retry.QuickMaxDelay = config.Duration(time.Hour)
	stack := newStack(t, cfg, base)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := stack.Generate(ctx, testRequest("cancelled mid-wait"))
	if err == nil {
		t.Fatal("Expected failure after cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Cancellation should abort the retry wait promptly")
	}
	if base.generateCalls() != 1 {
		t.Errorf("No further attempts after cancel, got %d", base.generateCalls())
	}
}

func TestStackStreamReplayFromCache(t *testing.T) {
	base := &fakeClient{}
	stack := newStack(t, testConfig(t), base)
	ctx := context.Background()

	req := testRequest("stream twice")
	req.Operation = llm.OperationStream

	first, err := stack.Stream(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	firstEvents := drain(t, first)

	second, err := stack.Stream(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	secondEvents := drain(t, second)

	if base.streams != 1 {
		t.Errorf("Second stream should replay from cache, base saw %d calls", base.streams)
	}
	if len(firstEvents) != len(secondEvents) {
		t.Errorf("Replay should deliver all %d events, got %d", len(firstEvents), len(secondEvents))
	}
}

func TestStackStreamMirroredAndResumable(t *testing.T) {
	base := &fakeClient{}
	cfg := testConfig(t)
	cfg.StreamRecovery.FlushEveryNChunks = 1
	stack := newStack(t, cfg, base)
	ctx := context.Background()

	req := testRequest("interrupt me")
	req.Operation = llm.OperationStream
	req.Metadata = map[string]interface{}{MetadataStreamID: "stream-1"}

	stream, err := stack.Stream(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	// Read two events, then abandon the stream.
	for i := 0; i < 2; i++ {
		if !stream.Next() {
			t.Fatal("Expected more events")
		}
	}
	_ = stream.Close()

	resumed, ok := stack.ResumeStream("stream-1")
	if !ok {
		t.Fatal("Interrupted stream should be resumable")
	}
	var replayed int
	for resumed.Next() {
		replayed++
	}
	if replayed != 2 {
		t.Errorf("Resume should replay the 2 mirrored chunks, got %d", replayed)
	}

	st, ok := stack.Streams.Get("stream-1")
	if !ok || !st.Aborted {
		t.Error("Abandoned stream should be marked aborted")
	}
}

func TestStackStreamIDExposed(t *testing.T) {
	stack := newStack(t, testConfig(t), &fakeClient{})

	req := testRequest("who am i")
	req.Operation = llm.OperationStream

	stream, err := stack.Stream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if id, ok := StreamID(stream); !ok || id == "" {
		t.Error("Live streams should expose their recovery id")
	}
}

func TestStackCacheDisabled(t *testing.T) {
	base := &fakeClient{}
	cfg := testConfig(t)
	disabled := false
	cfg.Cache.Enabled = &disabled
	stack := newStack(t, cfg, base)
	ctx := context.Background()

	req := testRequest("no cache")
	_, _ = stack.Generate(ctx, req)
	_, _ = stack.Generate(ctx, req)

	if base.generateCalls() != 2 {
		t.Errorf("With caching off every call reaches the base, got %d", base.generateCalls())
	}
}
