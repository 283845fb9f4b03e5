// Command damper sends a single prompt through the full resilience stack.
// It is mainly a smoke-testing harness: cache hits, retries, queueing, and
// stream recovery all behave exactly as they do for library callers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/damper-ai/damper/config"
	"github.com/damper-ai/damper/llm"
	"github.com/damper-ai/damper/logger"
	"github.com/damper-ai/damper/middleware"
	"github.com/damper-ai/damper/queue"
	"github.com/damper-ai/damper/transport/anthropic"
	"github.com/damper-ai/damper/transport/openai"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		provider   = flag.String("provider", "anthropic", "Provider to call (anthropic or openai)")
		model      = flag.String("model", "", "Model to use (required)")
		prompt     = flag.String("prompt", "", "Prompt text (required)")
		system     = flag.String("system", "", "Optional system prompt")
		stream     = flag.Bool("stream", false, "Stream the response")
		configPath = flag.String("config", "", "Path to YAML config file")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}
	if *model == "" || *prompt == "" {
		return fmt.Errorf("--model and --prompt are required")
	}

	log, err := logger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	base, err := buildTransport(*provider, log)
	if err != nil {
		return err
	}

	onComplete := func(entry *queue.Entry, result *queue.Result, err error) {
		if err != nil {
			log.Warn().Err(err).Str("queueID", entry.ID).Msg("Queued call failed")
			return
		}
		log.Info().Str("queueID", entry.ID).Msg("Queued call completed, result cached")
	}

	stack, err := middleware.New(cfg, base, onComplete, log)
	if err != nil {
		return fmt.Errorf("failed to assemble middleware stack: %w", err)
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stack.Start(ctx)

	req := &llm.Request{
		Provider: *provider,
		Model:    *model,
		System:   *system,
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, *prompt)},
	}

	if *stream {
		req.Operation = llm.OperationStream
		return streamOnce(ctx, stack, req)
	}
	req.Operation = llm.OperationGenerate
	return generateOnce(ctx, stack, req)
}

func buildTransport(provider string, log zerolog.Logger) (llm.Client, error) {
	switch provider {
	case "anthropic":
		return anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), log)
	case "openai":
		return openai.New(os.Getenv("OPENAI_API_KEY"), "", "", log)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func generateOnce(ctx context.Context, client llm.Client, req *llm.Request) error {
	resp, err := client.Generate(ctx, req)
	if llm.IsQueuedError(err) {
		fmt.Printf("Request deferred to the queue (id %s); it will be retried in the background.\n",
			llm.QueueIDOf(err))
		return nil
	}
	if err != nil {
		return err
	}
	for _, block := range resp.Content {
		if block.Type == llm.ContentBlockTypeText {
			fmt.Println(block.Text)
		}
	}
	return nil
}

func streamOnce(ctx context.Context, client llm.Client, req *llm.Request) error {
	stream, err := client.Stream(ctx, req)
	if llm.IsQueuedError(err) {
		fmt.Printf("Request deferred to the queue (id %s); it will be retried in the background.\n",
			llm.QueueIDOf(err))
		return nil
	}
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Next() {
		evt := stream.Event()
		if evt.Delta != nil && evt.Delta.Type == llm.StreamDeltaTypeText {
			fmt.Print(evt.Delta.Text)
		}
	}
	fmt.Println()
	return stream.Err()
}
