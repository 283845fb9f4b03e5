// Package anthropic adapts Anthropic's Messages API to the llm.Client
// interface, mapping SDK failures onto the middleware error taxonomy.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/damper-ai/damper/llm"
)

// Anthropic requires max_tokens on every call.
const defaultMaxTokens = 4096

// Client implements llm.Client against the Anthropic Messages API.
type Client struct {
	client *anthropic.Client
	logger zerolog.Logger
}

// New creates a Client with the given API key.
func New(apiKey string, logger zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		client: &client,
		logger: logger.With().Str("component", "anthropicTransport").Logger(),
	}, nil
}

// Generate implements llm.Client.Generate.
func (c *Client) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}

	content := make([]llm.ContentBlock, 0, len(message.Content))
	for _, blockUnion := range message.Content {
		switch block := blockUnion.AsAny().(type) {
		case anthropic.TextBlock:
			content = append(content, llm.ContentBlock{
				Type: llm.ContentBlockTypeText,
				Text: block.Text,
			})
		case anthropic.ToolUseBlock:
			content = append(content, llm.ContentBlock{
				Type: llm.ContentBlockTypeToolUse,
				ToolUse: &llm.ToolUseBlock{
					ID:    block.ID,
					Name:  block.Name,
					Input: decodeToolInput(block.Input),
				},
			})
		}
	}

	return &llm.Response{
		Content: content,
		Usage: &llm.Usage{
			InputTokens:              message.Usage.InputTokens,
			OutputTokens:             message.Usage.OutputTokens,
			CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
		},
		StopReason: string(message.StopReason),
	}, nil
}

// Stream implements llm.Client.Stream. Events are converted lazily as the
// caller reads; an establishment failure surfaces on the first Next.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	sse := c.client.Messages.NewStreaming(ctx, params)
	if err := sse.Err(); err != nil {
		_ = sse.Close()
		return nil, mapError(err)
	}
	return newEventStream(sse), nil
}

// buildParams maps a provider-neutral request onto Messages API params.
func buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, llm.NewInvalidRequestError("request is required", nil)
	}
	if req.Model == "" {
		return anthropic.MessageNewParams{}, llm.NewInvalidRequestError("model is required", nil)
	}

	msgs, err := toMessageParams(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, llm.NewInvalidRequestError(err.Error(), err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
		Tools:     toToolParams(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params, nil
}

func toMessageParams(msgs []llm.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case llm.ContentBlockTypeText:
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			case llm.ContentBlockTypeToolUse:
				if block.ToolUse != nil {
					blocks = append(blocks, anthropic.NewToolUseBlock(
						block.ToolUse.ID, block.ToolUse.Input, block.ToolUse.Name))
				}
			case llm.ContentBlockTypeToolResult:
				if block.ToolResult != nil {
					blocks = append(blocks, anthropic.NewToolResultBlock(
						block.ToolResult.ID, block.ToolResult.Content, block.ToolResult.IsError))
				}
			default:
				return nil, fmt.Errorf("unsupported content block type %q", block.Type)
			}
		}

		switch msg.Role {
		case llm.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		default:
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result, nil
}

func toToolParams(specs []llm.ToolSpec) []anthropic.ToolUnionParam {
	return lo.Map(specs, func(spec llm.ToolSpec, _ int) anthropic.ToolUnionParam {
		return anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:        "object",
				Properties:  spec.Schema.Properties,
				Required:    spec.Schema.Required,
				ExtraFields: spec.Schema.ExtraFields,
			},
		}}
	})
}

func decodeToolInput(raw interface{}) map[string]interface{} {
	input := make(map[string]interface{})
	if raw == nil {
		return input
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return input
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return make(map[string]interface{})
	}
	return input
}
