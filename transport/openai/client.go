// Package openai adapts the OpenAI chat completions API to the llm.Client
// interface, mapping API failures onto the middleware error taxonomy.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/damper-ai/damper/llm"
)

// Client implements llm.Client against the chat completions API.
type Client struct {
	client *openai.Client
	logger zerolog.Logger
}

// New creates a Client. baseURL and organization are optional.
func New(apiKey, baseURL, organization string, logger zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if organization != "" {
		cfg.OrgID = organization
	}

	return &Client{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With().Str("component", "openaiTransport").Logger(),
	}, nil
}

// Generate implements llm.Client.Generate.
func (c *Client) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	chatResp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapError(err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, llm.NewServerError("openai: response contained no choices", 0, nil)
	}

	choice := chatResp.Choices[0]
	content := make([]llm.ContentBlock, 0, 1+len(choice.Message.ToolCalls))
	if choice.Message.Content != "" {
		content = append(content, llm.ContentBlock{
			Type: llm.ContentBlockTypeText,
			Text: choice.Message.Content,
		})
	}
	for _, call := range choice.Message.ToolCalls {
		content = append(content, llm.ContentBlock{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: fromToolCall(call),
		})
	}

	return &llm.Response{
		Content: content,
		Usage: &llm.Usage{
			InputTokens:  int64(chatResp.Usage.PromptTokens),
			OutputTokens: int64(chatResp.Usage.CompletionTokens),
		},
		StopReason: stopReasonOf(choice.FinishReason),
	}, nil
}

// Stream implements llm.Client.Stream.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	chatReq, err := buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, mapError(err)
	}
	return newChatStream(stream), nil
}

// buildRequest maps a provider-neutral request onto a chat completion
// request. The system prompt becomes a leading system-role message.
func buildRequest(req *llm.Request, stream bool) (openai.ChatCompletionRequest, error) {
	if req == nil {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError("request is required", nil)
	}
	if req.Model == "" {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError("model is required", nil)
	}

	msgs, err := toChatMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, llm.NewInvalidRequestError(err.Error(), err)
	}
	if req.System != "" {
		msgs = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		}}, msgs...)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toTools(req.Tools)
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		chatReq.ToolChoice = choice
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	return chatReq, nil
}

func toChatMessages(msgs []llm.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		role := openai.ChatMessageRoleUser
		if msg.Role == llm.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		out := openai.ChatCompletionMessage{Role: role}
		for _, block := range msg.Content {
			switch block.Type {
			case llm.ContentBlockTypeText:
				out.Content += block.Text
			case llm.ContentBlockTypeToolUse:
				if block.ToolUse == nil {
					continue
				}
				args, err := json.Marshal(block.ToolUse.Input)
				if err != nil {
					return nil, fmt.Errorf("marshal tool input: %w", err)
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   block.ToolUse.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.ToolUse.Name,
						Arguments: string(args),
					},
				})
			case llm.ContentBlockTypeToolResult:
				if block.ToolResult == nil {
					continue
				}
				// Tool results are their own message in the chat format.
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.ToolResult.Content,
					ToolCallID: block.ToolResult.ID,
				})
				continue
			default:
				return nil, fmt.Errorf("unsupported content block type %q", block.Type)
			}
		}
		if out.Content != "" || len(out.ToolCalls) > 0 {
			result = append(result, out)
		}
	}
	return result, nil
}

func toTools(specs []llm.ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params := map[string]interface{}{
			"type":       "object",
			"properties": spec.Schema.Properties,
		}
		if len(spec.Schema.Required) > 0 {
			params["required"] = spec.Schema.Required
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func fromToolCall(call openai.ToolCall) *llm.ToolUseBlock {
	input := make(map[string]interface{})
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
			input = make(map[string]interface{})
		}
	}
	return &llm.ToolUseBlock{
		ID:    call.ID,
		Name:  call.Function.Name,
		Input: input,
	}
}

func stopReasonOf(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonToolCalls:
		return "tool_calls"
	default:
		return "stop"
	}
}
