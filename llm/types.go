package llm

import (
	"encoding/json"
)

// Operation identifies the call shape of a request.
type Operation string

const (
	OperationGenerate Operation = "generate"
	OperationStream   Operation = "stream"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message represents a single message in a conversation.
// This is provider-neutral and can represent user, assistant, or system messages.
type Message struct {
	Role    MessageRole    `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock represents a single content block within a message.
type ContentBlock struct {
	Type       ContentBlockType `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

// ContentBlockType represents the type of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ToolUseBlock represents a tool invocation request from the assistant.
type ToolUseBlock struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResultBlock represents the result of a tool invocation.
type ToolResultBlock struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolSpec represents a tool definition that can be provided to an LLM.
// Only the name participates in request canonicalization; schemas are
// provider plumbing.
type ToolSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Schema      ToolSchema `json:"schema,omitempty"`
}

// ToolSchema represents the JSON schema for a tool's input parameters.
type ToolSchema struct {
	Type        string                 `json:"type,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	ExtraFields map[string]interface{} `json:"extra_fields,omitempty"`
}

// Request represents a complete LLM API request.
//
// Provider and Operation identify the endpoint; the remaining fields are the
// canonicalizable parameters. Metadata carries volatile, per-invocation data
// (request ids, client timestamps) and is excluded from canonicalization.
type Request struct {
	Provider    string                 `json:"provider"`
	Operation   Operation              `json:"operation"`
	Model       string                 `json:"model"`
	Messages    []Message              `json:"messages"`
	System      string                 `json:"system,omitempty"`
	Tools       []ToolSpec             `json:"tools,omitempty"`
	MaxTokens   int64                  `json:"max_tokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	ToolChoice  string                 `json:"tool_choice,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a shallow copy of the request with its message slice copied,
// so middleware can adjust fields without aliasing the caller's slice.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// Response represents a complete LLM API response.
type Response struct {
	Content    []ContentBlock `json:"content"`
	Usage      *Usage         `json:"usage,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamDelta represents a single delta in a streaming response.
type StreamDelta struct {
	Type      StreamDeltaType `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolUse   *ToolUseBlock   `json:"tool_use,omitempty"`
	ToolInput string          `json:"tool_input,omitempty"`
}

// StreamDeltaType represents the type of streaming delta.
type StreamDeltaType string

const (
	StreamDeltaTypeText      StreamDeltaType = "text"
	StreamDeltaTypeToolUse   StreamDeltaType = "tool_use"
	StreamDeltaTypeToolInput StreamDeltaType = "tool_input"
)

// StreamEvent represents a complete streaming event.
type StreamEvent struct {
	Type  StreamEventType `json:"type"`
	Delta *StreamDelta    `json:"delta,omitempty"`
	Usage *Usage          `json:"usage,omitempty"`
	Done  bool            `json:"done,omitempty"`
}

// StreamEventType represents the type of streaming event.
type StreamEventType string

const (
	StreamEventTypeStart        StreamEventType = "start"
	StreamEventTypeContentBlock StreamEventType = "content_block"
	StreamEventTypeContentDelta StreamEventType = "content_delta"
	StreamEventTypeMessageDelta StreamEventType = "message_delta"
	StreamEventTypeStop         StreamEventType = "stop"
)

// NewTextMessage creates a new message with a single text content block.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role: role,
		Content: []ContentBlock{
			{
				Type: ContentBlockTypeText,
				Text: text,
			},
		},
	}
}

// NewTextResponse creates a response with a single text content block.
func NewTextResponse(text string) *Response {
	return &Response{
		Content: []ContentBlock{
			{
				Type: ContentBlockTypeText,
				Text: text,
			},
		},
	}
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
