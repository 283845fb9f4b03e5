package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/samber/lo"
)

// canonicalMessage is the reduced projection of a Message used for hashing:
// role plus content, with volatile block fields dropped.
type canonicalMessage struct {
	Role    MessageRole      `json:"role"`
	Content []canonicalBlock `json:"content"`
}

type canonicalBlock struct {
	Type ContentBlockType `json:"type"`
	Text string           `json:"text,omitempty"`
	Tool string           `json:"tool,omitempty"`
}

// canonicalRequest is the deterministic projection of a Request. Fields are
// marshaled in struct order and map keys are sorted by encoding/json, so two
// requests with identical canonical content always produce identical bytes.
// Request.Metadata is deliberately absent.
type canonicalRequest struct {
	Operation   Operation              `json:"operation"`
	Provider    string                 `json:"provider"`
	Model       string                 `json:"model"`
	System      string                 `json:"system,omitempty"`
	Messages    []canonicalMessage     `json:"messages"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int64                  `json:"max_tokens,omitempty"`
	ToolChoice  string                 `json:"tool_choice,omitempty"`
	Tools       []string               `json:"tools,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// CanonicalKey returns the cache key for a request: the SHA-256 hex digest of
// its canonical JSON projection.
func CanonicalKey(req *Request) string {
	sum := sha256.Sum256(canonicalJSON(req))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders the canonical projection of a request.
func canonicalJSON(req *Request) []byte {
	tools := lo.Map(req.Tools, func(t ToolSpec, _ int) string {
		return t.Name
	})
	sort.Strings(tools)

	messages := lo.Map(req.Messages, func(m Message, _ int) canonicalMessage {
		return canonicalMessage{
			Role: m.Role,
			Content: lo.Map(m.Content, func(b ContentBlock, _ int) canonicalBlock {
				cb := canonicalBlock{Type: b.Type, Text: b.Text}
				if b.ToolUse != nil {
					cb.Tool = b.ToolUse.Name
				}
				if b.ToolResult != nil {
					cb.Text = b.ToolResult.Content
				}
				return cb
			}),
		}
	})

	proj := canonicalRequest{
		Operation:   req.Operation,
		Provider:    req.Provider,
		Model:       req.Model,
		System:      req.System,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ToolChoice:  req.ToolChoice,
		Tools:       tools,
		Options:     req.Options,
	}

	// Marshal cannot fail here: the projection contains only JSON-safe types
	// and any unmarshalable Options values were caller bugs to begin with.
	data, err := json.Marshal(proj)
	if err != nil {
		return []byte(req.Provider + "/" + req.Model)
	}
	return data
}
