package openai

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/damper-ai/damper/llm"
)

// chatStream converts chat completion chunks to llm.StreamEvents as the
// caller pulls them. One chunk can expand to several events, so converted
// events are staged in a pending buffer.
type chatStream struct {
	stream  *openai.ChatCompletionStream
	pending []*llm.StreamEvent
	event   *llm.StreamEvent
	err     error
	stopped bool

	currentTool *llm.ToolUseBlock
	toolInput   strings.Builder
	usage       *llm.Usage
}

func newChatStream(stream *openai.ChatCompletionStream) *chatStream {
	return &chatStream{
		stream:  stream,
		pending: []*llm.StreamEvent{{Type: llm.StreamEventTypeStart}},
	}
}

// Next implements llm.Stream.Next.
func (s *chatStream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.event = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.stopped || s.err != nil {
			return false
		}

		chunk, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = mapError(err)
			}
			s.stopped = true
			continue
		}
		s.convert(chunk)
	}
}

// Event implements llm.Stream.Event.
func (s *chatStream) Event() *llm.StreamEvent { return s.event }

// Err implements llm.Stream.Err.
func (s *chatStream) Err() error { return s.err }

// Close implements llm.Stream.Close.
func (s *chatStream) Close() error {
	s.stopped = true
	return s.stream.Close()
}

// convert maps one chunk onto zero or more llm events.
func (s *chatStream) convert(chunk openai.ChatCompletionStreamResponse) {
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		s.usage = &llm.Usage{
			InputTokens:  int64(chunk.Usage.PromptTokens),
			OutputTokens: int64(chunk.Usage.CompletionTokens),
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.emit(&llm.StreamEvent{
			Type:  llm.StreamEventTypeContentDelta,
			Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: choice.Delta.Content},
		})
	}

	for _, call := range choice.Delta.ToolCalls {
		if call.ID != "" && (s.currentTool == nil || s.currentTool.ID != call.ID) {
			s.finishTool()
			s.currentTool = &llm.ToolUseBlock{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: make(map[string]interface{}),
			}
			s.emit(&llm.StreamEvent{
				Type:  llm.StreamEventTypeContentBlock,
				Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeToolUse, ToolUse: s.currentTool},
			})
		}
		if call.Function.Arguments != "" {
			s.toolInput.WriteString(call.Function.Arguments)
			s.emit(&llm.StreamEvent{
				Type:  llm.StreamEventTypeContentDelta,
				Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeToolInput, ToolInput: call.Function.Arguments},
			})
		}
	}

	if choice.FinishReason != "" {
		s.finishTool()
		s.emit(&llm.StreamEvent{Type: llm.StreamEventTypeMessageDelta, Usage: s.usage})
		s.emit(&llm.StreamEvent{Type: llm.StreamEventTypeStop, Usage: s.usage, Done: true})
		s.stopped = true
	}
}

// finishTool parses the accumulated partial JSON into the open tool call.
func (s *chatStream) finishTool() {
	if s.currentTool == nil {
		return
	}
	input := make(map[string]interface{})
	if s.toolInput.Len() > 0 {
		if err := json.Unmarshal([]byte(s.toolInput.String()), &input); err != nil {
			input = make(map[string]interface{})
		}
	}
	s.currentTool.Input = input
	s.toolInput.Reset()
	s.currentTool = nil
}

func (s *chatStream) emit(evt *llm.StreamEvent) {
	s.pending = append(s.pending, evt)
}

var _ llm.Stream = (*chatStream)(nil)
