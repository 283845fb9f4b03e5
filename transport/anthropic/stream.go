package anthropic

import (
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/damper-ai/damper/llm"
)

// eventStream converts Messages API SSE events to llm.StreamEvents as the
// caller pulls them. One SDK event can expand to several llm events (the
// final message_delta plus stop), so converted events are staged in a small
// pending buffer.
type eventStream struct {
	sse     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	pending []*llm.StreamEvent
	event   *llm.StreamEvent
	err     error
	stopped bool

	currentTool *llm.ToolUseBlock
	toolInput   strings.Builder
	usage       *llm.Usage
}

func newEventStream(sse *ssestream.Stream[anthropic.MessageStreamEventUnion]) *eventStream {
	return &eventStream{
		sse:     sse,
		pending: []*llm.StreamEvent{{Type: llm.StreamEventTypeStart}},
	}
}

// Next implements llm.Stream.Next.
func (s *eventStream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.event = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.stopped || s.err != nil {
			return false
		}
		if !s.sse.Next() {
			if err := s.sse.Err(); err != nil {
				s.err = mapError(err)
			}
			s.stopped = true
			continue
		}
		s.convert(s.sse.Current())
	}
}

// Event implements llm.Stream.Event.
func (s *eventStream) Event() *llm.StreamEvent { return s.event }

// Err implements llm.Stream.Err.
func (s *eventStream) Err() error { return s.err }

// Close implements llm.Stream.Close.
func (s *eventStream) Close() error {
	s.stopped = true
	return s.sse.Close()
}

// convert maps one SDK event onto zero or more llm events.
func (s *eventStream) convert(event anthropic.MessageStreamEventUnion) {
	switch evt := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
			s.currentTool = &llm.ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: make(map[string]interface{}),
			}
			s.toolInput.Reset()
			s.emit(&llm.StreamEvent{
				Type:  llm.StreamEventTypeContentBlock,
				Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeToolUse, ToolUse: s.currentTool},
			})
		}

	case anthropic.ContentBlockDeltaEvent:
		switch d := evt.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if d.Text != "" {
				s.emit(&llm.StreamEvent{
					Type:  llm.StreamEventTypeContentDelta,
					Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeText, Text: d.Text},
				})
			}
		case anthropic.InputJSONDelta:
			if s.currentTool != nil && d.PartialJSON != "" {
				s.toolInput.WriteString(d.PartialJSON)
				s.emit(&llm.StreamEvent{
					Type:  llm.StreamEventTypeContentDelta,
					Delta: &llm.StreamDelta{Type: llm.StreamDeltaTypeToolInput, ToolInput: d.PartialJSON},
				})
			}
		}

	case anthropic.ContentBlockStopEvent:
		s.finishTool()

	case anthropic.MessageDeltaEvent:
		s.usage = &llm.Usage{
			InputTokens:              evt.Usage.InputTokens,
			OutputTokens:             evt.Usage.OutputTokens,
			CacheCreationInputTokens: evt.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     evt.Usage.CacheReadInputTokens,
		}

	case anthropic.MessageStopEvent:
		s.finishTool()
		s.emit(&llm.StreamEvent{Type: llm.StreamEventTypeMessageDelta, Usage: s.usage})
		s.emit(&llm.StreamEvent{Type: llm.StreamEventTypeStop, Usage: s.usage, Done: true})
		s.stopped = true
	}
}

// finishTool parses the accumulated partial JSON into the open tool call.
func (s *eventStream) finishTool() {
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

func (s *eventStream) emit(evt *llm.StreamEvent) {
	s.pending = append(s.pending, evt)
}

var _ llm.Stream = (*eventStream)(nil)
