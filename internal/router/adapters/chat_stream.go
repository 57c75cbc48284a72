package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/types"
)

const chatDone = "[DONE]"

// ChatStream rebuilds a Messages stream from chat-completions chunks.
// Tool call arguments are buffered per upstream tool index and each call is
// emitted as one complete block when the next text block opens or the
// choice finishes. The message only ends on [DONE]; chunks between
// finish_reason and [DONE] may still carry usage.
type ChatStream struct {
	r          reconstructor
	pending    map[int]*pendingTool
	order      []int
	usage      types.Usage
	stopReason string
	finished   bool
}

type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

func NewChatStream(model string) *ChatStream {
	return &ChatStream{
		r:       reconstructor{model: model},
		pending: make(map[int]*pendingTool),
	}
}

func (s *ChatStream) Done() bool { return s.r.terminated }

func (s *ChatStream) Translate(ev types.SSEEvent) ([]types.StreamEvent, error) {
	if s.r.terminated {
		return nil, nil
	}
	data := strings.TrimSpace(ev.Data)
	if data == "" {
		return nil, nil
	}
	if data == chatDone {
		events := s.r.start("", "", s.usage)
		events = append(events, s.flushTools()...)
		return append(events, s.r.finish(orDefault(s.stopReason, types.StopEndTurn), s.usage)...), nil
	}

	var chunk chatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chat chunk: %w", err)
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage.messagesUsage()
	}

	events := s.r.start(chunk.ID, chunk.Model, s.usage)
	if s.finished {
		return events, nil
	}
	for _, c := range chunk.Choices {
		d := c.Delta
		if d.ReasoningText != "" {
			events = append(events, s.flushTools()...)
			events = append(events, s.r.thinking(d.ReasoningText)...)
		}
		if d.ReasoningOpaque != "" {
			if s.r.open != blockThinking {
				events = append(events, s.flushTools()...)
				events = append(events, s.r.thinking("")...)
			}
			s.r.signature += d.ReasoningOpaque
		}
		if d.Content != "" {
			events = append(events, s.flushTools()...)
			events = append(events, s.r.text(d.Content)...)
		}
		if len(d.ToolCalls) > 0 {
			events = append(events, s.r.closeBlock()...)
			for _, tc := range d.ToolCalls {
				s.accumulate(tc)
			}
		}
		if c.FinishReason != "" {
			s.stopReason = mapFinishReason(c.FinishReason)
			if len(s.order) > 0 || s.r.sawTool {
				s.stopReason = types.StopToolUse
			}
			events = append(events, s.flushTools()...)
			events = append(events, s.r.closeBlock()...)
			s.finished = true
			return events, nil
		}
	}
	return events, nil
}

func (s *ChatStream) accumulate(tc chatToolCallDelta) {
	p, ok := s.pending[tc.Index]
	if !ok {
		p = &pendingTool{}
		s.pending[tc.Index] = p
		s.order = append(s.order, tc.Index)
	}
	if tc.ID != "" {
		p.id = tc.ID
	}
	if tc.Function.Name != "" {
		p.name = tc.Function.Name
	}
	p.args.WriteString(tc.Function.Arguments)
}

func (s *ChatStream) flushTools() []types.StreamEvent {
	var events []types.StreamEvent
	for _, idx := range s.order {
		p := s.pending[idx]
		events = append(events, s.r.toolUse(p.id, p.name, p.args.String())...)
	}
	s.pending = make(map[int]*pendingTool)
	s.order = nil
	return events
}

func (s *ChatStream) Finish() []types.StreamEvent {
	if s.r.terminated {
		return nil
	}
	return s.r.fail("api_error", "Upstream stream ended without completion")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int            `json:"index"`
		Delta        chatChunkDelta `json:"delta"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatChunkDelta struct {
	Role            string              `json:"role"`
	Content         string              `json:"content"`
	ToolCalls       []chatToolCallDelta `json:"tool_calls"`
	ReasoningText   string              `json:"reasoning_text"`
	ReasoningOpaque string              `json:"reasoning_opaque"`
}

type chatToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}
