package adapters

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/types"
)

// Responses stream event types.
const (
	evResponseCreated      = "response.created"
	evOutputItemAdded      = "response.output_item.added"
	evOutputItemDone       = "response.output_item.done"
	evOutputTextDelta      = "response.output_text.delta"
	evReasoningSummaryText = "response.reasoning_summary_text.delta"
	evReasoningSummaryDone = "response.reasoning_summary_part.done"
	evFunctionArgsDelta    = "response.function_call_arguments.delta"
	evFunctionArgsDone     = "response.function_call_arguments.done"
	evResponseCompleted    = "response.completed"
	evResponseIncomplete   = "response.incomplete"
	evResponseFailed       = "response.failed"
	evError                = "error"
	evPing                 = "ping"
)

// ResponsesStream rebuilds a Messages stream from responses events. Function
// call arguments are buffered per output index and emitted as one complete
// block when the item is done.
type ResponsesStream struct {
	r       reconstructor
	pending map[int]*pendingTool
	// summaryBreak is set between reasoning summary parts.
	summaryBreak bool
}

func NewResponsesStream(model string) *ResponsesStream {
	return &ResponsesStream{
		r:       reconstructor{model: model},
		pending: make(map[int]*pendingTool),
	}
}

func (s *ResponsesStream) Done() bool { return s.r.terminated }

func (s *ResponsesStream) Translate(ev types.SSEEvent) ([]types.StreamEvent, error) {
	if s.r.terminated {
		return nil, nil
	}
	if ev.Event == evPing {
		return []types.StreamEvent{PingEvent()}, nil
	}
	data := strings.TrimSpace(ev.Data)
	if data == "" {
		return nil, nil
	}

	var e responsesEvent
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal responses event: %w", err)
	}
	if e.Type == "" {
		e.Type = ev.Event
	}

	switch e.Type {
	case evPing:
		return []types.StreamEvent{PingEvent()}, nil

	case evResponseCreated:
		return s.r.start(e.Response.ID, e.Response.Model, e.Response.Usage.messagesUsage()), nil

	case evOutputItemAdded:
		events := s.r.start("", "", types.Usage{})
		switch e.Item.Type {
		case "reasoning":
			s.summaryBreak = false
			events = append(events, s.r.thinking("")...)
		case "function_call":
			p := &pendingTool{id: e.Item.CallID, name: e.Item.Name}
			p.args.WriteString(e.Item.Arguments)
			s.pending[e.OutputIndex] = p
		}
		return events, nil

	case evReasoningSummaryText:
		events := s.r.start("", "", types.Usage{})
		text := e.Delta
		if s.summaryBreak && s.r.open == blockThinking {
			text = "\n\n" + text
			s.summaryBreak = false
		}
		return append(events, s.r.thinking(text)...), nil

	case evReasoningSummaryDone:
		s.summaryBreak = true
		return nil, nil

	case evOutputTextDelta:
		if e.Delta == "" {
			return nil, nil
		}
		events := s.r.start("", "", types.Usage{})
		return append(events, s.r.text(e.Delta)...), nil

	case evFunctionArgsDelta:
		if p, ok := s.pending[e.OutputIndex]; ok {
			p.args.WriteString(e.Delta)
		}
		return nil, nil

	case evFunctionArgsDone:
		if p, ok := s.pending[e.OutputIndex]; ok && e.Arguments != "" {
			p.args.Reset()
			p.args.WriteString(e.Arguments)
		}
		return nil, nil

	case evOutputItemDone:
		return s.itemDone(e), nil

	case evResponseCompleted, evResponseIncomplete:
		events := s.r.start(e.Response.ID, e.Response.Model, types.Usage{})
		for _, idx := range slices.Sorted(maps.Keys(s.pending)) {
			p := s.pending[idx]
			events = append(events, s.r.toolUse(p.id, p.name, p.args.String())...)
			delete(s.pending, idx)
		}
		stop := responsesStopReason(e.Response.Status, e.Response.IncompleteDetails, s.r.sawTool)
		return append(events, s.r.finish(stop, e.Response.Usage.messagesUsage())...), nil

	case evResponseFailed:
		msg := "Upstream response failed"
		if e.Response.Error != nil && e.Response.Error.Message != "" {
			msg = e.Response.Error.Message
		}
		return s.r.fail("api_error", msg), nil

	case evError:
		msg := orDefault(e.Message, "Upstream stream error")
		return s.r.fail("api_error", msg), nil
	}
	return nil, nil
}

func (s *ResponsesStream) itemDone(e responsesEvent) []types.StreamEvent {
	events := s.r.start("", "", types.Usage{})
	switch e.Item.Type {
	case "reasoning":
		if e.Item.EncryptedContent != "" {
			if s.r.open != blockThinking {
				events = append(events, s.r.thinking("")...)
			}
			s.r.signature = e.Item.EncryptedContent
		}
		if s.r.open == blockThinking {
			events = append(events, s.r.closeBlock()...)
		}
	case "message":
		if s.r.open == blockText {
			events = append(events, s.r.closeBlock()...)
		}
	case "function_call":
		p, ok := s.pending[e.OutputIndex]
		if !ok {
			p = &pendingTool{}
		}
		delete(s.pending, e.OutputIndex)
		id := orDefault(e.Item.CallID, p.id)
		name := orDefault(e.Item.Name, p.name)
		args := orDefault(e.Item.Arguments, p.args.String())
		events = append(events, s.r.toolUse(id, name, args)...)
	}
	return events
}

func (s *ResponsesStream) Finish() []types.StreamEvent {
	if s.r.terminated {
		return nil
	}
	return s.r.fail("api_error", "Responses stream ended without completion")
}

type responsesEvent struct {
	Type        string          `json:"type"`
	OutputIndex int             `json:"output_index"`
	Delta       string          `json:"delta"`
	Arguments   string          `json:"arguments"`
	Message     string          `json:"message"`
	Item        responsesOutput `json:"item"`
	Response    responsesResult `json:"response"`
}
