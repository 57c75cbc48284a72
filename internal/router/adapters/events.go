package adapters

import (
	"encoding/json"

	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/google/uuid"
)

const (
	blockNone     = ""
	blockText     = types.BlockText
	blockThinking = types.BlockThinking
)

// reconstructor holds the state shared by both stream translators: one
// message_start, at most one open text or thinking block, and block indices
// assigned in emission order.
type reconstructor struct {
	model      string
	started    bool
	terminated bool
	next       int
	open       string
	openIdx    int
	signature  string
	sawTool    bool
}

func intPtr(i int) *int { return &i }

func strPtr(s string) *string { return &s }

func newMessageID() string { return "msg_" + uuid.NewString() }

func newToolID() string { return "toolu_" + uuid.NewString() }

func (r *reconstructor) start(id, model string, usage types.Usage) []types.StreamEvent {
	if r.started {
		return nil
	}
	r.started = true
	if id == "" {
		id = newMessageID()
	}
	if model == "" {
		model = r.model
	}
	return []types.StreamEvent{{
		Type: types.EventMessageStart,
		Message: &types.MessagesResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []types.ContentBlock{},
			Usage:   usage,
		},
	}}
}

func (r *reconstructor) openBlock(kind string) []types.StreamEvent {
	if r.open == kind {
		return nil
	}
	events := r.closeBlock()
	idx := r.next
	r.next++
	r.open = kind
	r.openIdx = idx

	block := &types.StreamBlock{Type: kind}
	if kind == blockThinking {
		block.Thinking = strPtr("")
	} else {
		block.Text = strPtr("")
	}
	return append(events, types.StreamEvent{
		Type:         types.EventContentBlockStart,
		Index:        intPtr(idx),
		ContentBlock: block,
	})
}

// closeBlock ends the open block. A thinking block receives the pending
// signature first.
func (r *reconstructor) closeBlock() []types.StreamEvent {
	if r.open == blockNone {
		return nil
	}
	var events []types.StreamEvent
	if r.open == blockThinking && r.signature != "" {
		events = append(events, delta(r.openIdx, &types.StreamDelta{
			Type:      types.DeltaSignature,
			Signature: r.signature,
		}))
		r.signature = ""
	}
	events = append(events, types.StreamEvent{
		Type:  types.EventContentBlockStop,
		Index: intPtr(r.openIdx),
	})
	r.open = blockNone
	return events
}

func delta(idx int, d *types.StreamDelta) types.StreamEvent {
	return types.StreamEvent{Type: types.EventContentBlockDelta, Index: intPtr(idx), Delta: d}
}

func (r *reconstructor) text(s string) []types.StreamEvent {
	events := r.openBlock(blockText)
	return append(events, delta(r.openIdx, &types.StreamDelta{Type: types.DeltaText, Text: s}))
}

func (r *reconstructor) thinking(s string) []types.StreamEvent {
	events := r.openBlock(blockThinking)
	if s == "" {
		return events
	}
	return append(events, delta(r.openIdx, &types.StreamDelta{Type: types.DeltaThinking, Thinking: s}))
}

// toolUse emits a complete tool_use block with its whole argument text in a
// single input_json_delta.
func (r *reconstructor) toolUse(id, name, args string) []types.StreamEvent {
	events := r.closeBlock()
	if id == "" {
		id = newToolID()
	}
	idx := r.next
	r.next++
	r.sawTool = true

	events = append(events, types.StreamEvent{
		Type:  types.EventContentBlockStart,
		Index: intPtr(idx),
		ContentBlock: &types.StreamBlock{
			Type:  types.BlockToolUse,
			ID:    id,
			Name:  name,
			Input: json.RawMessage(`{}`),
		},
	})
	if args != "" {
		events = append(events, delta(idx, &types.StreamDelta{Type: types.DeltaInputJSON, PartialJSON: args}))
	}
	return append(events, types.StreamEvent{Type: types.EventContentBlockStop, Index: intPtr(idx)})
}

func (r *reconstructor) finish(stopReason string, usage types.Usage) []types.StreamEvent {
	events := r.closeBlock()
	r.terminated = true
	return append(events,
		types.StreamEvent{
			Type:  types.EventMessageDelta,
			Delta: &types.StreamDelta{StopReason: stopReason},
			Usage: &usage,
		},
		types.StreamEvent{Type: types.EventMessageStop},
	)
}

func (r *reconstructor) fail(errType, msg string) []types.StreamEvent {
	r.terminated = true
	return []types.StreamEvent{ErrorEvent(errType, msg)}
}

// ErrorEvent builds the stream's error event.
func ErrorEvent(errType, msg string) types.StreamEvent {
	return types.StreamEvent{
		Type:  types.EventError,
		Error: &types.ErrorBody{Type: errType, Message: msg},
	}
}

// PingEvent is the keep-alive event.
func PingEvent() types.StreamEvent {
	return types.StreamEvent{Type: types.EventPing}
}
