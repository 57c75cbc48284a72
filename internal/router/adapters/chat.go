package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/tidwall/gjson"
)

const chatPath = "/chat/completions"

// ChatAdapter speaks the classic chat-completions protocol. Calls are
// attributed by the model-keyed window policy.
type ChatAdapter struct {
	client   *upstream.Client
	windows  *initiator.WindowTracker
	recorder Recorder
}

func NewChatAdapter(client *upstream.Client, windows *initiator.WindowTracker, recorder Recorder) *ChatAdapter {
	return &ChatAdapter{client: client, windows: windows, recorder: recorder}
}

func (a *ChatAdapter) Name() string { return "chat" }

func (a *ChatAdapter) TransformRequest(req *types.MessagesRequest) (*Outbound, error) {
	body := chatRequest{
		Model:       NormalizeModel(req.Model),
		Messages:    chatMessages(req),
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       chatTools(req.Tools),
		ToolChoice:  chatToolChoice(req.ToolChoice),
	}
	if req.Stream {
		body.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil {
		body.User = req.Metadata.UserID
	}
	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		body.ThinkingBudget = req.Thinking.BudgetTokens
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return &Outbound{
		Model:  body.Model,
		Body:   data,
		Stream: req.Stream,
		Vision: req.HasImages(),
	}, nil
}

func (a *ChatAdapter) SendRequest(ctx context.Context, out *Outbound) (*http.Response, error) {
	attr := a.windows.Attribute(out.Model)
	record(a.recorder, PolicyWindow, attr.Initiator)
	return a.client.Do(ctx, upstream.Request{
		Path:          chatPath,
		Body:          out.Body,
		Initiator:     attr.Initiator,
		InteractionID: attr.ConversationID,
		Vision:        out.Vision,
		Stream:        out.Stream,
	})
}

// Passthrough forwards a client's own chat-completions body unchanged,
// attributing it like a translated request.
func (a *ChatAdapter) Passthrough(ctx context.Context, raw []byte) (*http.Response, error) {
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return a.SendRequest(ctx, &Outbound{
		Model:  model,
		Body:   raw,
		Stream: gjson.GetBytes(raw, "stream").Bool(),
		Vision: chatHasImages(raw),
	})
}

func chatHasImages(raw []byte) bool {
	found := false
	gjson.GetBytes(raw, "messages.#.content").ForEach(func(_, content gjson.Result) bool {
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			found = part.Get("type").String() == "image_url"
			return !found
		})
		return !found
	})
	return found
}

func (a *ChatAdapter) NewStreamTranslator(model string) StreamTranslator {
	return NewChatStream(model)
}

func (a *ChatAdapter) TransformResponse(body []byte) (*types.MessagesResponse, error) {
	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("unmarshal chat response: %w", err)
	}

	resp := &types.MessagesResponse{
		ID:      cr.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   cr.Model,
		Content: []types.ContentBlock{},
		Usage:   cr.Usage.messagesUsage(),
	}
	if resp.ID == "" {
		resp.ID = newMessageID()
	}

	var (
		thinking []types.ContentBlock
		text     []types.ContentBlock
		tools    []types.ContentBlock
		finish   string
	)
	for _, c := range cr.Choices {
		m := c.Message
		if m.ReasoningText != "" || m.ReasoningOpaque != "" {
			thinking = append(thinking, types.ContentBlock{
				Type:      types.BlockThinking,
				Thinking:  m.ReasoningText,
				Signature: strPtr(m.ReasoningOpaque),
			})
		}
		if m.Content != nil && *m.Content != "" {
			text = append(text, types.ContentBlock{Type: types.BlockText, Text: *m.Content})
		}
		for _, tc := range m.ToolCalls {
			tools = append(tools, types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: toolInput(tc.Function.Arguments),
			})
		}
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	resp.Content = append(resp.Content, thinking...)
	resp.Content = append(resp.Content, text...)
	resp.Content = append(resp.Content, tools...)

	resp.StopReason = mapFinishReason(finish)
	if len(tools) > 0 {
		resp.StopReason = types.StopToolUse
	}
	return resp, nil
}

// toolInput keeps valid JSON arguments verbatim and replaces anything else
// with an empty object.
func toolInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop", "content_filter":
		return types.StopEndTurn
	case "length":
		return types.StopMaxTokens
	case "tool_calls":
		return types.StopToolUse
	case "":
		return ""
	default:
		return types.StopEndTurn
	}
}

func chatMessages(req *types.MessagesRequest) []chatMessage {
	var out []chatMessage
	if req.System != nil {
		if sys := req.System.PlainText(); sys != "" {
			out = append(out, chatMessage{Role: "system", Content: sys})
		}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			out = append(out, chatAssistantMessage(m.Content))
		default:
			out = append(out, chatUserMessages(m)...)
		}
	}
	return out
}

// chatUserMessages emits tool results first, as role "tool" messages,
// followed by the remaining text and images.
func chatUserMessages(m types.Message) []chatMessage {
	if !m.Content.IsBlocks {
		return []chatMessage{{Role: m.Role, Content: m.Content.Text}}
	}

	var (
		out      []chatMessage
		parts    []chatPart
		hasImage bool
	)
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case types.BlockToolResult:
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    toolResultText(b),
			})
		case types.BlockText:
			parts = append(parts, chatPart{Type: "text", Text: b.Text})
		case types.BlockImage:
			if b.Source != nil {
				hasImage = true
				parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: b.Source.DataURL()}})
			}
		}
	}
	if len(parts) == 0 {
		return out
	}
	if hasImage {
		return append(out, chatMessage{Role: m.Role, Content: parts})
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
	}
	return append(out, chatMessage{Role: m.Role, Content: strings.Join(texts, "\n\n")})
}

func toolResultText(b types.ContentBlock) string {
	if b.Content == nil {
		return ""
	}
	return b.Content.PlainText()
}

func chatAssistantMessage(c types.Content) chatMessage {
	msg := chatMessage{Role: "assistant"}
	if !c.IsBlocks {
		msg.Content = c.Text
		return msg
	}

	var texts, thoughts []string
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			texts = append(texts, b.Text)
		case types.BlockThinking:
			thoughts = append(thoughts, b.Thinking)
			if b.Signature != nil && *b.Signature != "" {
				msg.ReasoningOpaque = *b.Signature
			}
		case types.BlockToolUse:
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: chatFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	msg.ReasoningText = strings.Join(thoughts, "\n\n")
	if len(texts) > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = strings.Join(texts, "\n\n")
	}
	return msg
}

func chatTools(tools []types.Tool) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func chatToolChoice(tc *types.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		if tc.Name != "" {
			return map[string]any{"type": "function", "function": map[string]string{"name": tc.Name}}
		}
	}
	return nil
}

type chatRequest struct {
	Model          string             `json:"model"`
	Messages       []chatMessage      `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Stop           []string           `json:"stop,omitempty"`
	Stream         bool               `json:"stream,omitempty"`
	StreamOptions  *chatStreamOptions `json:"stream_options,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	TopP           *float64           `json:"top_p,omitempty"`
	User           string             `json:"user,omitempty"`
	Tools          []chatTool         `json:"tools,omitempty"`
	ToolChoice     any                `json:"tool_choice,omitempty"`
	ThinkingBudget int                `json:"thinking_budget,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role            string         `json:"role"`
	Content         any            `json:"content"`
	ToolCalls       []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID      string         `json:"tool_call_id,omitempty"`
	ReasoningText   string         `json:"reasoning_text,omitempty"`
	ReasoningOpaque string         `json:"reasoning_opaque,omitempty"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int             `json:"index"`
		Message      chatRespMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatRespMessage struct {
	Role            string         `json:"role"`
	Content         *string        `json:"content"`
	ToolCalls       []chatToolCall `json:"tool_calls"`
	ReasoningText   string         `json:"reasoning_text"`
	ReasoningOpaque string         `json:"reasoning_opaque"`
}

type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// messagesUsage reports cached prompt tokens separately from fresh input.
func (u *chatUsage) messagesUsage() types.Usage {
	if u == nil {
		return types.Usage{}
	}
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	return types.Usage{
		InputTokens:          u.PromptTokens - cached,
		OutputTokens:         u.CompletionTokens,
		CacheReadInputTokens: cached,
	}
}
