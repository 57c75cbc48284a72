package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/initiator"
	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/tidwall/gjson"
)

const (
	responsesPath     = "/responses"
	defaultSessionKey = "default"
)

// ResponsesAdapter speaks the responses protocol. Calls are attributed by
// the session-keyed budget policy.
type ResponsesAdapter struct {
	client   *upstream.Client
	sessions *initiator.SessionTracker
	models   func() *config.ModelsConfig
	recorder Recorder
}

func NewResponsesAdapter(client *upstream.Client, sessions *initiator.SessionTracker, models func() *config.ModelsConfig, recorder Recorder) *ResponsesAdapter {
	return &ResponsesAdapter{client: client, sessions: sessions, models: models, recorder: recorder}
}

func (a *ResponsesAdapter) Name() string { return "responses" }

func (a *ResponsesAdapter) TransformRequest(req *types.MessagesRequest) (*Outbound, error) {
	model := NormalizeModel(req.Model)
	var modelsCfg *config.ModelsConfig
	if a.models != nil {
		modelsCfg = a.models()
	}

	body := responsesRequest{
		Model:           model,
		Input:           responsesInput(req.Messages),
		MaxOutputTokens: req.MaxTokens,
		Stream:          req.Stream,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Tools:           responsesTools(req.Tools),
		ToolChoice:      responsesToolChoice(req.ToolChoice),
		Include:         []string{"reasoning.encrypted_content"},
		Store:           false,
		Reasoning: &responsesReasoning{
			Effort:  modelsCfg.ReasoningEffort(model),
			Summary: "detailed",
		},
	}
	if req.System != nil {
		body.Instructions = req.System.PlainText()
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		body.Metadata = map[string]string{"user_id": req.Metadata.UserID}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}
	return &Outbound{
		Model:  model,
		Body:   data,
		Stream: req.Stream,
		Vision: HasVisionInput(data),
	}, nil
}

func (a *ResponsesAdapter) SendRequest(ctx context.Context, out *Outbound) (*http.Response, error) {
	who := a.sessions.Attribute(SessionKey(out.Body), LastRoleIsUser(out.Body))
	record(a.recorder, PolicySession, who)
	return a.client.Do(ctx, upstream.Request{
		Path:      responsesPath,
		Body:      out.Body,
		Initiator: who,
		Vision:    out.Vision,
		Stream:    out.Stream,
	})
}

func (a *ResponsesAdapter) NewStreamTranslator(model string) StreamTranslator {
	return NewResponsesStream(model)
}

// SessionKey picks the attribution key of a responses payload:
// metadata.user_id, then safety_identifier, then prompt_cache_key.
func SessionKey(payload []byte) string {
	for _, path := range []string{"metadata.user_id", "safety_identifier", "prompt_cache_key"} {
		if v := strings.TrimSpace(gjson.GetBytes(payload, path).String()); v != "" {
			return v
		}
	}
	return defaultSessionKey
}

// LastRoleIsUser reports whether the last input item carrying a role is a
// user item.
func LastRoleIsUser(payload []byte) bool {
	items := gjson.GetBytes(payload, "input").Array()
	for i := len(items) - 1; i >= 0; i-- {
		if role := items[i].Get("role").String(); role != "" {
			return role == "user"
		}
	}
	return false
}

// HasVisionInput reports whether any input item carries an input_image.
func HasVisionInput(payload []byte) bool {
	return containsImage(gjson.GetBytes(payload, "input"))
}

func containsImage(v gjson.Result) bool {
	switch {
	case v.IsArray():
		for _, e := range v.Array() {
			if containsImage(e) {
				return true
			}
		}
	case v.IsObject():
		if strings.EqualFold(v.Get("type").String(), "input_image") {
			return true
		}
		if c := v.Get("content"); c.IsArray() {
			return containsImage(c)
		}
	}
	return false
}

func (a *ResponsesAdapter) TransformResponse(body []byte) (*types.MessagesResponse, error) {
	var rr responsesResult
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("unmarshal responses result: %w", err)
	}

	resp := &types.MessagesResponse{
		ID:      rr.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   rr.Model,
		Content: []types.ContentBlock{},
		Usage:   rr.Usage.messagesUsage(),
	}
	if resp.ID == "" {
		resp.ID = newMessageID()
	}

	hasTool := false
	for _, item := range rr.Output {
		switch item.Type {
		case "reasoning":
			var parts []string
			for _, s := range item.Summary {
				parts = append(parts, s.Text)
			}
			resp.Content = append(resp.Content, types.ContentBlock{
				Type:      types.BlockThinking,
				Thinking:  strings.Join(parts, "\n\n"),
				Signature: strPtr(item.EncryptedContent),
			})
		case "message":
			for _, c := range item.Content {
				text := c.Text
				if c.Type == "refusal" {
					text = c.Refusal
				}
				if text != "" {
					resp.Content = append(resp.Content, types.ContentBlock{Type: types.BlockText, Text: text})
				}
			}
		case "function_call":
			hasTool = true
			resp.Content = append(resp.Content, types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: toolInput(item.Arguments),
			})
		}
	}
	resp.StopReason = responsesStopReason(rr.Status, rr.IncompleteDetails, hasTool)
	return resp, nil
}

func responsesStopReason(status string, incomplete *responsesIncomplete, hasTool bool) string {
	if hasTool {
		return types.StopToolUse
	}
	if status == "incomplete" && incomplete != nil && incomplete.Reason == "max_output_tokens" {
		return types.StopMaxTokens
	}
	return types.StopEndTurn
}

// responsesInput flattens messages into input items, preserving block order.
func responsesInput(messages []types.Message) []any {
	var items []any
	for _, m := range messages {
		if !m.Content.IsBlocks {
			items = append(items, responsesMessage{
				Type:    "message",
				Role:    m.Role,
				Content: []responsesPart{textPart(m.Role, m.Content.Text)},
			})
			continue
		}

		var parts []responsesPart
		flush := func() {
			if len(parts) > 0 {
				items = append(items, responsesMessage{Type: "message", Role: m.Role, Content: parts})
				parts = nil
			}
		}
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case types.BlockText:
				parts = append(parts, textPart(m.Role, b.Text))
			case types.BlockImage:
				if b.Source != nil {
					parts = append(parts, responsesPart{Type: "input_image", ImageURL: b.Source.DataURL(), Detail: "auto"})
				}
			case types.BlockToolResult:
				flush()
				items = append(items, responsesFunctionOutput{
					Type:   "function_call_output",
					CallID: b.ToolUseID,
					Output: toolResultText(b),
				})
			case types.BlockToolUse:
				flush()
				args := string(b.Input)
				if args == "" {
					args = "{}"
				}
				items = append(items, responsesFunctionCall{
					Type:      "function_call",
					CallID:    b.ID,
					Name:      b.Name,
					Arguments: args,
				})
			case types.BlockThinking:
				flush()
				item := responsesReasoningItem{
					Type:    "reasoning",
					Summary: []responsesSummary{},
				}
				if b.Thinking != "" {
					item.Summary = append(item.Summary, responsesSummary{Type: "summary_text", Text: b.Thinking})
				}
				if b.Signature != nil {
					item.EncryptedContent = *b.Signature
				}
				items = append(items, item)
			}
		}
		flush()
	}
	return items
}

func textPart(role, text string) responsesPart {
	if role == "assistant" {
		return responsesPart{Type: "output_text", Text: text}
	}
	return responsesPart{Type: "input_text", Text: text}
}

func responsesTools(tools []types.Tool) []responsesTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]responsesTool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Strict:      false,
		})
	}
	return out
}

func responsesToolChoice(tc *types.ToolChoice) any {
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
			return map[string]string{"type": "function", "name": tc.Name}
		}
	}
	return nil
}

type responsesRequest struct {
	Model           string              `json:"model"`
	Instructions    string              `json:"instructions,omitempty"`
	Input           []any               `json:"input"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	ToolChoice      any                 `json:"tool_choice,omitempty"`
	Include         []string            `json:"include,omitempty"`
	Store           bool                `json:"store"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesMessage struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content []responsesPart `json:"content"`
}

type responsesPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type responsesFunctionCall struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesFunctionOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responsesReasoningItem struct {
	Type             string             `json:"type"`
	Summary          []responsesSummary `json:"summary"`
	EncryptedContent string             `json:"encrypted_content,omitempty"`
}

type responsesSummary struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

type responsesResult struct {
	ID                string               `json:"id"`
	Model             string               `json:"model"`
	Status            string               `json:"status"`
	Output            []responsesOutput    `json:"output"`
	Usage             *responsesUsage      `json:"usage"`
	IncompleteDetails *responsesIncomplete `json:"incomplete_details"`
	Error             *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type responsesIncomplete struct {
	Reason string `json:"reason"`
}

type responsesOutput struct {
	Type             string             `json:"type"`
	ID               string             `json:"id"`
	CallID           string             `json:"call_id"`
	Name             string             `json:"name"`
	Arguments        string             `json:"arguments"`
	EncryptedContent string             `json:"encrypted_content"`
	Summary          []responsesSummary `json:"summary"`
	Content          []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Refusal string `json:"refusal"`
	} `json:"content"`
}

type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (u *responsesUsage) messagesUsage() types.Usage {
	if u == nil {
		return types.Usage{}
	}
	cached := 0
	if u.InputTokensDetails != nil {
		cached = u.InputTokensDetails.CachedTokens
	}
	return types.Usage{
		InputTokens:          u.InputTokens - cached,
		OutputTokens:         u.OutputTokens,
		CacheReadInputTokens: cached,
	}
}
