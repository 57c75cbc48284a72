package types

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MessagesRequest is the inbound Messages API payload. It is translated to
// one of the two upstream protocols and never forwarded as-is.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	System        *Content        `json:"system,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is either a bare string or a list of typed blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
	// IsBlocks records which wire form was used.
	IsBlocks bool
}

func TextContent(s string) Content { return Content{Text: s} }

func BlockContent(blocks ...ContentBlock) Content {
	return Content{Blocks: blocks, IsBlocks: true}
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		c.IsBlocks = false
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	if bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	c.IsBlocks = true
	c.Text = ""
	return json.Unmarshal(data, &c.Blocks)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks {
		if c.Blocks == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// PlainText joins the text of a string content or of its text blocks.
func (c Content) PlainText() string {
	if !c.IsBlocks {
		return c.Text
	}
	var parts []string
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is a flattened union of every block type the gateway handles.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string   `json:"tool_use_id,omitempty"`
	Content   *Content `json:"content,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`

	Thinking  string  `json:"thinking,omitempty"`
	Signature *string `json:"signature,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// DataURL renders a base64 image source as a data: URL.
func (s ImageSource) DataURL() string {
	return "data:" + s.MediaType + ";base64," + s.Data
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// HasImages reports whether any message carries an image block.
func (r *MessagesRequest) HasImages() bool {
	for _, m := range r.Messages {
		for _, b := range m.Content.Blocks {
			if b.Type == BlockImage {
				return true
			}
			if b.Type == BlockToolResult && b.Content != nil {
				for _, inner := range b.Content.Blocks {
					if inner.Type == BlockImage {
						return true
					}
				}
			}
		}
	}
	return false
}
