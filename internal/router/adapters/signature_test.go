package adapters

import (
	"errors"
	"fmt"
	"testing"

	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestIsSignatureRejection(t *testing.T) {
	rejection := &upstream.Error{Status: 400, Body: []byte(`{"error":{"message":"Invalid signature in Thinking block"}}`)}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct", rejection, true},
		{"wrapped", fmt.Errorf("dispatch: %w", rejection), true},
		{"other upstream error", &upstream.Error{Status: 400, Body: []byte(`invalid signature`)}, false},
		{"plain error", errors.New("invalid signature in thinking block"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSignatureRejection(tt.err))
		})
	}
}

func TestStripThinkingSignatures(t *testing.T) {
	raw := []byte(`{"model":"m","unknown_field":{"keep":1},"messages":[
		{"role":"user","content":[{"type":"thinking","thinking":"t","signature":"user-side"}]},
		{"role":"assistant","content":"plain"},
		{"role":"assistant","content":[
			{"type":"text","text":"a","signature":"not-thinking"},
			{"type":"thinking","thinking":"t1","signature":"s1"},
			{"type":"thinking","thinking":"t2"}
		]}
	]}`)
	orig := append([]byte(nil), raw...)

	out, err := StripThinkingSignatures(raw)
	require.NoError(t, err)
	assert.Equal(t, orig, raw, "input must not be modified")

	doc := gjson.ParseBytes(out)
	assert.Equal(t, "user-side", doc.Get("messages.0.content.0.signature").String())
	assert.Equal(t, "plain", doc.Get("messages.1.content").String())
	assert.Equal(t, "not-thinking", doc.Get("messages.2.content.0.signature").String())
	assert.True(t, doc.Get("messages.2.content.1.signature").Exists())
	assert.Equal(t, "", doc.Get("messages.2.content.1.signature").String())
	assert.Equal(t, "t1", doc.Get("messages.2.content.1.thinking").String())
	assert.True(t, doc.Get("messages.2.content.2.signature").Exists())
	assert.JSONEq(t, `{"keep":1}`, doc.Get("unknown_field").Raw)
}
