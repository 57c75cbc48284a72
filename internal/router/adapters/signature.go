package adapters

import (
	"errors"
	"fmt"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/upstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// IsSignatureRejection reports whether err is an upstream rejection of a
// thinking block signature.
func IsSignatureRejection(err error) bool {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return false
	}
	body := strings.ToLower(ue.BodyText())
	return strings.Contains(body, "invalid signature") && strings.Contains(body, "thinking")
}

// StripThinkingSignatures clears the signature of every thinking block in
// assistant messages of a raw Messages request. Everything else, including
// fields the gateway does not model, is left untouched.
func StripThinkingSignatures(raw []byte) ([]byte, error) {
	out := append([]byte(nil), raw...)
	var err error
	gjson.GetBytes(raw, "messages").ForEach(func(mi, msg gjson.Result) bool {
		if msg.Get("role").String() != "assistant" {
			return true
		}
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(bi, block gjson.Result) bool {
			if block.Get("type").String() != "thinking" {
				return true
			}
			path := fmt.Sprintf("messages.%d.content.%d.signature", mi.Int(), bi.Int())
			out, err = sjson.SetBytes(out, path, "")
			return err == nil
		})
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("strip thinking signatures: %w", err)
	}
	return out, nil
}
