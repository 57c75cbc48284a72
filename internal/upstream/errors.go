package upstream

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Error is a non-2xx response from the upstream. Body is fully read, so
// callers may inspect it any number of times.
type Error struct {
	Status int
	Body   []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Message())
}

// Message extracts a human-readable message from the upstream body.
func (e *Error) Message() string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(e.Body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return truncate(strings.TrimSpace(string(e.Body)), maxMessageBytes)
}

const maxMessageBytes = 512

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// BodyText returns a private copy of the body as a string.
func (e *Error) BodyText() string {
	return string(e.Body)
}
