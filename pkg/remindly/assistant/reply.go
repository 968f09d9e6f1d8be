package assistant

import (
	"encoding/json"
	"regexp"
	"strings"
)

// defaultReply covers assistant output with no usable message field.
const defaultReply = "I'm here to help!"

// Reply is the structured assistant response: a message plus an intent
// label set by the assistant's instructions.
type Reply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ParseReply decodes the assistant's raw output. The assistant is
// instructed to emit {"type": ..., "message": ...} but may fall back to
// plain text, which is passed through as a conversational reply.
func ParseReply(raw string) Reply {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Reply{Type: "conversation", Message: raw}
	}

	reply := Reply{Type: "conversation", Message: defaultReply}
	if t, ok := decoded["type"].(string); ok && t != "" {
		reply.Type = t
	}
	if m, ok := decoded["message"].(string); ok && m != "" {
		reply.Message = m
	}
	return reply
}

var (
	citationPattern = regexp.MustCompile(`【[^】]*】`)
	boldPattern     = regexp.MustCompile(`\*\*([^*]+)\*\*`)
)

// FormatWhatsApp rewrites assistant markdown for WhatsApp rendering:
// source citations are stripped and **bold** becomes *bold*.
func FormatWhatsApp(text string) string {
	text = citationPattern.ReplaceAllString(text, "")
	text = boldPattern.ReplaceAllString(text, "*$1*")
	return strings.TrimSpace(text)
}
