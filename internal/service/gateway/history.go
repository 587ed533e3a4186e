package gateway

import (
	"strings"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
)

// Message is one turn of the linear history handed to the gateway. Content may
// be plain text or a serialized structured payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sanitize keeps only system, user and assistant turns, reduces structured
// content to its text parts, drops empty turns and keeps the most recent limit
// entries. limit <= 0 keeps everything.
func Sanitize(history []Message, limit int) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		switch chat.Role(m.Role) {
		case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant:
		default:
			continue
		}
		text := chat.PlainText(m.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: text})
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// FromChat converts stored messages into gateway history.
func FromChat(messages []chat.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// nameQuestions are answered locally on the multi-modal path.
var nameQuestions = []string{
	"what's your name",
	"what is your name",
	"who are you",
	"tell me your name",
	"do you have a name",
	"what should i call you",
	"what can i call you",
	"your name",
}

// IsNameQuestion reports whether text literally asks for the agent's name.
func IsNameQuestion(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	if lower == "name" || lower == "name?" {
		return true
	}
	for _, q := range nameQuestions {
		if strings.Contains(lower, q) {
			return true
		}
	}
	return false
}
