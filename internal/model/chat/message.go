package chat

import (
	"sort"
	"time"
)

// Role is the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// SenderType mirrors the role for consumers that group messages by origin.
func (r Role) SenderType() string {
	switch r {
	case RoleAssistant:
		return "agent"
	case RoleSystem:
		return "system"
	default:
		return "user"
	}
}

// Message is a single immutable turn inside a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           Role        `json:"role"`
	SenderID       string      `json:"senderId,omitempty"`
	AgentID        string      `json:"agentId,omitempty"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Attachment describes a file that accompanied a message.
type Attachment struct {
	Kind     string `json:"kind"`
	FileName string `json:"fileName"`
}

// SortMessages orders messages by creation time, breaking ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
