package chat

import "time"

// DefaultTitle is assigned to every freshly created conversation.
const DefaultTitle = "New Chat"

// Conversation is a titled thread owned by a single user.
//
// Messages and LoadErr are local projections filled in by the synchronizer and
// are never written back to the store.
type Conversation struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"ownerId"`
	Title        string        `json:"title"`
	Agent        string        `json:"agent,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Participants []Participant `json:"participants,omitempty"`
	Messages     []Message     `json:"messages"`
	LoadErr      string        `json:"loadError,omitempty"`
}

// HasParticipant reports whether id is already a member.
func (c Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ParticipantKind distinguishes people from agents.
type ParticipantKind string

const (
	ParticipantHuman ParticipantKind = "human"
	ParticipantAgent ParticipantKind = "agent"
)

// Participant is a member of a conversation.
type Participant struct {
	ID          string          `json:"id"`
	Kind        ParticipantKind `json:"kind"`
	DisplayName string          `json:"displayName"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	JoinedAt    time.Time       `json:"joinedAt"`
}

// TypingIndicator is an ephemeral per-participant flag.
type TypingIndicator struct {
	ConversationID string    `json:"conversationId"`
	ParticipantID  string    `json:"participantId"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Expired reports whether the indicator is stale relative to now.
func (t TypingIndicator) Expired(now time.Time, window time.Duration) bool {
	return !t.Active || now.Sub(t.UpdatedAt) > window
}
