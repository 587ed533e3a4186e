package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// conversationDoc is the stored layout of a conversation.
type conversationDoc struct {
	Title          string        `json:"title"`
	OwnerID        string        `json:"ownerId"`
	Agent          string        `json:"agent,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	Participants   []Participant `json:"participants"`
	ParticipantIDs []string      `json:"participantIds"`
	Agents         []string      `json:"agents"`
}

// messageDoc is the stored layout of a message.
type messageDoc struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId,omitempty"`
	SenderType     string      `json:"senderType"`
	AgentID        string      `json:"agentId,omitempty"`
	Content        string      `json:"content"`
	Role           Role        `json:"role"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Fields returns the document fields written for c.
func (c Conversation) Fields() map[string]any {
	participants := c.Participants
	if participants == nil {
		participants = []Participant{}
	}
	return map[string]any{
		"title":          c.Title,
		"ownerId":        c.OwnerID,
		"agent":          c.Agent,
		"createdAt":      c.CreatedAt,
		"updatedAt":      c.UpdatedAt,
		"participants":   participants,
		"participantIds": ParticipantIDs(participants),
		"agents":         AgentIDs(participants),
	}
}

// ParticipantFields returns the membership fields for an update.
func ParticipantFields(participants []Participant, updatedAt time.Time) map[string]any {
	return map[string]any{
		"participants":   participants,
		"participantIds": ParticipantIDs(participants),
		"agents":         AgentIDs(participants),
		"updatedAt":      updatedAt,
	}
}

// ParticipantIDs lists member ids in order.
func ParticipantIDs(participants []Participant) []string {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// AgentIDs lists the ids of agent members.
func AgentIDs(participants []Participant) []string {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.Kind == ParticipantAgent {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Fields returns the document fields written for m.
func (m Message) Fields() map[string]any {
	fields := map[string]any{
		"conversationId": m.ConversationID,
		"senderType":     m.Role.SenderType(),
		"content":        m.Content,
		"role":           m.Role,
		"createdAt":      m.CreatedAt,
	}
	if m.SenderID != "" {
		fields["senderId"] = m.SenderID
	}
	if m.AgentID != "" {
		fields["agentId"] = m.AgentID
	}
	if m.Attachment != nil {
		fields["attachment"] = m.Attachment
	}
	return fields
}

// ConversationFromFields decodes a stored conversation.
func ConversationFromFields(id string, fields map[string]any) (Conversation, error) {
	var doc conversationDoc
	if err := decodeFields(fields, &doc); err != nil {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
	}
	return Conversation{
		ID:           id,
		OwnerID:      doc.OwnerID,
		Title:        doc.Title,
		Agent:        doc.Agent,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		Participants: doc.Participants,
	}, nil
}

// MessageFromFields decodes a stored message.
func MessageFromFields(id string, fields map[string]any) (Message, error) {
	var doc messageDoc
	if err := decodeFields(fields, &doc); err != nil {
		return Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return Message{
		ID:             id,
		ConversationID: doc.ConversationID,
		Role:           doc.Role,
		SenderID:       doc.SenderID,
		AgentID:        doc.AgentID,
		Content:        doc.Content,
		Attachment:     doc.Attachment,
		CreatedAt:      doc.CreatedAt,
	}, nil
}

func decodeFields(fields map[string]any, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
