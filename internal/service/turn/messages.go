package turn

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

// pendingPrompt is what RetryLastPrompt needs to rerun a failed turn.
type pendingPrompt struct {
	messageID string
	agentKey  string
	parts     []chat.ContentPart
}

// AppendMessage writes one message and touches the conversation. A user
// message then runs an AI turn unless the conversation already has one in
// flight. The conversation does not need to be in the local view.
func (o *Orchestrator) AppendMessage(ctx context.Context, conversationID, content string, role chat.Role, senderID, agentID string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	msg := chat.Message{
		ConversationID: conversationID,
		Role:           role,
		SenderID:       senderID,
		AgentID:        agentID,
		Content:        content,
	}
	saved, err := o.persist(ctx, msg)
	if err != nil {
		return err
	}
	if role != chat.RoleUser {
		return nil
	}

	o.runTurn(ctx, saved, pendingPrompt{messageID: saved.ID, agentKey: agentID})
	return nil
}

// AppendImageMessage is AppendMessage for structured text and image content.
// The reply comes from the gateway's multi-modal path.
func (o *Orchestrator) AppendImageMessage(ctx context.Context, conversationID string, parts []chat.ContentPart, role chat.Role, senderID, agentID string) error {
	if len(parts) == 0 {
		return ErrEmptyMessage
	}
	content, err := chat.EncodeParts(parts)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	msg := chat.Message{
		ConversationID: conversationID,
		Role:           role,
		SenderID:       senderID,
		AgentID:        agentID,
		Content:        content,
		Attachment:     imageAttachment(parts),
	}
	saved, err := o.persist(ctx, msg)
	if err != nil {
		return err
	}
	if role != chat.RoleUser {
		return nil
	}

	prompt := pendingPrompt{messageID: saved.ID, agentKey: agentID, parts: append([]chat.ContentPart(nil), parts...)}
	o.runTurn(ctx, saved, prompt)
	return nil
}

// RetryLastPrompt reruns the AI turn for the conversation's last failed or
// skipped prompt.
func (o *Orchestrator) RetryLastPrompt(ctx context.Context, conversationID string) error {
	if _, err := o.memberConversation(ctx, conversationID); err != nil {
		return err
	}
	o.mu.Lock()
	prompt, ok := o.retryable[conversationID]
	o.mu.Unlock()
	if !ok {
		return ErrNothingToRetry
	}

	trigger := chat.Message{ID: prompt.messageID, ConversationID: conversationID, Role: chat.RoleUser}
	if doc, err := o.store.Get(ctx, store.Messages, prompt.messageID); err == nil {
		if msg, err := chat.MessageFromFields(doc.ID, doc.Fields); err == nil {
			trigger = msg
		}
	}

	o.ClearErr()
	o.runTurn(ctx, trigger, prompt)
	return nil
}

// persist stamps and writes msg, then touches the conversation's updatedAt.
// The conversation must exist and the owner must be a member. A failed touch
// is reported but the message stays written.
func (o *Orchestrator) persist(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ConversationID == "" {
		return msg, ErrConversationRequired
	}
	if !msg.Role.Valid() {
		return msg, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if _, err := o.memberConversation(ctx, msg.ConversationID); err != nil {
		return msg, err
	}
	if msg.Role == chat.RoleUser && msg.SenderID == "" {
		msg.SenderID = o.owner.ID
	}

	msg.CreatedAt = o.clock.next()
	id, err := o.store.Add(ctx, store.Messages, msg.Fields())
	if err != nil {
		o.fail("failed to send message", err)
		return msg, err
	}
	msg.ID = id

	touch := map[string]any{"updatedAt": msg.CreatedAt}
	if err := o.store.Update(ctx, store.Conversations, msg.ConversationID, touch); err != nil {
		o.fail("failed to update conversation", err)
	}
	o.changed()
	return msg, nil
}

// runTurn asks the gateway for a reply to trigger. The per-conversation guard
// is held for the whole turn and released on every path.
func (o *Orchestrator) runTurn(ctx context.Context, trigger chat.Message, prompt pendingPrompt) {
	convID := trigger.ConversationID
	a := o.turnAgent(ctx, convID, prompt.agentKey)

	if !o.acquire(convID) {
		o.mu.Lock()
		o.retryable[convID] = prompt
		o.err = &sessionError{msg: fmt.Sprintf("%s is still replying in this conversation. Your message was saved; retry once the reply finishes.", a.Name)}
		o.mu.Unlock()
		o.logger.Warn("[turn] reply already in flight", "conversation_id", convID, "message_id", trigger.ID)
		o.changed()
		return
	}
	defer o.release(convID)

	o.logger.Info("agent_invoked",
		"conversation_id", convID,
		"agent_id", a.ID,
		"message_id", trigger.ID,
		"multimodal", prompt.parts != nil,
	)

	var result gateway.Result
	if prompt.parts != nil {
		result = o.gateway.CompleteParts(ctx, prompt.parts, a.ID)
	} else {
		history, err := o.history(ctx, convID, trigger)
		if err != nil {
			o.logger.Warn("[turn] history unavailable, sending the prompt alone", "conversation_id", convID, "error", err)
			history = gateway.FromChat([]chat.Message{trigger})
		}
		result = o.gateway.Stream(ctx, history, a.ID, gateway.StreamOptions{
			OnToken: func(token string) { o.token(convID, token) },
			ChatID:  convID,
			UserID:  o.owner.ID,
		})
	}
	o.endStream(convID)

	if result.IsFallback {
		o.recordFallback(convID, prompt, result)
		return
	}

	reply := chat.Message{
		ConversationID: convID,
		Role:           chat.RoleAssistant,
		AgentID:        a.ID,
		Content:        result.Content,
	}
	saved, err := o.persist(ctx, reply)
	if err != nil {
		return
	}

	o.mu.Lock()
	if pending, ok := o.retryable[convID]; ok && pending.messageID == prompt.messageID {
		delete(o.retryable, convID)
	}
	diag := result.Diagnostics
	o.diagnostics = &diag
	o.notice = nil
	o.mu.Unlock()

	o.logger.Info("agent_reply",
		"conversation_id", convID,
		"agent_id", a.ID,
		"message_id", saved.ID,
		"chars", len(saved.Content),
		"duration_ms", result.Diagnostics.Duration.Milliseconds(),
	)
	o.changed()
}

// turnAgent picks the explicit agent, then the conversation's agent, then the
// session's selected agent.
func (o *Orchestrator) turnAgent(ctx context.Context, convID, key string) agent.Agent {
	if strings.TrimSpace(key) != "" {
		return o.resolveAgent(key)
	}
	if o.view != nil {
		if conv, ok := o.view.Conversation(convID); ok && conv.Agent != "" {
			return o.resolveAgent(conv.Agent)
		}
	}
	if conv, err := o.loadConversation(ctx, convID); err == nil && conv.Agent != "" {
		return o.resolveAgent(conv.Agent)
	}
	return o.selectedAgent()
}

// history collapses the conversation into a linear list ending with trigger.
// It reads the store directly when the view has not caught up.
func (o *Orchestrator) history(ctx context.Context, convID string, trigger chat.Message) ([]gateway.Message, error) {
	var msgs []chat.Message
	if conv, ok := o.viewConversation(convID); ok {
		msgs = conv.Messages
	} else {
		docs, err := o.store.Query(ctx, messagesOf(convID))
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			msg, err := chat.MessageFromFields(doc.ID, doc.Fields)
			if err != nil {
				continue
			}
			msgs = append(msgs, msg)
		}
	}

	found := false
	for _, m := range msgs {
		if m.ID == trigger.ID {
			found = true
			break
		}
	}
	if !found {
		msgs = append(msgs, trigger)
	}
	chat.SortMessages(msgs)
	return gateway.FromChat(msgs), nil
}

func (o *Orchestrator) viewConversation(id string) (chat.Conversation, bool) {
	if o.view == nil {
		return chat.Conversation{}, false
	}
	conv, ok := o.view.Conversation(id)
	if !ok || conv.LoadErr != "" {
		return chat.Conversation{}, false
	}
	return conv, true
}

func (o *Orchestrator) acquire(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[convID]; busy {
		return false
	}
	o.inFlight[convID] = struct{}{}
	return true
}

func (o *Orchestrator) release(convID string) {
	o.mu.Lock()
	delete(o.inFlight, convID)
	o.mu.Unlock()
	o.changed()
}

func (o *Orchestrator) token(convID, token string) {
	o.mu.Lock()
	buf, ok := o.streaming[convID]
	if !ok {
		buf = &strings.Builder{}
		o.streaming[convID] = buf
	}
	buf.WriteString(token)
	o.mu.Unlock()

	if o.hooks.OnToken != nil {
		o.hooks.OnToken(convID, token)
	}
}

func (o *Orchestrator) endStream(convID string) {
	o.mu.Lock()
	delete(o.streaming, convID)
	o.mu.Unlock()
}

func imageAttachment(parts []chat.ContentPart) *chat.Attachment {
	for _, part := range parts {
		if part.Type != chat.PartImageURL || part.ImageURL == nil {
			continue
		}
		name := "image"
		if url := part.ImageURL.URL; !strings.HasPrefix(url, "data:") {
			if base := path.Base(strings.SplitN(url, "?", 2)[0]); base != "." && base != "/" {
				name = base
			}
		}
		return &chat.Attachment{Kind: "image", FileName: name}
	}
	return nil
}
