// Package turn is the single write path for conversations: it appends
// messages, runs AI turns through the completion gateway and manages
// participants, all against the store the synchronizer reads from.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

var (
	ErrOwnerRequired        = errors.New("owner id is required")
	ErrConversationRequired = errors.New("conversation id is required")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotOwner             = errors.New("conversation belongs to another user")
	ErrNotParticipant       = errors.New("requester is not a participant of this conversation")
	ErrInvalidRole          = errors.New("invalid message role")
	ErrEmptyMessage         = errors.New("message content is required")
	ErrEmptyTitle           = errors.New("title is required")
	ErrUnknownAgent         = errors.New("unknown agent")
	ErrNothingToRetry       = errors.New("no failed prompt to retry")
)

// Completer produces assistant replies. *gateway.Client satisfies it.
type Completer interface {
	Stream(ctx context.Context, history []gateway.Message, agentID string, opts gateway.StreamOptions) gateway.Result
	CompleteParts(ctx context.Context, parts []chat.ContentPart, agentID string) gateway.Result
}

// View is the local read model. *convsync.Synchronizer satisfies it.
type View interface {
	Conversation(id string) (chat.Conversation, bool)
}

// AddResult reports the outcome of AddParticipant.
type AddResult string

const (
	Added  AddResult = "added"
	Exists AddResult = "exists"
)

// Hooks receive session events for UI fan-out. Both run synchronously and
// must not block.
type Hooks struct {
	OnToken  func(conversationID, token string)
	OnChange func()
}

// Owner identifies the human driving the session.
type Owner struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.clock.now = now }
}

// WithHooks installs UI hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// Orchestrator drives one client session.
type Orchestrator struct {
	store   store.Store
	view    View
	gateway Completer
	agents  agent.Store
	logger  *slog.Logger
	owner   Owner
	clock   *clock
	hooks   Hooks

	mu          sync.Mutex
	current     string
	selected    string
	err         *sessionError
	diagnostics *gateway.Diagnostics
	notice      *Notice
	retryable   map[string]pendingPrompt
	streaming   map[string]*strings.Builder
	inFlight    map[string]struct{}
}

// New builds an orchestrator for owner. defaultAgent seeds the selected agent.
func New(docs store.Store, view View, completer Completer, agents agent.Store, owner Owner, defaultAgent string, opts ...Option) (*Orchestrator, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return nil, ErrOwnerRequired
	}
	if owner.DisplayName == "" {
		owner.DisplayName = owner.ID
	}

	o := &Orchestrator{
		store:     docs,
		view:      view,
		gateway:   completer,
		agents:    agents,
		logger:    slog.Default(),
		owner:     owner,
		clock:     newClock(time.Now),
		selected:  defaultAgent,
		retryable: make(map[string]pendingPrompt),
		streaming: make(map[string]*strings.Builder),
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// CreateConversation writes a fresh conversation tied to the selected agent
// and makes it current.
func (o *Orchestrator) CreateConversation(ctx context.Context) (string, error) {
	a := o.selectedAgent()
	now := o.clock.next()

	owner := chat.Participant{
		ID:          o.owner.ID,
		Kind:        chat.ParticipantHuman,
		DisplayName: o.owner.DisplayName,
		AvatarURL:   o.owner.AvatarURL,
		JoinedAt:    now,
	}
	member := a.Participant()
	member.JoinedAt = now

	conv := chat.Conversation{
		OwnerID:      o.owner.ID,
		Title:        chat.DefaultTitle,
		Agent:        a.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []chat.Participant{owner, member},
	}

	id, err := o.store.Add(ctx, store.Conversations, conv.Fields())
	if err != nil {
		o.fail("failed to create conversation", err)
		return "", err
	}

	o.mu.Lock()
	o.current = id
	o.mu.Unlock()

	o.logger.Info("[turn] conversation created", "conversation_id", id, "owner_id", o.owner.ID, "agent", a.Name)
	o.changed()
	return id, nil
}

// StartConversation creates a conversation and posts the agent's greeting.
func (o *Orchestrator) StartConversation(ctx context.Context) (string, error) {
	id, err := o.CreateConversation(ctx)
	if err != nil {
		return "", err
	}
	a := o.selectedAgent()
	if err := o.AppendMessage(ctx, id, a.Greeting(), chat.RoleAssistant, "", a.ID); err != nil {
		return id, err
	}
	return id, nil
}

// DeleteConversation removes every message one by one and then the
// conversation. The first failure stops the sequence and leaves the
// conversation in place.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) bool {
	if _, err := o.ownedConversation(ctx, id); err != nil {
		o.fail("failed to delete conversation", err)
		return false
	}

	docs, err := o.store.Query(ctx, messagesOf(id))
	if err != nil {
		o.fail("failed to delete conversation", err)
		return false
	}
	for _, doc := range docs {
		if err := o.store.Delete(ctx, store.Messages, doc.ID); err != nil {
			o.fail("failed to delete conversation", fmt.Errorf("message %s: %w", doc.ID, err))
			return false
		}
	}
	if err := o.store.Delete(ctx, store.Conversations, id); err != nil {
		o.fail("failed to delete conversation", err)
		return false
	}

	o.mu.Lock()
	if o.current == id {
		o.current = ""
	}
	delete(o.retryable, id)
	delete(o.streaming, id)
	o.mu.Unlock()

	o.logger.Info("[turn] conversation deleted", "conversation_id", id, "messages", len(docs))
	o.changed()
	return true
}

// RenameConversation sets the title and bumps updatedAt.
func (o *Orchestrator) RenameConversation(ctx context.Context, id, title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		o.fail("failed to rename conversation", ErrEmptyTitle)
		return false
	}
	if _, err := o.memberConversation(ctx, id); err != nil {
		o.fail("failed to rename conversation", err)
		return false
	}

	fields := map[string]any{"title": title, "updatedAt": o.clock.next()}
	if err := o.store.Update(ctx, store.Conversations, id, fields); err != nil {
		o.fail("failed to rename conversation", err)
		return false
	}
	o.changed()
	return true
}

// SetConversationAgent switches the agent a conversation talks to.
func (o *Orchestrator) SetConversationAgent(ctx context.Context, id, agentKey string) bool {
	a, ok := o.agents.Resolve(agentKey)
	if !ok {
		o.fail("failed to switch agent", fmt.Errorf("%w: %s", ErrUnknownAgent, agentKey))
		return false
	}
	if _, err := o.memberConversation(ctx, id); err != nil {
		o.fail("failed to switch agent", err)
		return false
	}

	fields := map[string]any{"agent": a.Name, "updatedAt": o.clock.next()}
	if err := o.store.Update(ctx, store.Conversations, id, fields); err != nil {
		o.fail("failed to switch agent", err)
		return false
	}

	o.mu.Lock()
	o.selected = a.Name
	o.mu.Unlock()
	o.changed()
	return true
}

// AddParticipant adds p unless already present. The session owner must be a
// member. A successful add is a single batch holding the membership update
// and a join notice.
func (o *Orchestrator) AddParticipant(ctx context.Context, id string, p chat.Participant) (AddResult, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", errors.New("participant id is required")
	}

	conv, err := o.loadConversation(ctx, id)
	if err != nil {
		o.fail("failed to add participant", err)
		return "", err
	}
	if conv.OwnerID != o.owner.ID && !conv.HasParticipant(o.owner.ID) {
		return "", ErrNotParticipant
	}
	if conv.HasParticipant(p.ID) {
		return Exists, nil
	}

	if p.Kind == "" {
		p.Kind = chat.ParticipantHuman
	}
	if p.Kind == chat.ParticipantAgent {
		if a, ok := o.agents.Resolve(p.ID); ok {
			resolved := a.Participant()
			if p.DisplayName != "" {
				resolved.DisplayName = p.DisplayName
			}
			p = resolved
		}
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}

	now := o.clock.next()
	p.JoinedAt = now
	participants := append(append([]chat.Participant(nil), conv.Participants...), p)

	notice := chat.Message{
		ConversationID: id,
		Role:           chat.RoleSystem,
		Content:        fmt.Sprintf("%s just joined the chat.", p.DisplayName),
		CreatedAt:      now,
	}

	err = o.store.Batch(ctx,
		store.UpdateDoc(store.Conversations, id, chat.ParticipantFields(participants, now)),
		store.SetDoc(store.Messages, uuid.NewString(), notice.Fields()),
	)
	if err != nil {
		o.fail("failed to add participant", err)
		return "", err
	}

	o.logger.Info("chat_participant_added",
		"conversation_id", id,
		"participant_id", p.ID,
		"participant_kind", p.Kind,
		"added_by", o.owner.ID,
	)
	o.changed()
	return Added, nil
}

// loadConversation reads the conversation straight from the store.
func (o *Orchestrator) loadConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if id == "" {
		return chat.Conversation{}, ErrConversationRequired
	}
	doc, err := o.store.Get(ctx, store.Conversations, id)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	return chat.ConversationFromFields(doc.ID, doc.Fields)
}

// memberConversation loads id and requires the session owner to own it or
// be one of its participants.
func (o *Orchestrator) memberConversation(ctx context.Context, id string) (chat.Conversation, error) {
	conv, err := o.loadConversation(ctx, id)
	if err != nil {
		return conv, err
	}
	if conv.OwnerID != o.owner.ID && !conv.HasParticipant(o.owner.ID) {
		return conv, ErrNotOwner
	}
	return conv, nil
}

// Authorize reports whether the session owner may write to conversation id.
// It returns ErrConversationNotFound or ErrNotOwner otherwise.
func (o *Orchestrator) Authorize(ctx context.Context, id string) error {
	_, err := o.memberConversation(ctx, id)
	return err
}

func (o *Orchestrator) ownedConversation(ctx context.Context, id string) (chat.Conversation, error) {
	conv, err := o.loadConversation(ctx, id)
	if err != nil {
		return conv, err
	}
	if conv.OwnerID != o.owner.ID {
		return conv, ErrNotOwner
	}
	return conv, nil
}

func (o *Orchestrator) selectedAgent() agent.Agent {
	o.mu.Lock()
	key := o.selected
	o.mu.Unlock()
	return o.resolveAgent(key)
}

// resolveAgent maps a name or id to a directory entry, or a bare agent
// carrying the key for selectors outside the directory.
func (o *Orchestrator) resolveAgent(key string) agent.Agent {
	if a, ok := o.agents.Resolve(key); ok {
		return a
	}
	name := o.agents.DisplayName(key)
	id := strings.ToLower(strings.TrimSpace(key))
	if id == "" {
		id = strings.ToLower(name)
	}
	return agent.Agent{ID: id, Name: name, SystemPrompt: agent.DefaultSystemPrompt}
}

func messagesOf(conversationID string) store.Query {
	return store.Query{
		Collection: store.Messages,
		Where:      []store.Filter{store.Where("conversationId", conversationID)},
		OrderBy:    "createdAt",
	}
}
