// Package session wires one synchronizer, orchestrator and typing tracker per
// signed-in owner and tears them down together.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/zhouzirui/gyb-chat/backend/internal/config"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/convsync"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/turn"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/typing"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

var (
	ErrOwnerRequired = errors.New("owner id is required")
	ErrManagerClosed = errors.New("session manager closed")
)

// Session is everything one owner's UI talks to.
type Session struct {
	OwnerID string
	Sync    *convsync.Synchronizer
	Turns   *turn.Orchestrator
	Typing  *typing.Tracker

	events     *broadcaster
	stopChange func()
}

// Events subscribes to change and token events.
func (s *Session) Events() (<-chan Event, func()) {
	return s.events.subscribe()
}

// State is the serialisable view of a session.
type State struct {
	Conversations []chat.Conversation `json:"conversations"`
	Loading       bool                `json:"loading"`
	LoadError     string              `json:"loadError,omitempty"`
	Error         string              `json:"error,omitempty"`
	Current       string              `json:"currentConversationId,omitempty"`
	SelectedAgent string              `json:"selectedAgent"`
	Quota         *turn.Notice        `json:"quota,omitempty"`
	Streaming     map[string]string   `json:"streaming,omitempty"`
	InFlight      []string            `json:"inFlight,omitempty"`
	Retryable     []string            `json:"retryable,omitempty"`
}

// State collects the current view.
func (s *Session) State() State {
	st := State{
		Conversations: s.Sync.Conversations(),
		Loading:       s.Sync.Loading(),
		Error:         s.Turns.Err(),
		Current:       s.Turns.CurrentConversation(),
		SelectedAgent: s.Turns.SelectedAgent(),
	}
	if err := s.Sync.Err(); err != nil {
		st.LoadError = err.Error()
	}
	if notice, ok := s.Turns.Quota(); ok {
		st.Quota = &notice
	}
	for _, conv := range st.Conversations {
		if text, ok := s.Turns.Streaming(conv.ID); ok {
			if st.Streaming == nil {
				st.Streaming = make(map[string]string)
			}
			st.Streaming[conv.ID] = text
		}
		if s.Turns.InFlight(conv.ID) {
			st.InFlight = append(st.InFlight, conv.ID)
		}
		if s.Turns.Retryable(conv.ID) {
			st.Retryable = append(st.Retryable, conv.ID)
		}
	}
	return st
}

func (s *Session) close() {
	s.stopChange()
	s.Sync.Close()
	s.Typing.Close()
	s.events.close()
}

// Manager owns the live sessions.
type Manager struct {
	store   store.Store
	gateway turn.Completer
	agents  agent.Store
	cfg     config.SessionConfig
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager builds an empty registry.
func NewManager(docs store.Store, completer turn.Completer, agents agent.Store, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    docs,
		gateway:  completer,
		agents:   agents,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns ownerID's session, creating and subscribing it on first use.
func (m *Manager) Get(_ context.Context, ownerID string) (*Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[ownerID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// build subscribes to the store, which may be remote, so it runs
	// without m.mu. Concurrent first calls for one owner keep the winner.
	s, err := m.build(ownerID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.close()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.sessions[ownerID]; ok {
		m.mu.Unlock()
		s.close()
		return existing, nil
	}
	m.sessions[ownerID] = s
	m.mu.Unlock()

	m.logger.Info("[session] opened", "owner_id", ownerID)
	return s, nil
}

func (m *Manager) build(ownerID string) (*Session, error) {
	events := newBroadcaster()
	view := convsync.New(m.store, m.logger)
	tracker := typing.New(m.store, m.cfg.TypingIdle, typing.WithLogger(m.logger))

	orch, err := turn.New(m.store, view, m.gateway, m.agents,
		turn.Owner{ID: ownerID, DisplayName: ownerID},
		m.cfg.DefaultAgent,
		turn.WithLogger(m.logger),
		turn.WithHooks(turn.Hooks{
			OnToken: func(conversationID, token string) {
				events.publish(Event{Type: EventToken, ConversationID: conversationID, Token: token})
			},
			OnChange: func() { events.publish(Event{Type: EventChange}) },
		}),
	)
	if err != nil {
		return nil, err
	}

	s := &Session{
		OwnerID: ownerID,
		Sync:    view,
		Turns:   orch,
		Typing:  tracker,
		events:  events,
	}
	s.stopChange = view.OnChange(func() { events.publish(Event{Type: EventChange}) })

	if err := view.Subscribe(ownerID); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// Close tears down ownerID's session, if any.
func (m *Manager) Close(ownerID string) {
	m.mu.Lock()
	s, ok := m.sessions[ownerID]
	delete(m.sessions, ownerID)
	m.mu.Unlock()

	if ok {
		s.close()
		m.logger.Info("[session] closed", "owner_id", ownerID)
	}
}

// CloseAll tears down every session and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Owners lists the owners with a live session.
func (m *Manager) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners
}
