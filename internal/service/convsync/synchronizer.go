// Package convsync keeps a live, read-only view of one owner's conversations
// and their messages on top of a store.Store subscription tree.
package convsync

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

// ErrLoadConversations is the sticky error reported after the conversation
// listener fails. Already loaded data stays visible.
var ErrLoadConversations = errors.New("failed to load conversations")

// Synchronizer projects the conversations collection of one owner, with one
// nested message listener per visible conversation. It never writes.
type Synchronizer struct {
	store    store.Store
	logger   *slog.Logger
	registry *registry

	// lifecycle serializes Subscribe and Close.
	lifecycle sync.Mutex

	mu        sync.Mutex
	epoch     uint64
	closed    bool
	owner     string
	top       func()
	entries   map[string]*entry
	order     []string
	err       error
	loading   bool
	listeners map[uint64]func()
	nextID    uint64
}

type entry struct {
	meta     chat.Conversation
	messages []chat.Message
	loadErr  string
	gen      uint64
	version  uint64
}

// New builds an idle synchronizer. Call Subscribe to start listening.
func New(docs store.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:     docs,
		logger:    logger,
		registry:  newRegistry(),
		entries:   make(map[string]*entry),
		listeners: make(map[uint64]func()),
	}
}

// Subscribe tears down every outstanding listener and then follows ownerID's
// conversations. An empty owner only tears down. Resubscribing the same owner
// keeps the loaded view until fresh snapshots replace it.
func (s *Synchronizer) Subscribe(ownerID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	s.epoch++
	epoch := s.epoch
	top := s.top
	s.top = nil
	if ownerID != s.owner {
		s.entries = make(map[string]*entry)
		s.order = nil
	}
	s.owner = ownerID
	s.err = nil
	s.loading = ownerID != ""
	s.mu.Unlock()

	if top != nil {
		top()
	}
	s.registry.reset(epoch)
	s.notify()

	if ownerID == "" {
		return nil
	}

	q := store.Query{
		Collection: store.Conversations,
		Where:      []store.Filter{store.Where("ownerId", ownerID)},
		OrderBy:    "updatedAt",
		Desc:       true,
	}
	cancel, err := s.store.Subscribe(q,
		func(snap store.Snapshot) { s.onConversations(epoch, snap) },
		func(err error) { s.onConversationsError(epoch, err) },
	)
	if err != nil {
		s.onConversationsError(epoch, err)
		return fmt.Errorf("%w: %v", ErrLoadConversations, err)
	}

	s.mu.Lock()
	if s.epoch == epoch && !s.closed {
		s.top = cancel
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	cancel()
	return nil
}

// Close cancels every listener. The synchronizer cannot be reused.
func (s *Synchronizer) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	epoch := s.epoch
	top := s.top
	s.top = nil
	s.mu.Unlock()

	if top != nil {
		top()
	}
	s.registry.reset(epoch)
}

func (s *Synchronizer) onConversations(epoch uint64, snap store.Snapshot) {
	convs := make([]chat.Conversation, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		conv, err := chat.ConversationFromFields(doc.ID, doc.Fields)
		if err != nil {
			s.logger.Warn("[sync] skipping undecodable conversation", "conversation_id", doc.ID, "error", err)
			continue
		}
		convs = append(convs, conv)
	}

	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	next := make(map[string]*entry, len(convs))
	order := make([]string, 0, len(convs))
	for _, conv := range convs {
		if _, dup := next[conv.ID]; dup {
			continue
		}
		e, ok := s.entries[conv.ID]
		if !ok {
			e = &entry{messages: []chat.Message{}}
		}
		e.meta = conv
		next[conv.ID] = e
		order = append(order, conv.ID)
	}
	s.entries = next
	s.order = order
	s.loading = false
	s.mu.Unlock()

	keep := make(map[string]struct{}, len(order))
	for _, id := range order {
		keep[id] = struct{}{}
	}
	s.registry.retain(epoch, keep)

	for _, id := range order {
		if !s.registry.has(id) {
			s.watchMessages(epoch, id)
		}
	}
	s.notify()
}

func (s *Synchronizer) onConversationsError(epoch uint64, err error) {
	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return
	}
	s.err = fmt.Errorf("%w: %v", ErrLoadConversations, err)
	s.loading = false
	owner := s.owner
	s.mu.Unlock()

	s.logger.Error("[sync] conversation listener failed", "owner_id", owner, "error", err)
	s.notify()
}

func (s *Synchronizer) watchMessages(epoch uint64, id string) {
	gen, ok := s.registry.reserve(epoch, id)
	if !ok {
		return
	}

	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.gen = gen
		e.version = 0
	}
	s.mu.Unlock()

	q := store.Query{
		Collection: store.Messages,
		Where:      []store.Filter{store.Where("conversationId", id)},
		OrderBy:    "createdAt",
	}
	cancel, err := s.store.Subscribe(q,
		func(snap store.Snapshot) { s.onMessages(id, gen, snap) },
		func(err error) { s.onMessagesError(id, gen, err) },
	)
	if err != nil {
		s.onMessagesError(id, gen, err)
		s.registry.release(id, gen)
		return
	}
	s.registry.attach(id, gen, cancel)
}

func (s *Synchronizer) onMessages(id string, gen uint64, snap store.Snapshot) {
	msgs := make([]chat.Message, 0, len(snap.Docs))
	seen := make(map[string]struct{}, len(snap.Docs))
	for _, doc := range snap.Docs {
		if _, dup := seen[doc.ID]; dup {
			continue
		}
		msg, err := chat.MessageFromFields(doc.ID, doc.Fields)
		if err != nil {
			s.logger.Warn("[sync] skipping undecodable message", "conversation_id", id, "message_id", doc.ID, "error", err)
			continue
		}
		if msg.ConversationID == "" {
			msg.ConversationID = id
		}
		seen[doc.ID] = struct{}{}
		msgs = append(msgs, msg)
	}
	chat.SortMessages(msgs)

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || !s.registry.current(id, gen) {
		s.mu.Unlock()
		return
	}
	if snap.Version <= e.version {
		s.mu.Unlock()
		s.logger.Debug("[sync] dropping stale message snapshot", "conversation_id", id, "version", snap.Version)
		return
	}
	e.version = snap.Version
	e.messages = msgs
	e.loadErr = ""
	s.mu.Unlock()

	s.notify()
}

func (s *Synchronizer) onMessagesError(id string, gen uint64, err error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.loadErr = err.Error()
	s.mu.Unlock()

	s.logger.Warn("[sync] message listener failed", "conversation_id", id, "error", err)
	s.notify()
}

// Conversations returns a copy of the view, most recently updated first.
func (s *Synchronizer) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chat.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].snapshot())
	}
	return out
}

// Conversation returns one conversation from the view.
func (s *Synchronizer) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return chat.Conversation{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() chat.Conversation {
	conv := e.meta
	conv.Participants = append([]chat.Participant(nil), e.meta.Participants...)
	conv.Messages = make([]chat.Message, len(e.messages))
	copy(conv.Messages, e.messages)
	conv.LoadErr = e.loadErr
	return conv
}

// Owner returns the owner currently followed.
func (s *Synchronizer) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Err returns the sticky load error, if any. It is cleared by Subscribe.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Loading reports whether the first conversation snapshot is still pending.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// ActiveListeners counts the live top-level and nested listeners.
func (s *Synchronizer) ActiveListeners() int {
	s.mu.Lock()
	n := 0
	if s.top != nil {
		n = 1
	}
	s.mu.Unlock()
	return n + s.registry.len()
}

// OnChange registers fn to run after every view change. fn runs on the
// store's delivery goroutine and must not block.
func (s *Synchronizer) OnChange(fn func()) (remove func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
