// Package typing keeps ephemeral "is typing" indicators in the typing
// collection. Expiry is evaluated by readers against an idle window.
package typing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

// DefaultIdle is how long an indicator stays visible without a refresh.
const DefaultIdle = 5 * time.Second

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker writes and watches typing indicators.
type Tracker struct {
	store  store.Store
	idle   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	watches map[uint64]func()
	nextID  uint64
	closed  bool
}

// New builds a tracker. A non-positive idle falls back to DefaultIdle.
func New(docs store.Store, idle time.Duration, opts ...Option) *Tracker {
	if idle <= 0 {
		idle = DefaultIdle
	}
	t := &Tracker{
		store:   docs,
		idle:    idle,
		now:     time.Now,
		logger:  slog.Default(),
		watches: make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DocID is the indicator's document id.
func DocID(conversationID, participantID string) string {
	return conversationID + "_" + participantID
}

// Touch marks participantID as typing in the conversation.
func (t *Tracker) Touch(ctx context.Context, conversationID, participantID string) error {
	if conversationID == "" || participantID == "" {
		return errors.New("conversation and participant are required")
	}
	fields := map[string]any{
		"conversationId": conversationID,
		"participantId":  participantID,
		"active":         true,
		"updatedAt":      t.now().UTC(),
	}
	return t.store.Set(ctx, store.Typing, DocID(conversationID, participantID), fields)
}

// Clear removes the indicator, typically on blur or unmount.
func (t *Tracker) Clear(ctx context.Context, conversationID, participantID string) error {
	err := t.store.Delete(ctx, store.Typing, DocID(conversationID, participantID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Active returns the live indicators of a conversation.
func (t *Tracker) Active(ctx context.Context, conversationID string) ([]chat.TypingIndicator, error) {
	docs, err := t.store.Query(ctx, t.query(conversationID))
	if err != nil {
		return nil, err
	}
	return t.live(docs), nil
}

// Watch calls fn with the live indicators of a conversation on every change.
func (t *Tracker) Watch(conversationID string, fn func([]chat.TypingIndicator)) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, store.ErrClosed
	}
	t.nextID++
	id := t.nextID
	t.mu.Unlock()

	cancel, err := t.store.Subscribe(t.query(conversationID),
		func(snap store.Snapshot) { fn(t.live(snap.Docs)) },
		func(err error) {
			t.logger.Warn("[typing] watch failed", "conversation_id", conversationID, "error", err)
		},
	)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, store.ErrClosed
	}
	t.watches[id] = cancel
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.watches, id)
		t.mu.Unlock()
		cancel()
	}, nil
}

// Close cancels every watch.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	watches := t.watches
	t.watches = make(map[uint64]func())
	t.mu.Unlock()

	for _, cancel := range watches {
		cancel()
	}
}

func (t *Tracker) query(conversationID string) store.Query {
	return store.Query{
		Collection: store.Typing,
		Where:      []store.Filter{store.Where("conversationId", conversationID)},
		OrderBy:    "participantId",
	}
}

func (t *Tracker) live(docs []store.Document) []chat.TypingIndicator {
	now := t.now().UTC()
	out := make([]chat.TypingIndicator, 0, len(docs))
	for _, doc := range docs {
		var ind chat.TypingIndicator
		if err := doc.Decode(&ind); err != nil {
			continue
		}
		if ind.Expired(now, t.idle) {
			continue
		}
		out = append(out, ind)
	}
	return out
}
