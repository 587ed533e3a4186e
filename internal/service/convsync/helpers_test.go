package convsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func conversationFields(t *testing.T, owner, title string, updated time.Time) map[string]any {
	t.Helper()
	conv := chat.Conversation{OwnerID: owner, Title: title, CreatedAt: base, UpdatedAt: updated}
	fields, err := store.Normalize(conv.Fields())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return fields
}

func messageFields(t *testing.T, convID, content string, created time.Time) map[string]any {
	t.Helper()
	msg := chat.Message{ConversationID: convID, Role: chat.RoleUser, SenderID: "u1", Content: content, CreatedAt: created}
	fields, err := store.Normalize(msg.Fields())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return fields
}

// scriptedStore hands subscriptions to the test, which decides what each
// listener sees and in which order.
type scriptedStore struct {
	mu   sync.Mutex
	subs []*scriptedSub
}

type scriptedSub struct {
	query     store.Query
	next      func(store.Snapshot)
	fail      func(error)
	cancelled bool
}

var errScripted = errors.New("scripted store does not support writes")

func (s *scriptedStore) Add(context.Context, string, map[string]any) (string, error) {
	return "", errScripted
}
func (s *scriptedStore) Set(context.Context, string, string, map[string]any) error { return errScripted }
func (s *scriptedStore) Update(context.Context, string, string, map[string]any) error {
	return errScripted
}
func (s *scriptedStore) Delete(context.Context, string, string) error { return errScripted }
func (s *scriptedStore) Get(context.Context, string, string) (store.Document, error) {
	return store.Document{}, store.ErrNotFound
}
func (s *scriptedStore) Query(context.Context, store.Query) ([]store.Document, error) {
	return nil, nil
}
func (s *scriptedStore) Batch(context.Context, ...store.Write) error { return errScripted }
func (s *scriptedStore) Close() error                                { return nil }

func (s *scriptedStore) Subscribe(q store.Query, next func(store.Snapshot), fail func(error)) (func(), error) {
	sub := &scriptedSub{query: q, next: next, fail: fail}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		sub.cancelled = true
		s.mu.Unlock()
	}, nil
}

// live returns the newest uncancelled listener on collection filtered by value.
func (s *scriptedStore) live(t *testing.T, collection string, value any) *scriptedSub {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.subs) - 1; i >= 0; i-- {
		sub := s.subs[i]
		if sub.cancelled || sub.query.Collection != collection {
			continue
		}
		if len(sub.query.Where) > 0 && sub.query.Where[0].Value == value {
			return sub
		}
	}
	t.Fatalf("no live listener on %s for %v", collection, value)
	return nil
}

func (s *scriptedStore) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if !sub.cancelled {
			n++
		}
	}
	return n
}
