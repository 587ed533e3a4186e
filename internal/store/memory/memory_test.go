package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/memory"
)

func TestAddGetUpdateDelete(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	id, err := s.Add(ctx, store.Conversations, map[string]any{"title": "New Chat", "ownerId": "u1"})
	if err != nil {
		t.Fatalf("Add err: %v", err)
	}

	if err := s.Update(ctx, store.Conversations, id, map[string]any{"title": "Renamed"}); err != nil {
		t.Fatalf("Update err: %v", err)
	}

	doc, err := s.Get(ctx, store.Conversations, id)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if doc.Fields["title"] != "Renamed" || doc.Fields["ownerId"] != "u1" {
		t.Fatalf("update did not merge: %#v", doc.Fields)
	}

	if err := s.Delete(ctx, store.Conversations, id); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if _, err := s.Get(ctx, store.Conversations, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	s := memory.New()
	err := s.Update(context.Background(), store.Conversations, "missing", map[string]any{"a": 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBatchIsAtomic(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	err := s.Batch(ctx,
		store.SetDoc(store.Messages, "m1", map[string]any{"content": "hi"}),
		store.UpdateDoc(store.Conversations, "missing", map[string]any{"title": "x"}),
	)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Count(store.Messages) != 0 {
		t.Fatal("failed batch must not apply any write")
	}
}

func TestHookCountsBatchAsOneWrite(t *testing.T) {
	writes := 0
	s := memory.New(memory.WithHook(func(memory.Op, string, string) error {
		writes++
		return nil
	}))
	ctx := context.Background()

	if err := s.Set(ctx, store.Conversations, "c1", map[string]any{"title": "t"}); err != nil {
		t.Fatalf("Set err: %v", err)
	}
	err := s.Batch(ctx,
		store.UpdateDoc(store.Conversations, "c1", map[string]any{"title": "u"}),
		store.SetDoc(store.Messages, "", map[string]any{"content": "joined"}),
	)
	if err != nil {
		t.Fatalf("Batch err: %v", err)
	}
	if writes != 2 {
		t.Fatalf("expected 2 writes, got %d", writes)
	}
	if s.Count(store.Messages) != 1 {
		t.Fatal("batch set with empty id should generate one")
	}
}

func TestSubscribeReceivesWrites(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	var last store.Snapshot
	cancel, err := s.Subscribe(store.Query{
		Collection: store.Messages,
		Where:      []store.Filter{store.Where("conversationId", "c1")},
		OrderBy:    "createdAt",
	}, func(snap store.Snapshot) { last = snap }, nil)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	if last.Version != 1 || len(last.Docs) != 0 {
		t.Fatalf("unexpected initial snapshot %+v", last)
	}

	_, _ = s.Add(ctx, store.Messages, map[string]any{"conversationId": "c1", "createdAt": "2024-01-01T00:00:00Z"})
	_, _ = s.Add(ctx, store.Messages, map[string]any{"conversationId": "c2", "createdAt": "2024-01-01T00:00:01Z"})

	if last.Version != 3 || len(last.Docs) != 1 {
		t.Fatalf("unexpected snapshot %+v", last)
	}

	cancel()
	if s.ActiveSubscriptions() != 0 {
		t.Fatalf("expected no active subscriptions, got %d", s.ActiveSubscriptions())
	}
}
