package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/memory"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/remote"
)

func setupServer(t *testing.T) (*memory.Store, *remote.Store) {
	t.Helper()
	backing := memory.New()

	r := chi.NewRouter()
	New(backing, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	client, err := remote.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return backing, client
}

func TestRemoteRoundTrip(t *testing.T) {
	backing, client := setupServer(t)
	ctx := context.Background()

	id, err := client.Add(ctx, store.Conversations, map[string]any{"title": "New Chat", "ownerId": "u1"})
	if err != nil {
		t.Fatalf("Add err: %v", err)
	}
	if backing.Count(store.Conversations) != 1 {
		t.Fatal("write did not reach the backing store")
	}

	doc, err := client.Get(ctx, store.Conversations, id)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if doc.Fields["title"] != "New Chat" {
		t.Fatalf("unexpected doc %#v", doc)
	}

	if err := client.Update(ctx, store.Conversations, "missing", map[string]any{"title": "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across the wire, got %v", err)
	}
}

func TestRemoteSubscriptionReceivesSnapshots(t *testing.T) {
	backing, client := setupServer(t)
	ctx := context.Background()

	snaps := make(chan store.Snapshot, 8)
	cancel, err := client.Subscribe(store.Query{Collection: store.Messages, OrderBy: "createdAt"}, func(s store.Snapshot) {
		snaps <- s
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	waitSnapshot(t, snaps, 0)

	if _, err := backing.Add(ctx, store.Messages, map[string]any{"content": "hi", "createdAt": "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("Add err: %v", err)
	}
	waitSnapshot(t, snaps, 1)

	cancel()
	if client.ActiveSubscriptions() != 0 {
		t.Fatalf("expected no client subscriptions, got %d", client.ActiveSubscriptions())
	}

	deadline := time.Now().Add(2 * time.Second)
	for backing.ActiveSubscriptions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server kept %d subscriptions after unsubscribe", backing.ActiveSubscriptions())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitSnapshot(t *testing.T, ch <-chan store.Snapshot, wantDocs int) {
	t.Helper()
	select {
	case snap := <-ch:
		if len(snap.Docs) != wantDocs {
			t.Fatalf("expected %d docs, got %d", wantDocs, len(snap.Docs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}
