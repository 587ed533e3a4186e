package convsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/memory"
)

func TestSubscribeLoadsConversationsAndMessages(t *testing.T) {
	docs := memory.New()
	ctx := context.Background()

	mustSet(t, docs, store.Conversations, "older", conversationFields(t, "u1", "Older", at(1)))
	mustSet(t, docs, store.Conversations, "newer", conversationFields(t, "u1", "Newer", at(5)))
	mustSet(t, docs, store.Conversations, "foreign", conversationFields(t, "u2", "Not mine", at(9)))
	mustSet(t, docs, store.Messages, "m2", messageFields(t, "older", "second", at(3)))
	mustSet(t, docs, store.Messages, "m1", messageFields(t, "older", "first", at(2)))

	s := New(docs, nil)
	defer s.Close()
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != "newer" || convs[1].ID != "older" {
		t.Fatalf("unexpected conversations %+v", convs)
	}
	if convs[0].Messages == nil || len(convs[0].Messages) != 0 {
		t.Fatalf("new conversation should start with an empty message list, got %#v", convs[0].Messages)
	}
	msgs := convs[1].Messages
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if s.Loading() {
		t.Fatal("expected loading to finish after the first snapshot")
	}

	if _, err := docs.Add(ctx, store.Messages, messageFields(t, "newer", "hello", at(6))); err != nil {
		t.Fatalf("Add err: %v", err)
	}
	conv, ok := s.Conversation("newer")
	if !ok || len(conv.Messages) != 1 || conv.Messages[0].Content != "hello" {
		t.Fatalf("live message not reflected: %+v", conv)
	}
}

func TestMetadataUpdateKeepsLoadedMessages(t *testing.T) {
	docs := &scriptedStore{}
	s := New(docs, nil)
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	top := docs.live(t, store.Conversations, "u1")
	top.next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "New Chat", at(1))},
	}})
	docs.live(t, store.Messages, "c1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "m1", Fields: messageFields(t, "c1", "hi", at(1))},
	}})

	top.next(store.Snapshot{Version: 2, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "Renamed", at(2))},
	}})

	conv, ok := s.Conversation("c1")
	if !ok || conv.Title != "Renamed" {
		t.Fatalf("metadata not updated: %+v", conv)
	}
	if len(conv.Messages) != 1 {
		t.Fatalf("metadata update wiped messages: %+v", conv.Messages)
	}
	if got := s.ActiveListeners(); got != 2 {
		t.Fatalf("metadata update must not add listeners, got %d", got)
	}
}

func TestStaleMessageSnapshotIgnored(t *testing.T) {
	docs := &scriptedStore{}
	s := New(docs, nil)
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	docs.live(t, store.Conversations, "u1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "New Chat", at(1))},
	}})

	msgs := docs.live(t, store.Messages, "c1")
	msgs.next(store.Snapshot{Version: 2, Docs: []store.Document{
		{ID: "m1", Fields: messageFields(t, "c1", "one", at(1))},
		{ID: "m2", Fields: messageFields(t, "c1", "two", at(2))},
	}})
	msgs.next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "m1", Fields: messageFields(t, "c1", "one", at(1))},
	}})

	conv, _ := s.Conversation("c1")
	if len(conv.Messages) != 2 {
		t.Fatalf("stale snapshot overwrote newer state: %+v", conv.Messages)
	}
}

func TestMessagesDedupedAndOrdered(t *testing.T) {
	docs := &scriptedStore{}
	s := New(docs, nil)
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	docs.live(t, store.Conversations, "u1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "New Chat", at(1))},
	}})

	docs.live(t, store.Messages, "c1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "m3", Fields: messageFields(t, "c1", "three", at(3))},
		{ID: "m1", Fields: messageFields(t, "c1", "one", at(1))},
		{ID: "m3", Fields: messageFields(t, "c1", "three", at(3))},
		{ID: "m2b", Fields: messageFields(t, "c1", "two-b", at(2))},
		{ID: "m2a", Fields: messageFields(t, "c1", "two-a", at(2))},
	}})

	conv, _ := s.Conversation("c1")
	var got []string
	for _, m := range conv.Messages {
		got = append(got, m.ID)
	}
	want := []string{"m1", "m2a", "m2b", "m3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got order %v, want %v", got, want)
	}
}

func TestOutOfOrderSnapshotsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		docs := &scriptedStore{}
		s := New(docs, nil)
		if err := s.Subscribe("u1"); err != nil {
			t.Fatalf("Subscribe err: %v", err)
		}
		docs.live(t, store.Conversations, "u1").next(store.Snapshot{Version: 1, Docs: []store.Document{
			{ID: "c1", Fields: conversationFields(t, "u1", "New Chat", at(0))},
		}})

		// The store's message set grows by one per append; snapshot k holds
		// the first k messages. Deliveries arrive shuffled.
		n := 1 + rng.Intn(12)
		var all []store.Document
		snaps := make([]store.Snapshot, 0, n)
		for k := 1; k <= n; k++ {
			all = append(all, store.Document{
				ID:     fmt.Sprintf("m%02d", k),
				Fields: messageFields(t, "c1", fmt.Sprintf("msg %d", k), at(k)),
			})
			docsCopy := append([]store.Document(nil), all...)
			rng.Shuffle(len(docsCopy), func(i, j int) { docsCopy[i], docsCopy[j] = docsCopy[j], docsCopy[i] })
			snaps = append(snaps, store.Snapshot{Version: uint64(k), Docs: docsCopy})
		}
		rng.Shuffle(len(snaps), func(i, j int) { snaps[i], snaps[j] = snaps[j], snaps[i] })

		listener := docs.live(t, store.Messages, "c1")
		for _, snap := range snaps {
			listener.next(snap)
		}

		conv, _ := s.Conversation("c1")
		if len(conv.Messages) != n {
			t.Fatalf("round %d: got %d messages, want %d", round, len(conv.Messages), n)
		}
		for i, m := range conv.Messages {
			if want := fmt.Sprintf("m%02d", i+1); m.ID != want {
				t.Fatalf("round %d: position %d holds %s, want %s", round, i, m.ID, want)
			}
		}
		s.Close()
	}
}

func TestRemovedConversationReleasesListener(t *testing.T) {
	docs := memory.New()
	ctx := context.Background()
	mustSet(t, docs, store.Conversations, "c1", conversationFields(t, "u1", "One", at(1)))
	mustSet(t, docs, store.Conversations, "c2", conversationFields(t, "u1", "Two", at(2)))

	s := New(docs, nil)
	defer s.Close()
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	if got := docs.ActiveSubscriptions(); got != 3 {
		t.Fatalf("expected 1 top-level + 2 nested listeners, got %d", got)
	}

	if err := docs.Delete(ctx, store.Conversations, "c1"); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if got := docs.ActiveSubscriptions(); got != 2 {
		t.Fatalf("listener for removed conversation leaked, active=%d", got)
	}
	if _, ok := s.Conversation("c1"); ok {
		t.Fatal("removed conversation still visible")
	}
	if got := s.ActiveListeners(); got != 2 {
		t.Fatalf("unexpected listener count %d", got)
	}
}

func TestRepeatedMountsDoNotLeak(t *testing.T) {
	docs := memory.New()
	for i := 0; i < 3; i++ {
		mustSet(t, docs, store.Conversations, fmt.Sprintf("c%d", i), conversationFields(t, "u1", "Chat", at(i)))
	}

	for cycle := 0; cycle < 5; cycle++ {
		s := New(docs, nil)
		if err := s.Subscribe("u1"); err != nil {
			t.Fatalf("Subscribe err: %v", err)
		}
		if err := s.Subscribe("u1"); err != nil {
			t.Fatalf("re-Subscribe err: %v", err)
		}
		if got := docs.ActiveSubscriptions(); got != 4 {
			t.Fatalf("cycle %d: expected 4 listeners, got %d", cycle, got)
		}
		s.Close()
		if got := docs.ActiveSubscriptions(); got != 0 {
			t.Fatalf("cycle %d: %d listeners survived Close", cycle, got)
		}
	}
}

func TestOwnerChangeSwapsView(t *testing.T) {
	docs := memory.New()
	mustSet(t, docs, store.Conversations, "a", conversationFields(t, "u1", "Mine", at(1)))
	mustSet(t, docs, store.Conversations, "b", conversationFields(t, "u2", "Theirs", at(1)))

	s := New(docs, nil)
	defer s.Close()
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	if err := s.Subscribe("u2"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}

	convs := s.Conversations()
	if len(convs) != 1 || convs[0].ID != "b" {
		t.Fatalf("unexpected view after owner change: %+v", convs)
	}
	if got := docs.ActiveSubscriptions(); got != 2 {
		t.Fatalf("expected 2 listeners, got %d", got)
	}

	if err := s.Subscribe(""); err != nil {
		t.Fatalf("logout err: %v", err)
	}
	if got := docs.ActiveSubscriptions(); got != 0 {
		t.Fatalf("logout left %d listeners", got)
	}
}

func TestTopLevelErrorIsSticky(t *testing.T) {
	docs := &scriptedStore{}
	s := New(docs, nil)
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	top := docs.live(t, store.Conversations, "u1")
	top.next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "New Chat", at(1))},
	}})

	top.fail(errors.New("permission denied"))

	if !errors.Is(s.Err(), ErrLoadConversations) {
		t.Fatalf("expected ErrLoadConversations, got %v", s.Err())
	}
	if len(s.Conversations()) != 1 {
		t.Fatal("failure must keep previously loaded data visible")
	}

	top.next(store.Snapshot{Version: 2, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "Renamed", at(2))},
	}})
	if s.Err() == nil {
		t.Fatal("load error should stay until the next Subscribe")
	}

	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("Subscribe should clear the load error, got %v", s.Err())
	}
}

func TestNestedErrorIsIsolated(t *testing.T) {
	docs := &scriptedStore{}
	s := New(docs, nil)
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	docs.live(t, store.Conversations, "u1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "One", at(1))},
		{ID: "c2", Fields: conversationFields(t, "u1", "Two", at(2))},
	}})

	docs.live(t, store.Messages, "c1").fail(errors.New("unavailable"))
	docs.live(t, store.Messages, "c2").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "m1", Fields: messageFields(t, "c2", "still flowing", at(3))},
	}})

	c1, _ := s.Conversation("c1")
	c2, _ := s.Conversation("c2")
	if c1.LoadErr == "" {
		t.Fatal("expected c1 to carry its listener error")
	}
	if c2.LoadErr != "" || len(c2.Messages) != 1 {
		t.Fatalf("sibling affected by nested failure: %+v", c2)
	}
	if s.Err() != nil {
		t.Fatalf("nested failure must not set the top-level error, got %v", s.Err())
	}
	if docs.active() != 3 {
		t.Fatalf("nested failure cancelled listeners, active=%d", docs.active())
	}
}

func TestCancelledListenerCallbacksIgnored(t *testing.T) {
	docs := &scriptedStore{}
	s := New(docs, nil)
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	docs.live(t, store.Conversations, "u1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "One", at(1))},
	}})
	stale := docs.live(t, store.Messages, "c1")

	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	docs.live(t, store.Conversations, "u1").next(store.Snapshot{Version: 1, Docs: []store.Document{
		{ID: "c1", Fields: conversationFields(t, "u1", "One", at(1))},
	}})

	stale.next(store.Snapshot{Version: 9, Docs: []store.Document{
		{ID: "ghost", Fields: messageFields(t, "c1", "from a dead listener", at(2))},
	}})

	conv, _ := s.Conversation("c1")
	if len(conv.Messages) != 0 {
		t.Fatalf("callback from a cancelled listener was applied: %+v", conv.Messages)
	}
}

func TestOnChangeFires(t *testing.T) {
	docs := memory.New()
	s := New(docs, nil)
	defer s.Close()

	calls := 0
	remove := s.OnChange(func() { calls++ })
	if err := s.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	mustSet(t, docs, store.Conversations, "c1", conversationFields(t, "u1", "One", at(1)))
	if calls == 0 {
		t.Fatal("expected change notifications")
	}

	remove()
	before := calls
	mustSet(t, docs, store.Conversations, "c2", conversationFields(t, "u1", "Two", at(2)))
	if calls != before {
		t.Fatal("removed listener still called")
	}
}

func mustSet(t *testing.T, docs store.Store, collection, id string, fields map[string]any) {
	t.Helper()
	if err := docs.Set(context.Background(), collection, id, fields); err != nil {
		t.Fatalf("Set %s/%s: %v", collection, id, err)
	}
}
