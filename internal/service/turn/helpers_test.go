package turn_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/convsync"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/turn"
	"github.com/zhouzirui/gyb-chat/backend/internal/store"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder logs every store write and can inject failures.
type recorder struct {
	mu     sync.Mutex
	ops    []string
	failOn func(op memory.Op, collection, id string) error
}

func (r *recorder) hook(op memory.Op, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != nil {
		if err := r.failOn(op, collection, id); err != nil {
			return err
		}
	}
	r.ops = append(r.ops, fmt.Sprintf("%s %s", op, collection))
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}

func (r *recorder) writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// fakeCompleter answers turns without a network.
type fakeCompleter struct {
	mu         sync.Mutex
	result     gateway.Result
	tokens     []string
	histories  [][]gateway.Message
	agents     []string
	parts      [][]chat.ContentPart
	blockChat  string
	started    chan struct{}
	release    chan struct{}
	streamHits int
	partsHits  int
}

func (f *fakeCompleter) Stream(ctx context.Context, history []gateway.Message, agentID string, opts gateway.StreamOptions) gateway.Result {
	f.mu.Lock()
	f.streamHits++
	f.histories = append(f.histories, history)
	f.agents = append(f.agents, agentID)
	result, tokens, block := f.result, f.tokens, f.blockChat
	f.mu.Unlock()

	if block != "" && opts.ChatID == block {
		close(f.started)
		<-f.release
	}
	for _, tok := range tokens {
		if opts.OnToken != nil {
			opts.OnToken(tok)
		}
	}
	return result
}

func (f *fakeCompleter) CompleteParts(ctx context.Context, parts []chat.ContentPart, agentID string) gateway.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partsHits++
	f.parts = append(f.parts, parts)
	f.agents = append(f.agents, agentID)
	return f.result
}

func (f *fakeCompleter) set(result gateway.Result) {
	f.mu.Lock()
	f.result = result
	f.mu.Unlock()
}

type harness struct {
	orch      *turn.Orchestrator
	docs      *memory.Store
	view      *convsync.Synchronizer
	rec       *recorder
	completer *fakeCompleter
	clock     *fakeClock
}

func newHarness(t *testing.T, opts ...turn.Option) *harness {
	t.Helper()
	h := &harness{
		rec:       &recorder{},
		completer: &fakeCompleter{result: gateway.Result{Content: "Happy to help."}},
		clock:     newFakeClock(),
	}
	h.docs = memory.New(memory.WithHook(h.rec.hook))
	h.view = convsync.New(h.docs, nil)
	if err := h.view.Subscribe("u1"); err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	t.Cleanup(h.view.Close)

	opts = append([]turn.Option{turn.WithClock(h.clock.Now)}, opts...)
	orch, err := turn.New(h.docs, h.view, h.completer, agent.NewMemoryStore(agent.Seed()),
		turn.Owner{ID: "u1", DisplayName: "Ada"}, "Chris", opts...)
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) create(t *testing.T) string {
	t.Helper()
	id, err := h.orch.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}
	return id
}

func (h *harness) storedMessages(t *testing.T, convID string) []chat.Message {
	t.Helper()
	docs, err := h.docs.Query(context.Background(), store.Query{
		Collection: store.Messages,
		Where:      []store.Filter{store.Where("conversationId", convID)},
		OrderBy:    "createdAt",
	})
	if err != nil {
		t.Fatalf("Query err: %v", err)
	}
	out := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := chat.MessageFromFields(doc.ID, doc.Fields)
		if err != nil {
			t.Fatalf("decode message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (h *harness) storedConversation(t *testing.T, id string) (chat.Conversation, bool) {
	t.Helper()
	doc, err := h.docs.Get(context.Background(), store.Conversations, id)
	if err != nil {
		return chat.Conversation{}, false
	}
	conv, err := chat.ConversationFromFields(doc.ID, doc.Fields)
	if err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return conv, true
}
