package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// QueryFunc loads the current result set for a query.
type QueryFunc func(ctx context.Context, q Query) ([]Document, error)

// Hub fans out fresh snapshots to live subscriptions. Backends call Notify
// after each committed write.
type Hub struct {
	load QueryFunc

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	query Query
	next  func(Snapshot)
	fail  func(error)

	// deliver serializes callbacks; closed is checked under it so no
	// callback starts after cancel returns from another goroutine.
	deliver sync.Mutex
	version uint64
	closed  atomic.Bool
}

// NewHub builds a hub that loads snapshots with load.
func NewHub(load QueryFunc) *Hub {
	return &Hub{load: load, subs: make(map[uint64]*subscription)}
}

// Subscribe registers a live query and delivers its initial snapshot before
// returning.
func (h *Hub) Subscribe(q Query, next func(Snapshot), fail func(error)) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if next == nil {
		next = func(Snapshot) {}
	}
	if fail == nil {
		fail = func(error) {}
	}

	sub := &subscription{query: q, next: next, fail: fail}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.closed.Store(true)
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}

	h.refresh(sub)
	return cancel, nil
}

// Notify refreshes every subscription on the given collections.
func (h *Hub) Notify(collections ...string) {
	if len(collections) == 0 {
		return
	}
	wanted := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		wanted[c] = struct{}{}
	}

	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if _, ok := wanted[sub.query.Collection]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.refresh(sub)
	}
}

// NotifyAll refreshes every live subscription, used after a lost change feed
// reconnects.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.refresh(sub)
	}
}

func (h *Hub) refresh(sub *subscription) {
	sub.deliver.Lock()
	defer sub.deliver.Unlock()

	if sub.closed.Load() {
		return
	}
	docs, err := h.load(context.Background(), sub.query)
	if sub.closed.Load() {
		return
	}
	if err != nil {
		sub.fail(err)
		return
	}
	sub.version++
	sub.next(Snapshot{Version: sub.version, Docs: docs})
}

// Active returns the number of live subscriptions.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscription without notifying it.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		sub.closed.Store(true)
		delete(h.subs, id)
	}
	h.closed = true
}
