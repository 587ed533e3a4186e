// Package memory is an in-process real-time document store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

// Op names the write reported to a Hook.
type Op string

const (
	OpAdd    Op = "add"
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpBatch  Op = "batch"
)

// Hook runs before every write. A non-nil error aborts the write.
type Hook func(op Op, collection, id string) error

// Option configures a Store.
type Option func(*Store)

// WithHook installs a write hook.
func WithHook(h Hook) Option {
	return func(s *Store) { s.hook = h }
}

// Store keeps documents in maps guarded by a single RWMutex.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	hook        Hook
	hub         *store.Hub
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{collections: make(map[string]map[string]map[string]any)}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = store.NewHub(s.Query)
	return s
}

func (s *Store) runHook(op Op, collection, id string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(op, collection, id)
}

func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.write(ctx, OpAdd, store.SetDoc(collection, id, fields)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.write(ctx, OpSet, store.SetDoc(collection, id, fields))
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.write(ctx, OpUpdate, store.UpdateDoc(collection, id, fields))
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.write(ctx, OpDelete, store.DeleteDoc(collection, id))
}

func (s *Store) write(ctx context.Context, op Op, w store.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.runHook(op, w.Collection, w.ID); err != nil {
		return err
	}
	if err := s.apply([]store.Write{w}); err != nil {
		return err
	}
	s.hub.Notify(w.Collection)
	return nil
}

// Batch applies all writes atomically; the hook sees it as a single write.
func (s *Store) Batch(ctx context.Context, writes ...store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.runHook(OpBatch, writes[0].Collection, writes[0].ID); err != nil {
		return err
	}
	for i := range writes {
		if writes[i].Kind == store.WriteSet && writes[i].ID == "" {
			writes[i].ID = uuid.NewString()
		}
	}
	if err := s.apply(writes); err != nil {
		return err
	}
	s.hub.Notify(store.Collections(writes)...)
	return nil
}

// apply validates every write before mutating anything.
func (s *Store) apply(writes []store.Write) error {
	normalized := make([]map[string]any, len(writes))
	for i, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("memory: collection and id are required")
		}
		if w.Kind == store.WriteDelete {
			continue
		}
		fields, err := store.Normalize(w.Fields)
		if err != nil {
			return err
		}
		normalized[i] = fields
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if w.Kind != store.WriteUpdate {
			continue
		}
		if _, ok := s.collections[w.Collection][w.ID]; !ok {
			return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
		}
	}

	for i, w := range writes {
		docs := s.collections[w.Collection]
		if docs == nil {
			docs = make(map[string]map[string]any)
			s.collections[w.Collection] = docs
		}
		switch w.Kind {
		case store.WriteSet:
			docs[w.ID] = normalized[i]
		case store.WriteUpdate:
			docs[w.ID] = store.Merge(docs[w.ID], normalized[i])
		case store.WriteDelete:
			delete(docs, w.ID)
		default:
			return fmt.Errorf("memory: unknown write kind %q", w.Kind)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.collections[collection][id]
	if !ok {
		return store.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, store.ErrNotFound)
	}
	return store.Document{ID: id, Fields: store.Merge(fields, nil)}, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	docs := make([]store.Document, 0, len(s.collections[q.Collection]))
	for id, fields := range s.collections[q.Collection] {
		docs = append(docs, store.Document{ID: id, Fields: store.Merge(fields, nil)})
	}
	s.mu.RUnlock()

	return store.Evaluate(q, docs), nil
}

func (s *Store) Subscribe(q store.Query, next func(store.Snapshot), fail func(error)) (func(), error) {
	return s.hub.Subscribe(q, next, fail)
}

// ActiveSubscriptions reports the number of live listeners.
func (s *Store) ActiveSubscriptions() int {
	return s.hub.Active()
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *Store) Close() error {
	s.hub.Close()
	return nil
}
