// Package store defines the real-time document store the conversation pipeline
// reads from and writes to, plus the query and fan-out machinery shared by its
// backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrClosed       = errors.New("store closed")
	ErrInvalidQuery = errors.New("invalid query")
)

// Collections used by the chat pipeline.
const (
	Conversations = "conversations"
	Messages      = "messages"
	Typing        = "typing"
)

// Document is a stored record. Field values are kept in their JSON form:
// strings, float64, bool, nil, []any and map[string]any. Timestamps are
// RFC 3339 strings.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Decode unmarshals the document's fields into v.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Snapshot is the full result set of a subscribed query at one point in time.
// Version increases by one with every delivery on the same subscription.
type Snapshot struct {
	Version uint64     `json:"version"`
	Docs    []Document `json:"docs"`
}

// Store is a multi-writer document store with live query subscriptions.
//
// Subscribe delivers the current result set first and then a fresh snapshot
// after every write touching the query's collection. Deliveries for one
// subscription never overlap. The returned cancel func is idempotent and safe
// to call from inside a callback.
type Store interface {
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Batch(ctx context.Context, writes ...Write) error
	Subscribe(q Query, next func(Snapshot), fail func(error)) (cancel func(), err error)
	Close() error
}

// WriteKind enumerates batched write operations.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Write is one operation inside a Batch. Set with an empty ID generates one.
type Write struct {
	Kind       WriteKind      `json:"kind"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields,omitempty"`
}

func SetDoc(collection, id string, fields map[string]any) Write {
	return Write{Kind: WriteSet, Collection: collection, ID: id, Fields: fields}
}

func UpdateDoc(collection, id string, fields map[string]any) Write {
	return Write{Kind: WriteUpdate, Collection: collection, ID: id, Fields: fields}
}

func DeleteDoc(collection, id string) Write {
	return Write{Kind: WriteDelete, Collection: collection, ID: id}
}

// Normalize converts caller-supplied fields to their JSON form so every
// backend stores and compares the same representation.
func Normalize(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	out := make(map[string]any, len(fields))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	return out, nil
}

// Merge returns base overlaid with patch. Neither input is modified.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Collections returns the distinct collections touched by writes.
func Collections(writes []Write) []string {
	seen := make(map[string]struct{}, len(writes))
	out := make([]string, 0, len(writes))
	for _, w := range writes {
		if _, ok := seen[w.Collection]; ok {
			continue
		}
		seen[w.Collection] = struct{}{}
		out = append(out, w.Collection)
	}
	return out
}
