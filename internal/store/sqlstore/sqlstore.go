// Package sqlstore persists documents in a single SQL table and serves live
// queries on top of it. SQLite and PostgreSQL are supported; on PostgreSQL
// writes from other processes are picked up through LISTEN/NOTIFY.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

const notifyChannel = "gyb_documents"

type dialect struct {
	name       string
	lockSuffix string
}

func (d dialect) placeholder(n int) string {
	if d.name == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// bind rewrites "?" placeholders for the dialect.
func (d dialect) bind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var dialects = map[string]dialect{
	"sqlite3":  {name: "sqlite3"},
	"postgres": {name: "postgres", lockSuffix: " FOR UPDATE"},
}

// Store is a database/sql backed store.Store.
type Store struct {
	db         *sql.DB
	dialect    dialect
	hub        *store.Hub
	logger     *slog.Logger
	instanceID string

	listener *pq.Listener
	done     chan struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects to the database, creates the schema and, for postgres,
// starts the change listener.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite serializes writers; one connection avoids "database is locked".
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}

	s := &Store{
		db:         db,
		dialect:    d,
		logger:     logger,
		instanceID: uuid.NewString(),
		done:       make(chan struct{}),
	}
	s.hub = store.NewHub(s.Query)

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if driver == "postgres" {
		if err := s.listen(dsn); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin migration: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) listen(dsn string) error {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("[sqlstore] listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("sqlstore: listen %s: %w", notifyChannel, err)
	}
	s.listener = listener
	go s.consume()
	return nil
}

func (s *Store) consume() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Connection was re-established; notifications may have been lost.
				s.hub.NotifyAll()
				continue
			}
			origin, collection, found := strings.Cut(n.Extra, ":")
			if !found || origin == s.instanceID {
				continue
			}
			s.hub.Notify(collection)
		}
	}
}

func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Batch(ctx, store.SetDoc(collection, id, fields)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.Batch(ctx, store.SetDoc(collection, id, fields))
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.Batch(ctx, store.UpdateDoc(collection, id, fields))
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.Batch(ctx, store.DeleteDoc(collection, id))
}

// Batch applies writes in one transaction.
func (s *Store) Batch(ctx context.Context, writes ...store.Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		if err := s.applyTx(ctx, tx, w); err != nil {
			return err
		}
	}

	collections := store.Collections(writes)
	if s.dialect.name == "postgres" {
		for _, c := range collections {
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, s.instanceID+":"+c); err != nil {
				return fmt.Errorf("sqlstore: notify: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	s.hub.Notify(collections...)
	return nil
}

func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, w store.Write) error {
	if w.Collection == "" {
		return fmt.Errorf("sqlstore: collection is required")
	}

	switch w.Kind {
	case store.WriteSet:
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		fields, err := store.Normalize(w.Fields)
		if err != nil {
			return err
		}
		return s.upsert(ctx, tx, w.Collection, w.ID, fields)

	case store.WriteUpdate:
		row := tx.QueryRowContext(ctx,
			s.dialect.bind(`SELECT data FROM documents WHERE collection = ? AND id = ?`+s.dialect.lockSuffix),
			w.Collection, w.ID)
		existing, err := scanFields(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlstore: load %s/%s: %w", w.Collection, w.ID, err)
		}
		patch, err := store.Normalize(w.Fields)
		if err != nil {
			return err
		}
		return s.upsert(ctx, tx, w.Collection, w.ID, store.Merge(existing, patch))

	case store.WriteDelete:
		_, err := tx.ExecContext(ctx,
			s.dialect.bind(`DELETE FROM documents WHERE collection = ? AND id = ?`),
			w.Collection, w.ID)
		if err != nil {
			return fmt.Errorf("sqlstore: delete %s/%s: %w", w.Collection, w.ID, err)
		}
		return nil
	}
	return fmt.Errorf("sqlstore: unknown write kind %q", w.Kind)
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, collection, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("sqlstore: encode %s/%s: %w", collection, id, err)
	}
	_, err = tx.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`),
		collection, id, string(data))
	if err != nil {
		return fmt.Errorf("sqlstore: write %s/%s: %w", collection, id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFields(row rowScanner) (map[string]any, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.bind(`SELECT data FROM documents WHERE collection = ? AND id = ?`),
		collection, id)
	fields, err := scanFields(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("sqlstore: get %s/%s: %w", collection, id, err)
	}
	return store.Document{ID: id, Fields: fields}, nil
}

// Query loads the collection and applies filters and ordering in process, so
// every backend shares the same comparison rules.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		s.dialect.bind(`SELECT id, data FROM documents WHERE collection = ?`),
		q.Collection)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlstore: scan %s: %w", q.Collection, err)
		}
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("sqlstore: decode %s/%s: %w", q.Collection, id, err)
		}
		docs = append(docs, store.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate %s: %w", q.Collection, err)
	}

	return store.Evaluate(q, docs), nil
}

func (s *Store) Subscribe(q store.Query, next func(store.Snapshot), fail func(error)) (func(), error) {
	return s.hub.Subscribe(q, next, fail)
}

// ActiveSubscriptions reports the number of live listeners.
func (s *Store) ActiveSubscriptions() int {
	return s.hub.Active()
}

func (s *Store) Close() error {
	s.hub.Close()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	return s.db.Close()
}
