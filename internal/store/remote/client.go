// Package remote is a store.Store client for a realtime store served over
// websocket by another backend process.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
)

const writeTimeout = 10 * time.Second

// Store forwards every operation over one websocket connection.
type Store struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Frame
	subs    map[string]*mailbox
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

// Dial connects to a realtime endpoint such as ws://host:8080/api/realtime.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", url, err)
	}

	s := &Store{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan Frame),
		subs:    make(map[string]*mailbox),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Store) readLoop() {
	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.shutdown(fmt.Errorf("remote: connection lost: %w", err))
			return
		}

		switch frame.Type {
		case FrameReply:
			s.mu.Lock()
			ch, ok := s.pending[frame.ID]
			delete(s.pending, frame.ID)
			s.mu.Unlock()
			if ok {
				ch <- frame
			}
		case FrameSnapshot, FrameError:
			s.mu.Lock()
			box, ok := s.subs[frame.Sub]
			s.mu.Unlock()
			if ok {
				box.push(frame)
			}
		default:
			s.logger.Warn("[remote] unknown frame type", "type", frame.Type)
		}
	}
}

func (s *Store) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		boxes := make([]*mailbox, 0, len(s.subs))
		for id, box := range s.subs {
			boxes = append(boxes, box)
			delete(s.subs, id)
		}
		s.mu.Unlock()

		close(s.closed)
		for _, box := range boxes {
			box.push(Frame{Type: FrameError, Error: cause.Error()})
			box.stopAfterDrain()
		}
	})
}

func (s *Store) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return store.ErrClosed
}

func (s *Store) send(req Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(req)
}

func (s *Store) call(ctx context.Context, req Request) (Frame, error) {
	ch := make(chan Frame, 1)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return Frame{}, s.closeErr()
	}
	s.nextID++
	req.ID = s.nextID
	s.pending[req.ID] = ch
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}

	if err := s.send(req); err != nil {
		cleanup()
		return Frame{}, fmt.Errorf("remote: send %s: %w", req.Op, err)
	}

	select {
	case frame := <-ch:
		if frame.Error != "" {
			if frame.NotFound {
				return frame, fmt.Errorf("%s: %w", frame.Error, store.ErrNotFound)
			}
			return frame, errors.New(frame.Error)
		}
		return frame, nil
	case <-ctx.Done():
		cleanup()
		return Frame{}, ctx.Err()
	case <-s.closed:
		return Frame{}, s.closeErr()
	}
}

func (s *Store) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	frame, err := s.call(ctx, Request{Op: OpAdd, Collection: collection, Fields: fields})
	if err != nil {
		return "", err
	}
	return frame.DocID, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := s.call(ctx, Request{Op: OpSet, Collection: collection, DocID: id, Fields: fields})
	return err
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := s.call(ctx, Request{Op: OpUpdate, Collection: collection, DocID: id, Fields: fields})
	return err
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.call(ctx, Request{Op: OpDelete, Collection: collection, DocID: id})
	return err
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	frame, err := s.call(ctx, Request{Op: OpGet, Collection: collection, DocID: id})
	if err != nil {
		return store.Document{}, err
	}
	if frame.Doc == nil {
		return store.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, store.ErrNotFound)
	}
	return *frame.Doc, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	frame, err := s.call(ctx, Request{Op: OpQuery, Query: &q})
	if err != nil {
		return nil, err
	}
	return frame.Docs, nil
}

func (s *Store) Batch(ctx context.Context, writes ...store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	_, err := s.call(ctx, Request{Op: OpBatch, Writes: writes})
	return err
}

// Subscribe registers the listener locally before asking the server, so the
// initial snapshot is never dropped. Snapshots are delivered on a goroutine
// owned by the subscription.
func (s *Store) Subscribe(q store.Query, next func(store.Snapshot), fail func(error)) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if next == nil {
		next = func(store.Snapshot) {}
	}
	if fail == nil {
		fail = func(error) {}
	}

	subID := uuid.NewString()
	box := newMailbox(next, fail)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.closeErr()
	}
	s.subs[subID] = box
	s.mu.Unlock()
	go box.run()

	ctx, cancelCall := context.WithTimeout(context.Background(), writeTimeout)
	defer cancelCall()
	if _, err := s.call(ctx, Request{Op: OpSubscribe, Query: &q, Sub: subID}); err != nil {
		s.dropSub(subID)
		box.stop()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			box.stop()
			if !s.dropSub(subID) {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				defer cancel()
				if _, err := s.call(ctx, Request{Op: OpUnsubscribe, Sub: subID}); err != nil {
					s.logger.Debug("[remote] unsubscribe failed", "sub", subID, "error", err)
				}
			}()
		})
	}, nil
}

func (s *Store) dropSub(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	return ok
}

// ActiveSubscriptions reports the number of live listeners on this client.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.shutdown(store.ErrClosed)
	return err
}

// mailbox is an unbounded per-subscription queue so the read loop never
// blocks on a slow or re-entrant callback.
type mailbox struct {
	next func(store.Snapshot)
	fail func(error)

	mu       sync.Mutex
	queue    []Frame
	draining bool
	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMailbox(next func(store.Snapshot), fail func(error)) *mailbox {
	return &mailbox{
		next:   next,
		fail:   fail,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) push(f Frame) {
	m.mu.Lock()
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// stopAfterDrain lets queued frames go out before the goroutine exits.
func (m *mailbox) stopAfterDrain() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				draining := m.draining
				m.mu.Unlock()
				if draining {
					return
				}
				break
			}
			f := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}

			if f.Type == FrameError {
				m.fail(errors.New(f.Error))
				continue
			}
			m.next(store.Snapshot{Version: f.Version, Docs: f.Docs})
		}
	}
}
