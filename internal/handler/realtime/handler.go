package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/gyb-chat/backend/internal/store"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/remote"
)

const writeWait = 10 * time.Second

// Handler 通过 WebSocket 暴露本进程的文档存储，供其他后端实例以 remote 驱动接入。
type Handler struct {
	docs     store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New 创建实时存储处理器
func New(docs store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		docs:   docs,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册实时存储路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/realtime", h.handleRealtime)
}

func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[realtime] upgrade failed", "error", err)
		return
	}

	c := &connection{
		conn:   conn,
		docs:   h.docs,
		logger: h.logger,
		subs:   make(map[string]func()),
	}
	defer c.close()

	h.logger.Info("[realtime] client connected", "remote", r.RemoteAddr)
	c.serve(r.Context())
	h.logger.Info("[realtime] client disconnected", "remote", r.RemoteAddr, "subscriptions", c.released)
}

type connection struct {
	conn   *websocket.Conn
	docs   store.Store
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[string]func()
	released int
}

func (c *connection) serve(ctx context.Context) {
	for {
		var req remote.Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("[realtime] read failed", "error", err)
			}
			return
		}
		c.write(c.handle(ctx, req))
	}
}

func (c *connection) handle(ctx context.Context, req remote.Request) remote.Frame {
	reply := remote.Frame{Type: remote.FrameReply, ID: req.ID}

	var err error
	switch req.Op {
	case remote.OpAdd:
		reply.DocID, err = c.docs.Add(ctx, req.Collection, req.Fields)
	case remote.OpSet:
		err = c.docs.Set(ctx, req.Collection, req.DocID, req.Fields)
	case remote.OpUpdate:
		err = c.docs.Update(ctx, req.Collection, req.DocID, req.Fields)
	case remote.OpDelete:
		err = c.docs.Delete(ctx, req.Collection, req.DocID)
	case remote.OpGet:
		var doc store.Document
		doc, err = c.docs.Get(ctx, req.Collection, req.DocID)
		if err == nil {
			reply.Doc = &doc
		}
	case remote.OpQuery:
		if req.Query == nil {
			err = store.ErrInvalidQuery
			break
		}
		reply.Docs, err = c.docs.Query(ctx, *req.Query)
	case remote.OpBatch:
		err = c.docs.Batch(ctx, req.Writes...)
	case remote.OpSubscribe:
		err = c.subscribe(req)
	case remote.OpUnsubscribe:
		c.unsubscribe(req.Sub)
	default:
		err = errors.New("unknown op " + req.Op)
	}

	if err != nil {
		reply.Error = err.Error()
		reply.NotFound = errors.Is(err, store.ErrNotFound)
	}
	return reply
}

func (c *connection) subscribe(req remote.Request) error {
	if req.Query == nil || req.Sub == "" {
		return store.ErrInvalidQuery
	}
	subID := req.Sub

	cancel, err := c.docs.Subscribe(*req.Query,
		func(snap store.Snapshot) {
			c.write(remote.Frame{Type: remote.FrameSnapshot, Sub: subID, Version: snap.Version, Docs: snap.Docs})
		},
		func(err error) {
			c.write(remote.Frame{Type: remote.FrameError, Sub: subID, Error: err.Error()})
		},
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if prev, ok := c.subs[subID]; ok {
		prev()
	}
	c.subs[subID] = cancel
	c.mu.Unlock()
	return nil
}

func (c *connection) unsubscribe(subID string) {
	c.mu.Lock()
	cancel, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *connection) write(frame remote.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.logger.Debug("[realtime] write failed", "error", err)
	}
}

func (c *connection) close() {
	c.mu.Lock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
		c.released++
	}
	c.mu.Unlock()
	c.conn.Close()
}
