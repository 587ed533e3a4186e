package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/session"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/turn"
	"github.com/zhouzirui/gyb-chat/backend/pkg/utils"
)

// OwnerHeader 携带当前登录用户的 id
const OwnerHeader = "X-User-ID"

const keepAliveInterval = 15 * time.Second

// Handler 会话与消息的HTTP处理器
type Handler struct {
	sessions *session.Manager
	logger   *slog.Logger
}

// New 创建聊天处理器
func New(sessions *session.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/state", h.handleState)
	r.Get("/events", h.handleEvents)
	r.Put("/current", h.handleSetCurrent)
	r.Put("/agent", h.handleSelectAgent)
	r.Delete("/notices", h.handleClearNotices)
	r.Delete("/session", h.handleCloseSession)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Post("/", h.handleCreateConversation)

		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.handleGetConversation)
			r.Patch("/", h.handleUpdateConversation)
			r.Delete("/", h.handleDeleteConversation)
			r.Post("/messages", h.handleAppendMessage)
			r.Post("/images", h.handleAppendImage)
			r.Post("/participants", h.handleAddParticipant)
			r.Post("/retry", h.handleRetry)
			r.Get("/typing", h.handleListTyping)
			r.Put("/typing", h.handleTouchTyping)
			r.Delete("/typing", h.handleClearTyping)
		})
	})
}

// session 按请求头取出当前用户的会话；失败时已写出响应
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := h.sessions.Get(r.Context(), r.Header.Get(OwnerHeader))
	switch {
	case errors.Is(err, session.ErrOwnerRequired):
		utils.RespondError(w, http.StatusUnauthorized, OwnerHeader+" header is required")
		return nil, false
	case errors.Is(err, session.ErrManagerClosed):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess.State())
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Sync.Err(); err != nil {
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversations": sess.Sync.Conversations(),
		"loading":       sess.Sync.Loading(),
	})
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Greet bool `json:"greet"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctx := context.WithoutCancel(r.Context())
	var (
		id  string
		err error
	)
	if payload.Greet {
		id, err = sess.Turns.StartConversation(ctx)
	} else {
		id, err = sess.Turns.CreateConversation(ctx)
	}
	if err != nil && id == "" {
		h.respondTurnError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	conv, found := sess.Sync.Conversation(chi.URLParam(r, "conversationID"))
	if !found {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Title *string `json:"title"`
		Agent *string `json:"agent"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Title == nil && payload.Agent == nil {
		utils.RespondError(w, http.StatusBadRequest, "title or agent is required")
		return
	}

	id := chi.URLParam(r, "conversationID")
	ctx := r.Context()
	if err := sess.Turns.Authorize(ctx, id); err != nil {
		h.respondTurnError(w, err)
		return
	}
	if payload.Title != nil && !sess.Turns.RenameConversation(ctx, id, *payload.Title) {
		utils.RespondError(w, http.StatusBadRequest, sess.Turns.Err())
		return
	}
	if payload.Agent != nil && !sess.Turns.SetConversationAgent(ctx, id, *payload.Agent) {
		utils.RespondError(w, http.StatusBadRequest, sess.Turns.Err())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if !sess.Turns.DeleteConversation(context.WithoutCancel(r.Context()), chi.URLParam(r, "conversationID")) {
		utils.RespondError(w, http.StatusConflict, sess.Turns.Err())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAppendMessage 写入一条消息；用户消息会同步等待本轮回复
func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Content  string `json:"content"`
		Role     string `json:"role"`
		SenderID string `json:"senderId"`
		AgentID  string `json:"agentId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := chat.Role(payload.Role)
	if role == "" {
		role = chat.RoleUser
	}

	id := chi.URLParam(r, "conversationID")
	err := sess.Turns.AppendMessage(context.WithoutCancel(r.Context()), id, payload.Content, role, payload.SenderID, payload.AgentID)
	if err != nil {
		h.respondTurnError(w, err)
		return
	}
	h.respondTurn(w, sess, id)
}

func (h *Handler) handleAppendImage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text     string             `json:"text"`
		ImageURL string             `json:"imageUrl"`
		Parts    []chat.ContentPart `json:"parts"`
		AgentID  string             `json:"agentId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	parts := payload.Parts
	if len(parts) == 0 {
		if strings.TrimSpace(payload.Text) != "" {
			parts = append(parts, chat.TextPart(payload.Text))
		}
		if strings.TrimSpace(payload.ImageURL) != "" {
			parts = append(parts, chat.ImagePart(payload.ImageURL))
		}
	}

	id := chi.URLParam(r, "conversationID")
	err := sess.Turns.AppendImageMessage(context.WithoutCancel(r.Context()), id, parts, chat.RoleUser, "", payload.AgentID)
	if err != nil {
		h.respondTurnError(w, err)
		return
	}
	h.respondTurn(w, sess, id)
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var p chat.Participant
	if err := utils.DecodeJSON(r, &p); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := sess.Turns.AddParticipant(r.Context(), chi.URLParam(r, "conversationID"), p)
	if err != nil {
		h.respondTurnError(w, err)
		return
	}
	status := http.StatusCreated
	if res == turn.Exists {
		status = http.StatusOK
	}
	utils.RespondJSON(w, status, map[string]string{"result": string(res)})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "conversationID")
	if err := sess.Turns.RetryLastPrompt(context.WithoutCancel(r.Context()), id); err != nil {
		h.respondTurnError(w, err)
		return
	}
	h.respondTurn(w, sess, id)
}

// member resolves the session and rejects callers who are neither the
// conversation's owner nor a participant.
func (h *Handler) member(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := h.session(w, r)
	if !ok {
		return nil, false
	}
	if err := sess.Turns.Authorize(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		h.respondTurnError(w, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) handleListTyping(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.member(w, r)
	if !ok {
		return
	}
	active, err := sess.Typing.Active(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"typing": active})
}

func (h *Handler) handleTouchTyping(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := sess.Typing.Touch(r.Context(), chi.URLParam(r, "conversationID"), sess.OwnerID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearTyping(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := sess.Typing.Clear(r.Context(), chi.URLParam(r, "conversationID"), sess.OwnerID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		ConversationID string `json:"conversationId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess.Turns.SetCurrentConversation(payload.ConversationID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSelectAgent(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		Agent string `json:"agent"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := sess.Turns.SetSelectedAgent(payload.Agent); err != nil {
		h.respondTurnError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"selectedAgent": sess.Turns.SelectedAgent()})
}

func (h *Handler) handleClearNotices(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Turns.ClearErr()
	sess.Turns.ClearQuota()
	sess.Turns.ClearDiagnostics()
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseSession 退出登录：释放该用户的全部监听
func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		utils.RespondError(w, http.StatusUnauthorized, OwnerHeader+" header is required")
		return
	}
	h.sessions.Close(owner)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents 以 SSE 推送会话状态与流式 token；带 conversationId 时额外推送输入状态
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	events, stop := sess.Events()
	defer stop()

	typingCh := make(chan []chat.TypingIndicator, 8)
	if convID := r.URL.Query().Get("conversationId"); convID != "" {
		cancel, err := sess.Typing.Watch(convID, func(active []chat.TypingIndicator) {
			select {
			case typingCh <- active:
			default:
			}
		})
		if err != nil {
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer cancel()
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	utils.SendSSEEvent(w, flusher, "state", sess.State())

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	h.logger.Info("[chat] event stream opened", "owner_id", sess.OwnerID)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("[chat] event stream closed", "owner_id", sess.OwnerID)
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Type == session.EventToken {
				utils.SendSSEEvent(w, flusher, "token", ev)
				continue
			}
			utils.SendSSEEvent(w, flusher, "state", sess.State())
		case active := <-typingCh:
			utils.SendSSEEvent(w, flusher, "typing", active)
		case <-ticker.C:
			utils.SendSSEComment(w, flusher, "keep-alive")
		}
	}
}

// respondTurn 返回本轮结束后的会话与提示状态
func (h *Handler) respondTurn(w http.ResponseWriter, sess *session.Session, conversationID string) {
	body := map[string]any{
		"retryable": sess.Turns.Retryable(conversationID),
	}
	if conv, ok := sess.Sync.Conversation(conversationID); ok {
		body["conversation"] = conv
	}
	if msg := sess.Turns.Err(); msg != "" {
		body["error"] = msg
	}
	if notice, ok := sess.Turns.Quota(); ok {
		body["quota"] = notice
	}
	if diag, ok := sess.Turns.Diagnostics(); ok {
		body["diagnostics"] = diag
	}
	utils.RespondJSON(w, http.StatusCreated, body)
}

func (h *Handler) respondTurnError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, turn.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, turn.ErrNotOwner), errors.Is(err, turn.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, turn.ErrNothingToRetry):
		status = http.StatusConflict
	case errors.Is(err, turn.ErrEmptyMessage),
		errors.Is(err, turn.ErrInvalidRole),
		errors.Is(err, turn.ErrConversationRequired),
		errors.Is(err, turn.ErrEmptyTitle),
		errors.Is(err, turn.ErrUnknownAgent),
		errors.Is(err, turn.ErrOwnerRequired):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("[chat] request failed", "error", err)
	}
	utils.RespondError(w, status, err.Error())
}
