// Package completion serves the completion gateway contract: POST /api/chat
// streams or returns a reply produced by the eino chain.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/ai"
	"github.com/zhouzirui/gyb-chat/backend/pkg/utils"
)

// Engine produces replies. *ai.Service satisfies it.
type Engine interface {
	Generate(ctx context.Context, req ai.Request) (*schema.Message, error)
	Stream(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error)
}

// Handler serves completions. A nil engine answers 503.
type Handler struct {
	engine Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a completion handler.
func New(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		logger: logger,
		tracer: otel.Tracer("github.com/zhouzirui/gyb-chat/backend/internal/handler/completion"),
	}
}

// RegisterRoutes 注册补全路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.chat)
}

type chatRequest struct {
	Messages    []wireMessage `json:"messages"`
	Agent       string        `json:"agent"`
	Temperature *float64      `json:"temperature,omitempty"`
	Model       string        `json:"model,omitempty"`
	Stream      bool          `json:"stream"`
	ChatID      string        `json:"chatId,omitempty"`
	UserID      string        `json:"userId,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type errorBody struct {
	Message    string      `json:"message"`
	Error      errorDetail `json:"error"`
	ErrorType  string      `json:"errorType"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
}

type deltaChunk struct {
	ID      string        `json:"id"`
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Index int          `json:"index"`
	Delta deltaContent `json:"delta"`
}

type deltaContent struct {
	Content string `json:"content"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model,omitempty"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index        int            `json:"index"`
	Message      messageContent `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := utils.DecodeJSON(r, &body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := toRequest(body)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.engine == nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, errorBody{
			Message:   "completion engine is not configured",
			Error:     errorDetail{Message: "completion engine is not configured", Code: "env_missing"},
			ErrorType: "env_missing",
		})
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "completion.chat", trace.WithAttributes(
		attribute.String("completion.agent", req.Agent),
		attribute.Bool("completion.stream", body.Stream),
		attribute.Int("completion.messages", len(req.Messages)),
	))
	defer span.End()

	id := "chatcmpl-" + uuid.NewString()
	if body.Stream {
		err = h.stream(ctx, w, id, req)
	} else {
		err = h.invoke(ctx, w, id, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (h *Handler) invoke(ctx context.Context, w http.ResponseWriter, id string, req ai.Request) error {
	resp, err := h.engine.Generate(ctx, req)
	if err != nil {
		h.respondUpstreamError(w, req, err)
		return err
	}

	utils.RespondJSON(w, http.StatusOK, completionResponse{
		ID:    id,
		Model: req.Model,
		Choices: []completionChoice{{
			Message:      messageContent{Role: string(schema.Assistant), Content: resp.Content},
			FinishReason: "stop",
		}},
	})
	return nil
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, id string, req ai.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return errors.New("streaming unsupported")
	}

	stream, err := h.engine.Stream(ctx, req)
	if err != nil {
		h.respondUpstreamError(w, req, err)
		return err
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := 0
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			desc := ai.Describe(recvErr)
			h.logger.Warn("[completion] stream aborted", "agent", req.Agent, "chat_id", req.ChatID, "chunks", chunks, "error", recvErr)
			utils.SendSSEChunk(w, flusher, map[string]any{
				"error": errorDetail{Message: desc.Message, Code: desc.Code, Type: desc.ErrorType},
			})
			return recvErr
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		chunks++
		utils.SendSSEChunk(w, flusher, deltaChunk{
			ID:      id,
			Choices: []deltaChoice{{Delta: deltaContent{Content: chunk.Content}}},
		})
	}

	utils.SendSSEDone(w, flusher)
	h.logger.Info("[completion] stream finished", "agent", req.Agent, "chat_id", req.ChatID, "chunks", chunks)
	return nil
}

func (h *Handler) respondUpstreamError(w http.ResponseWriter, req ai.Request, err error) {
	desc := ai.Describe(err)
	body := errorBody{
		Message:   desc.Message,
		Error:     errorDetail{Message: desc.Message, Code: desc.Code, Type: desc.ErrorType},
		ErrorType: desc.ErrorType,
	}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ai.ErrNoMessages):
		status = http.StatusBadRequest
	case desc.RateLimited:
		status = http.StatusTooManyRequests
		if desc.RetryAfter > 0 {
			body.RetryAfter = int(desc.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		}
	}

	h.logger.Warn("[completion] upstream failure", "agent", req.Agent, "chat_id", req.ChatID, "status", status, "error_type", desc.ErrorType, "error", err)
	utils.RespondJSON(w, status, body)
}

func toRequest(body chatRequest) (ai.Request, error) {
	if len(body.Messages) == 0 {
		return ai.Request{}, errors.New("messages are required")
	}

	turns := make([]ai.Turn, 0, len(body.Messages))
	for i, m := range body.Messages {
		role := chat.Role(strings.ToLower(strings.TrimSpace(m.Role)))
		if !role.Valid() {
			return ai.Request{}, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		turn, err := decodeContent(role, m.Content)
		if err != nil {
			return ai.Request{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		turns = append(turns, turn)
	}

	return ai.Request{
		Agent:       body.Agent,
		Messages:    turns,
		Temperature: body.Temperature,
		Model:       body.Model,
		ChatID:      body.ChatID,
		UserID:      body.UserID,
	}, nil
}

// decodeContent accepts a plain string, a part array, or the stored
// {"content":[...]} envelope.
func decodeContent(role chat.Role, raw json.RawMessage) (ai.Turn, error) {
	turn := ai.Turn{Role: role}
	if len(raw) == 0 || string(raw) == "null" {
		return turn, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if parts, structured := chat.DecodeContent(text); structured {
			turn.Parts = parts
			turn.Content = chat.JoinText(parts)
			return turn, nil
		}
		turn.Content = text
		return turn, nil
	}

	var parts []chat.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return turn, errors.New("content must be a string or an array of parts")
	}
	turn.Parts = parts
	turn.Content = chat.JoinText(parts)
	return turn, nil
}
