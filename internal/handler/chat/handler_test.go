package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/gyb-chat/backend/internal/config"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
	"github.com/zhouzirui/gyb-chat/backend/internal/service/session"
	"github.com/zhouzirui/gyb-chat/backend/internal/store/memory"
)

type echoCompleter struct {
	fail bool
}

func (e echoCompleter) Stream(_ context.Context, history []gateway.Message, _ string, opts gateway.StreamOptions) gateway.Result {
	if e.fail {
		return gateway.Result{
			Content:     "Chris is unavailable right now.",
			IsFallback:  true,
			Diagnostics: gateway.Diagnostics{Kind: gateway.KindNetwork},
		}
	}
	reply := "echo: " + history[len(history)-1].Content
	if opts.OnToken != nil {
		opts.OnToken(reply)
	}
	return gateway.Result{Content: reply}
}

func (echoCompleter) CompleteParts(context.Context, []chat.ContentPart, string) gateway.Result {
	return gateway.Result{Content: "nice picture"}
}

func setupRouter(t *testing.T, completer echoCompleter) (*chi.Mux, *memory.Store) {
	t.Helper()
	docs := memory.New()
	cfg := config.SessionConfig{DefaultAgent: "Chris", TypingIdle: 5 * time.Second}
	mgr := session.NewManager(docs, completer, agent.NewMemoryStore(agent.Seed()), cfg, nil)
	t.Cleanup(mgr.CloseAll)

	r := chi.NewRouter()
	New(mgr, nil).RegisterRoutes(r)
	return r, docs
}

func do(t *testing.T, r http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createConversation(t *testing.T, r http.Handler, owner string) string {
	t.Helper()
	resp := do(t, r, http.MethodPost, "/conversations", owner, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	return out["id"]
}

func TestRequiresOwnerHeader(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})

	resp := do(t, r, http.MethodGet, "/conversations", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCreateAndListConversations(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodGet, "/conversations", "u1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(out.Conversations) != 1 || out.Conversations[0].ID != id {
		t.Fatalf("unexpected conversations %+v", out.Conversations)
	}
	if out.Conversations[0].Title != chat.DefaultTitle {
		t.Fatalf("unexpected title %q", out.Conversations[0].Title)
	}

	other := do(t, r, http.MethodGet, "/conversations", "u2", nil)
	if strings.Contains(other.Body.String(), id) {
		t.Fatal("conversation leaked to another owner")
	}
}

func TestStartConversationGreets(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})

	resp := do(t, r, http.MethodPost, "/conversations", "u1", map[string]bool{"greet": true})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var out map[string]string
	_ = json.Unmarshal(resp.Body.Bytes(), &out)

	got := do(t, r, http.MethodGet, "/conversations/"+out["id"], "u1", nil)
	var conv chat.Conversation
	if err := json.Unmarshal(got.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Role != chat.RoleAssistant {
		t.Fatalf("expected a greeting, got %+v", conv.Messages)
	}
}

func TestAppendMessageRunsTurn(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodPost, "/conversations/"+id+"/messages", "u1", map[string]string{"content": "ping"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var out struct {
		Conversation chat.Conversation `json:"conversation"`
		Retryable    bool              `json:"retryable"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	msgs := out.Conversation.Messages
	if len(msgs) != 2 || msgs[1].Content != "echo: ping" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if out.Retryable {
		t.Fatal("successful turn should not be retryable")
	}
}

func TestAppendMessageValidation(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodPost, "/conversations/"+id+"/messages", "u1", map[string]string{"content": "   "})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	resp = do(t, r, http.MethodPost, "/conversations/"+id+"/messages", "u1", map[string]string{"content": "x", "role": "tool"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid role, got %d", resp.Code)
	}
}

func TestFallbackIsRetryable(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{fail: true})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodPost, "/conversations/"+id+"/messages", "u1", map[string]string{"content": "ping"})
	var out struct {
		Conversation chat.Conversation `json:"conversation"`
		Retryable    bool              `json:"retryable"`
		Error        string            `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if !out.Retryable || out.Error == "" {
		t.Fatalf("expected retryable with an error, got %+v", out)
	}
	if len(out.Conversation.Messages) != 1 {
		t.Fatalf("fallback must not be persisted, got %+v", out.Conversation.Messages)
	}

	retry := do(t, r, http.MethodPost, "/conversations/"+id+"/retry", "u1", nil)
	if retry.Code != http.StatusCreated {
		t.Fatalf("expected 201 on retry, got %d", retry.Code)
	}

	other := createConversation(t, r, "u1")
	none := do(t, r, http.MethodPost, "/conversations/"+other+"/retry", "u1", nil)
	if none.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nothing to retry, got %d", none.Code)
	}
}

func TestAppendImage(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodPost, "/conversations/"+id+"/images", "u1", map[string]string{
		"text":     "look",
		"imageUrl": "https://img/cat.png",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	msgs := out.Conversation.Messages
	if len(msgs) != 2 || msgs[0].Attachment == nil || msgs[1].Content != "nice picture" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	empty := do(t, r, http.MethodPost, "/conversations/"+id+"/images", "u1", map[string]string{})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty parts, got %d", empty.Code)
	}
}

func TestUpdateAndDeleteConversation(t *testing.T) {
	r, docs := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodPatch, "/conversations/"+id, "u1", map[string]string{"title": "Trip", "agent": "rachel"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	doc, err := docs.Get(context.Background(), "conversations", id)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if doc.Fields["title"] != "Trip" || doc.Fields["agent"] != "Rachel" {
		t.Fatalf("unexpected fields %+v", doc.Fields)
	}

	bad := do(t, r, http.MethodPatch, "/conversations/"+id, "u1", map[string]string{"title": "  "})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty title, got %d", bad.Code)
	}

	del := do(t, r, http.MethodDelete, "/conversations/"+id, "u1", nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", del.Code)
	}
	if got := do(t, r, http.MethodGet, "/conversations/"+id, "u1", nil); got.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", got.Code)
	}
}

func TestDeleteRequiresOwnership(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	resp := do(t, r, http.MethodDelete, "/conversations/"+id, "u2", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestCrossOwnerWritesRejected(t *testing.T) {
	r, docs := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "alice")
	if resp := do(t, r, http.MethodPost, "/conversations/"+id+"/messages", "alice", map[string]string{"content": "alice secret"}); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	if resp := do(t, r, http.MethodPatch, "/conversations/"+id, "bob", map[string]string{"title": "pwned"}); resp.Code != http.StatusForbidden {
		t.Fatalf("rename: expected 403, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodPatch, "/conversations/"+id, "bob", map[string]string{"agent": "rachel"}); resp.Code != http.StatusForbidden {
		t.Fatalf("agent switch: expected 403, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodPost, "/conversations/"+id+"/messages", "bob", map[string]string{"content": "hi"}); resp.Code != http.StatusForbidden {
		t.Fatalf("append: expected 403, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodPost, "/conversations/"+id+"/retry", "bob", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("retry: expected 403, got %d", resp.Code)
	}
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		if resp := do(t, r, method, "/conversations/"+id+"/typing", "bob", nil); resp.Code != http.StatusForbidden {
			t.Fatalf("typing %s: expected 403, got %d", method, resp.Code)
		}
	}

	doc, err := docs.Get(context.Background(), "conversations", id)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if doc.Fields["title"] == "pwned" || doc.Fields["agent"] == "Rachel" {
		t.Fatalf("foreign write went through: %+v", doc.Fields)
	}

	resp := do(t, r, http.MethodGet, "/conversations/"+id, "alice", nil)
	var conv chat.Conversation
	if err := json.Unmarshal(resp.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "alice secret" {
		t.Fatalf("unexpected messages %+v", conv.Messages)
	}
}

func TestAppendToMissingConversation(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})

	resp := do(t, r, http.MethodPost, "/conversations/ghost/messages", "u1", map[string]string{"content": "hello"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp := do(t, r, http.MethodPut, "/conversations/ghost/typing", "u1", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("typing: expected 404, got %d", resp.Code)
	}
}

func TestAddParticipant(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	body := chat.Participant{ID: "u2", DisplayName: "Sam"}
	first := do(t, r, http.MethodPost, "/conversations/"+id+"/participants", "u1", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := do(t, r, http.MethodPost, "/conversations/"+id+"/participants", "u1", body)
	if second.Code != http.StatusOK || !strings.Contains(second.Body.String(), "exists") {
		t.Fatalf("expected exists, got %d %s", second.Code, second.Body.String())
	}

	outsider := do(t, r, http.MethodPost, "/conversations/"+id+"/participants", "u3", chat.Participant{ID: "u4"})
	if outsider.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", outsider.Code)
	}

	missing := do(t, r, http.MethodPost, "/conversations/nope/participants", "u1", body)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestTypingIndicators(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	id := createConversation(t, r, "u1")

	if resp := do(t, r, http.MethodPut, "/conversations/"+id+"/typing", "u1", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	list := do(t, r, http.MethodGet, "/conversations/"+id+"/typing", "u1", nil)
	var out struct {
		Typing []chat.TypingIndicator `json:"typing"`
	}
	_ = json.Unmarshal(list.Body.Bytes(), &out)
	if len(out.Typing) != 1 || out.Typing[0].ParticipantID != "u1" {
		t.Fatalf("unexpected typing %+v", out.Typing)
	}

	if resp := do(t, r, http.MethodDelete, "/conversations/"+id+"/typing", "u1", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := do(t, r, http.MethodDelete, "/conversations/"+id+"/typing", "u1", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("clearing twice should succeed, got %d", resp.Code)
	}
}

func TestSelectAgent(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})

	resp := do(t, r, http.MethodPut, "/agent", "u1", map[string]string{"agent": "sherry"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Sherry") {
		t.Fatalf("unexpected response %d %s", resp.Code, resp.Body.String())
	}
	bad := do(t, r, http.MethodPut, "/agent", "u1", map[string]string{"agent": "nobody"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.Code)
	}
}

func TestEventStreamSendsInitialState(t *testing.T) {
	r, _ := setupRouter(t, echoCompleter{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set(OwnerHeader, "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read err: %v", err)
	}
	if strings.TrimSpace(line) != "event: state" {
		t.Fatalf("unexpected first line %q", line)
	}
}
