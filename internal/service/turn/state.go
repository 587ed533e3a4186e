package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/gyb-chat/backend/internal/service/gateway"
)

const (
	// failureNoticeTTL bounds how long a completion fallback stays the
	// session error.
	failureNoticeTTL = 30 * time.Second
	// defaultRateLimitWait applies when a rate limit carries no retryAfter.
	defaultRateLimitWait = 60 * time.Second
)

type sessionError struct {
	msg     string
	expires time.Time
}

// Notice is the quota banner shown after a quota or rate-limit failure.
// Rate limits expire after RetryAfter; exhausted quota stays until cleared.
type Notice struct {
	Kind       gateway.ErrorKind `json:"kind"`
	Message    string            `json:"message"`
	ErrorType  string            `json:"errorType,omitempty"`
	RetryAfter time.Duration     `json:"retryAfter,omitempty"`
	ExpiresAt  time.Time         `json:"expiresAt,omitempty"`
}

// RateLimited reports whether the notice is a temporary rate limit.
func (n Notice) RateLimited() bool {
	return !n.ExpiresAt.IsZero()
}

func newNotice(d gateway.Diagnostics, content string, now time.Time) *Notice {
	n := &Notice{
		Kind:       d.Kind,
		Message:    d.Message,
		ErrorType:  d.ErrorType,
		RetryAfter: d.RetryAfter,
	}
	if n.Message == "" {
		n.Message = content
	}
	if isRateLimit(d) {
		wait := d.RetryAfter
		if wait <= 0 {
			wait = defaultRateLimitWait
		}
		n.RetryAfter = wait
		n.ExpiresAt = now.Add(wait)
	}
	return n
}

func isRateLimit(d gateway.Diagnostics) bool {
	if d.RetryAfter > 0 {
		return true
	}
	t := strings.ToLower(d.ErrorType)
	return strings.Contains(t, "rate") || (d.Status == 429 && !strings.Contains(t, "quota"))
}

func (o *Orchestrator) recordFallback(convID string, prompt pendingPrompt, result gateway.Result) {
	d := result.Diagnostics
	now := o.clock.wall()

	o.mu.Lock()
	o.retryable[convID] = prompt
	o.diagnostics = &d
	o.err = &sessionError{msg: result.Content, expires: now.Add(failureNoticeTTL)}
	if d.Kind == gateway.KindInsufficientQuota {
		o.notice = newNotice(d, result.Content, now)
	}
	o.mu.Unlock()

	o.logger.Warn("[turn] reply fell back",
		"conversation_id", convID,
		"code", d.Kind,
		"source", d.Source,
		"status", d.Status,
		"request_id", d.RequestID,
	)
	o.changed()
}

// fail logs a store failure and surfaces it as the session error.
func (o *Orchestrator) fail(op string, err error) {
	o.logger.Error("[turn] "+op, "owner_id", o.owner.ID, "error", err)

	o.mu.Lock()
	o.err = &sessionError{msg: op + ": " + err.Error()}
	o.mu.Unlock()
	o.changed()
}

func (o *Orchestrator) changed() {
	if o.hooks.OnChange != nil {
		o.hooks.OnChange()
	}
}

// Err returns the current session error, or "".
func (o *Orchestrator) Err() string {
	now := o.clock.wall()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		return ""
	}
	if !o.err.expires.IsZero() && now.After(o.err.expires) {
		o.err = nil
		return ""
	}
	return o.err.msg
}

// ClearErr dismisses the session error.
func (o *Orchestrator) ClearErr() {
	o.mu.Lock()
	o.err = nil
	o.mu.Unlock()
}

// Diagnostics returns the diagnostics of the last completion, if any.
func (o *Orchestrator) Diagnostics() (gateway.Diagnostics, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.diagnostics == nil {
		return gateway.Diagnostics{}, false
	}
	return *o.diagnostics, true
}

// ClearDiagnostics forgets the last diagnostics.
func (o *Orchestrator) ClearDiagnostics() {
	o.mu.Lock()
	o.diagnostics = nil
	o.mu.Unlock()
}

// Quota returns the active quota notice. Expired rate limits clear themselves.
func (o *Orchestrator) Quota() (Notice, bool) {
	now := o.clock.wall()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.notice == nil {
		return Notice{}, false
	}
	if o.notice.RateLimited() && now.After(o.notice.ExpiresAt) {
		o.notice = nil
		return Notice{}, false
	}
	return *o.notice, true
}

// ClearQuota dismisses the quota notice.
func (o *Orchestrator) ClearQuota() {
	o.mu.Lock()
	o.notice = nil
	o.mu.Unlock()
}

// Retryable reports whether the conversation has a prompt RetryLastPrompt can rerun.
func (o *Orchestrator) Retryable(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.retryable[conversationID]
	return ok
}

// Streaming returns the partial reply accumulated so far for a conversation.
func (o *Orchestrator) Streaming(conversationID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.streaming[conversationID]
	if !ok {
		return "", false
	}
	return buf.String(), true
}

// InFlight reports whether a reply is being generated for the conversation.
func (o *Orchestrator) InFlight(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[conversationID]
	return ok
}

// CurrentConversation returns the conversation the session is focused on.
func (o *Orchestrator) CurrentConversation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// SetCurrentConversation focuses the session on id.
func (o *Orchestrator) SetCurrentConversation(id string) {
	o.mu.Lock()
	o.current = id
	o.mu.Unlock()
	o.changed()
}

// SelectedAgent returns the display name new conversations are tied to.
func (o *Orchestrator) SelectedAgent() string {
	return o.selectedAgent().Name
}

// SetSelectedAgent changes the agent for new conversations.
func (o *Orchestrator) SetSelectedAgent(key string) error {
	a, ok := o.agents.Resolve(key)
	if !ok {
		return ErrUnknownAgent
	}
	o.mu.Lock()
	o.selected = a.Name
	o.mu.Unlock()
	o.changed()
	return nil
}

// OwnerID returns the session owner.
func (o *Orchestrator) OwnerID() string {
	return o.owner.ID
}

// clock stamps writes. Successive stamps strictly increase even when the
// wall clock stalls or steps back.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

func (c *clock) wall() time.Time {
	return c.now().UTC()
}
