// Package gateway is the client side of the completion service. Every call
// returns a displayable Result; transport and vendor failures are folded into
// fallback text instead of being returned as errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/gyb-chat/backend/internal/config"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
)

const (
	chatPath          = "/api/chat"
	healthPath        = "/health"
	maxErrorBodyBytes = 64 << 10
	healthTimeout     = 5 * time.Second
)

// Directory resolves agent selectors to display names.
type Directory interface {
	DisplayName(key string) string
}

// Result is what callers render. On fallback Content explains the failure.
type Result struct {
	Content     string      `json:"content"`
	IsFallback  bool        `json:"isFallback"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Diagnostics describes how a call went.
type Diagnostics struct {
	Kind         ErrorKind     `json:"code,omitempty"`
	Source       Source        `json:"source,omitempty"`
	Status       int           `json:"status,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Message      string        `json:"message,omitempty"`
	ErrorType    string        `json:"errorType,omitempty"`
	RetryAfter   time.Duration `json:"retryAfter,omitempty"`
	RequestID    string        `json:"requestId,omitempty"`
	Model        string        `json:"model,omitempty"`
	Chunks       int           `json:"chunks,omitempty"`
	Duration     time.Duration `json:"duration"`
	ShortCircuit bool          `json:"shortCircuit,omitempty"`
}

// StreamOptions carries optional per-call values.
type StreamOptions struct {
	OnToken func(token string)
	ChatID  string
	UserID  string
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
}

// Client talks to one completion gateway.
type Client struct {
	cfg    config.GatewayConfig
	agents Directory
	http   *http.Client
	logger *slog.Logger

	tracer    trace.Tracer
	duration  metric.Float64Histogram
	fallbacks metric.Int64Counter
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTelemetry overrides the globally registered tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Client) {
		c.tracer = tracer
		c.initMetrics(meter)
	}
}

// New builds a client from an explicit configuration.
func New(cfg config.GatewayConfig, agents Directory, opts ...Option) *Client {
	if agents == nil {
		agents = agent.NewMemoryStore(agent.Seed())
	}
	c := &Client{
		cfg:    cfg,
		agents: agents,
		http:   &http.Client{},
		logger: slog.Default(),
		tracer: otel.Tracer("gateway"),
	}
	c.initMetrics(otel.Meter("gateway"))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) initMetrics(meter metric.Meter) {
	duration, err := meter.Float64Histogram("gateway.request.duration",
		metric.WithDescription("Duration of completion gateway calls"),
		metric.WithUnit("s"))
	if err != nil {
		c.logger.Warn("[gateway] failed to create duration histogram", "error", err)
	}
	fallbacks, err := meter.Int64Counter("gateway.fallback.count",
		metric.WithDescription("Completion calls answered with fallback text"))
	if err != nil {
		c.logger.Warn("[gateway] failed to create fallback counter", "error", err)
	}
	c.duration = duration
	c.fallbacks = fallbacks
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Messages    []wireMessage `json:"messages"`
	Agent       string        `json:"agent"`
	Temperature float64       `json:"temperature"`
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	ChatID      string        `json:"chatId,omitempty"`
	UserID      string        `json:"userId,omitempty"`
}

// Stream sends history to the gateway and reads the streamed reply. Each delta
// is passed to opts.OnToken as it arrives.
func (c *Client) Stream(ctx context.Context, history []Message, agentID string, opts StreamOptions) Result {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "gateway.stream", trace.WithAttributes(
		attribute.String("gateway.agent", agentID),
		attribute.String("gateway.model", c.cfg.Model),
		attribute.Int("gateway.history", len(history)),
	))
	defer span.End()

	requestID := uuid.NewString()
	result := c.stream(ctx, history, agentID, opts, requestID)
	c.finish(ctx, span, "stream", start, &result)
	return result
}

func (c *Client) stream(ctx context.Context, history []Message, agentID string, opts StreamOptions, requestID string) Result {
	if err := c.checkConfig(); err != nil {
		return c.fallback(agentID, requestID, Classify(err, 0, nil))
	}

	sanitized := Sanitize(history, c.cfg.HistoryLimit)
	messages := make([]wireMessage, len(sanitized))
	for i, m := range sanitized {
		messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}

	payload := chatRequest{
		Messages:    messages,
		Agent:       agentID,
		Temperature: c.cfg.Temperature,
		Model:       c.cfg.Model,
		Stream:      true,
		ChatID:      opts.ChatID,
		UserID:      opts.UserID,
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.post(ctx, payload, requestID, "text/event-stream")
	if err != nil {
		return c.fallback(agentID, requestID, Classify(deadlineAware(ctx, err), 0, nil))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.fallback(agentID, requestID, c.classifyResponse(resp))
	}

	text, chunks, err := readEventStream(resp.Body, opts.OnToken)
	if err != nil {
		return c.fallback(agentID, requestID, Classify(deadlineAware(ctx, err), 0, nil))
	}

	content := strings.TrimSpace(text)
	if content == "" {
		content = agent.Greeting(c.agents.DisplayName(agentID))
	}
	return Result{
		Content: content,
		Diagnostics: Diagnostics{
			Status:    resp.StatusCode,
			RequestID: requestID,
			Model:     c.cfg.Model,
			Chunks:    chunks,
		},
	}
}

// CompleteParts answers a multi-modal message without streaming. Literal name
// questions are answered locally with no network call.
func (c *Client) CompleteParts(ctx context.Context, parts []chat.ContentPart, agentID string) Result {
	start := time.Now()
	name := c.agents.DisplayName(agentID)

	if IsNameQuestion(chat.JoinText(parts)) {
		return Result{
			Content:     fmt.Sprintf("My name is %s.", name),
			Diagnostics: Diagnostics{ShortCircuit: true},
		}
	}

	ctx, span := c.tracer.Start(ctx, "gateway.complete", trace.WithAttributes(
		attribute.String("gateway.agent", agentID),
		attribute.Int("gateway.parts", len(parts)),
	))
	defer span.End()

	requestID := uuid.NewString()
	result := c.complete(ctx, parts, agentID, requestID)
	c.finish(ctx, span, "complete", start, &result)
	return result
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content *string `json:"content,omitempty"`
}

func (c *Client) complete(ctx context.Context, parts []chat.ContentPart, agentID, requestID string) Result {
	if err := c.checkConfig(); err != nil {
		return c.fallback(agentID, requestID, Classify(err, 0, nil))
	}

	payload := chatRequest{
		Messages:    []wireMessage{{Role: string(chat.RoleUser), Content: parts}},
		Agent:       agentID,
		Temperature: c.cfg.Temperature,
		Model:       c.cfg.Model,
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.post(ctx, payload, requestID, "application/json")
	if err != nil {
		return c.fallback(agentID, requestID, Classify(deadlineAware(ctx, err), 0, nil))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.fallback(agentID, requestID, c.classifyResponse(resp))
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		err = deadlineAware(ctx, err)
		if !isTimeout(err) && !isNetwork(err) {
			err = fmt.Errorf("%w: %v", errMalformedReply, err)
		}
		return c.fallback(agentID, requestID, Classify(err, 0, nil))
	}

	var text string
	if len(decoded.Choices) > 0 {
		text = decoded.Choices[0].Message.Content
	} else if decoded.Content != nil {
		text = *decoded.Content
	}

	content := strings.TrimSpace(text)
	if content == "" {
		content = agent.Greeting(c.agents.DisplayName(agentID))
	}
	return Result{
		Content: content,
		Diagnostics: Diagnostics{
			Status:    resp.StatusCode,
			RequestID: requestID,
			Model:     c.cfg.Model,
		},
	}
}

// Health probes GET /health. It is independent of the send path.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return HealthStatus{}, Classify(ErrMissingConfig, 0, nil)
	}

	timeout := healthTimeout
	if c.cfg.Timeout > 0 && c.cfg.Timeout < timeout {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+healthPath, nil)
	if err != nil {
		return HealthStatus{}, Classify(err, 0, nil)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HealthStatus{}, Classify(deadlineAware(ctx, err), 0, nil)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthStatus{}, Classify(nil, resp.StatusCode, body)
	}

	var status HealthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return HealthStatus{}, Classify(fmt.Errorf("%w: %v", errMalformedReply, err), 0, nil)
	}
	status.Latency = time.Since(start)
	return status, nil
}

func (c *Client) checkConfig() error {
	if strings.TrimSpace(c.cfg.BaseURL) == "" || strings.TrimSpace(c.cfg.Model) == "" {
		return ErrMissingConfig
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) post(ctx context.Context, payload chatRequest, requestID, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Request-ID", requestID)
	return c.http.Do(req)
}

func (c *Client) classifyResponse(resp *http.Response) *CompletionError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	cerr := Classify(nil, resp.StatusCode, body)
	if cerr.RetryAfter == 0 {
		if seconds, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && seconds > 0 {
			cerr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return cerr
}

// deadlineAware marks errors caused by our own timeout so Classify reports
// them as timeouts even when the transport wraps them differently.
func deadlineAware(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func (c *Client) fallback(agentID, requestID string, cerr *CompletionError) Result {
	return Result{
		Content:    FallbackMessage(c.agents.DisplayName(agentID), cerr, c.cfg.ShowDiagnostics),
		IsFallback: true,
		Diagnostics: Diagnostics{
			Kind:       cerr.Kind,
			Source:     cerr.Source,
			Status:     cerr.Status,
			Reason:     cerr.Reason(),
			Message:    cerr.Message,
			ErrorType:  cerr.ErrorType,
			RetryAfter: cerr.RetryAfter,
			RequestID:  requestID,
			Model:      c.cfg.Model,
		},
	}
}

// FallbackMessage renders the deterministic text shown in place of a reply.
func FallbackMessage(agentName string, cerr *CompletionError, showDiagnostics bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sorry, %s couldn't respond right now", agentName)
	if cerr.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", cerr.Status)
	}
	b.WriteString(". ")

	switch cerr.Kind {
	case KindInsufficientQuota:
		if cerr.Message != "" {
			b.WriteString(cerr.Message)
		} else {
			b.WriteString("The AI service quota has been exceeded.")
		}
	case KindEnvMissing:
		b.WriteString("The chat service is not configured.")
	case KindTimeout:
		b.WriteString("The request timed out.")
	case KindNetwork:
		b.WriteString("The chat service could not be reached.")
	case KindProxy:
		b.WriteString("The chat service returned an error.")
	default:
		b.WriteString("The response could not be processed.")
	}
	b.WriteString(" Please try again.")

	if showDiagnostics {
		fmt.Fprintf(&b, " [%s/%s: %s]", cerr.Source, cerr.Kind, cerr.Reason())
	}
	return b.String()
}

func (c *Client) finish(ctx context.Context, span trace.Span, op string, start time.Time, result *Result) {
	elapsed := time.Since(start)
	result.Diagnostics.Duration = elapsed

	attrs := []attribute.KeyValue{
		attribute.String("gateway.op", op),
		attribute.Bool("gateway.fallback", result.IsFallback),
	}
	if result.IsFallback {
		attrs = append(attrs, attribute.String("gateway.error_kind", string(result.Diagnostics.Kind)))
		span.SetStatus(codes.Error, result.Diagnostics.Reason)
		if c.fallbacks != nil {
			c.fallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		c.logger.Warn("[gateway] completion fell back",
			"op", op,
			"kind", result.Diagnostics.Kind,
			"source", result.Diagnostics.Source,
			"status", result.Diagnostics.Status,
			"reason", result.Diagnostics.Reason,
			"request_id", result.Diagnostics.RequestID,
		)
	} else {
		span.SetStatus(codes.Ok, "")
		c.logger.Info("[gateway] completion finished",
			"op", op,
			"length", len(result.Content),
			"chunks", result.Diagnostics.Chunks,
			"duration", elapsed,
			"request_id", result.Diagnostics.RequestID,
		)
	}
	span.SetAttributes(attrs...)
	if c.duration != nil {
		c.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
}
