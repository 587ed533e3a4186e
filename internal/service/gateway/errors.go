package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrorKind is the closed set of completion failure classes.
type ErrorKind string

const (
	KindEnvMissing        ErrorKind = "env_missing"
	KindInsufficientQuota ErrorKind = "insufficient_quota"
	KindTimeout           ErrorKind = "timeout"
	KindNetwork           ErrorKind = "network_error"
	KindProxy             ErrorKind = "proxy_error"
	KindClientFailure     ErrorKind = "client_failure"
)

// Source says which side of the exchange failed.
type Source string

const (
	SourceEnv     Source = "env"
	SourceVendor  Source = "openai"
	SourceNetwork Source = "network"
	SourceProxy   Source = "proxy"
	SourceClient  Source = "client"
)

var (
	ErrMissingConfig  = errors.New("gateway base url or model is not configured")
	errMalformedFrame = errors.New("malformed stream frame")
	errUpstreamStream = errors.New("upstream reported an error mid-stream")
	errMalformedReply = errors.New("malformed completion response")
)

// CompletionError is the tagged result of Classify.
type CompletionError struct {
	Kind       ErrorKind
	Source     Source
	Status     int
	Message    string // upstream message, verbatim when one was provided
	ErrorType  string
	RetryAfter time.Duration
	Err        error
}

func (e *CompletionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Reason is the raw classified reason shown when diagnostics are enabled.
func (e *CompletionError) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// errorBody accepts the error shapes the gateway and upstream vendors return:
// {"message"}, {"error": "text"}, {"error": {"message","code","type"}},
// plus optional retryAfter, errorType and code.
type errorBody struct {
	Message    string          `json:"message"`
	Error      json.RawMessage `json:"error"`
	ErrorType  string          `json:"errorType"`
	Code       json.RawMessage `json:"code"`
	RetryAfter json.RawMessage `json:"retryAfter"`
}

type nestedError struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code"`
	Type    string          `json:"type"`
}

// Classify maps a failed exchange to one CompletionError. err is the transport
// or decoding error if any; status and body describe a non-2xx response.
func Classify(err error, status int, body []byte) *CompletionError {
	switch {
	case err != nil && errors.Is(err, ErrMissingConfig):
		return &CompletionError{Kind: KindEnvMissing, Source: SourceEnv, Err: err}
	case err != nil && isTimeout(err):
		return &CompletionError{Kind: KindTimeout, Source: SourceNetwork, Err: err}
	case err != nil && errors.Is(err, context.Canceled):
		return &CompletionError{Kind: KindClientFailure, Source: SourceClient, Err: err}
	case err != nil && (errors.Is(err, errMalformedFrame) || errors.Is(err, errMalformedReply)):
		return &CompletionError{Kind: KindClientFailure, Source: SourceClient, Err: err}
	case err != nil && errors.Is(err, errUpstreamStream):
		return &CompletionError{Kind: KindProxy, Source: SourceProxy, Err: err, Message: strings.TrimPrefix(err.Error(), errUpstreamStream.Error()+": ")}
	case err != nil && isNetwork(err):
		return &CompletionError{Kind: KindNetwork, Source: SourceNetwork, Err: err}
	case err != nil:
		return &CompletionError{Kind: KindClientFailure, Source: SourceClient, Err: err}
	case status >= 200 && status < 300:
		return &CompletionError{Kind: KindClientFailure, Source: SourceClient, Status: status, Err: errMalformedReply}
	}

	parsed := parseErrorBody(body)
	if status == 429 || parsed.quota {
		return &CompletionError{
			Kind:       KindInsufficientQuota,
			Source:     SourceVendor,
			Status:     status,
			Message:    parsed.message,
			ErrorType:  parsed.errorType,
			RetryAfter: parsed.retryAfter,
		}
	}
	return &CompletionError{
		Kind:      KindProxy,
		Source:    SourceProxy,
		Status:    status,
		Message:   parsed.message,
		ErrorType: parsed.errorType,
	}
}

type parsedBody struct {
	message    string
	errorType  string
	retryAfter time.Duration
	quota      bool
}

func parseErrorBody(body []byte) parsedBody {
	var out parsedBody
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return out
	}

	var eb errorBody
	if err := json.Unmarshal([]byte(trimmed), &eb); err != nil {
		out.message = trimmed
		out.quota = mentionsQuota(trimmed)
		return out
	}

	var nested nestedError
	var flat string
	if len(eb.Error) > 0 {
		if err := json.Unmarshal(eb.Error, &nested); err != nil {
			_ = json.Unmarshal(eb.Error, &flat)
		}
	}

	out.message = firstNonEmpty(nested.Message, eb.Message, flat)
	out.errorType = firstNonEmpty(eb.ErrorType, nested.Type)
	out.retryAfter = parseRetryAfter(eb.RetryAfter)

	codes := []string{rawString(eb.Code), rawString(nested.Code), eb.ErrorType, nested.Type}
	for _, code := range codes {
		if mentionsQuota(code) {
			out.quota = true
			if out.errorType == "" {
				out.errorType = code
			}
		}
	}
	return out
}

func mentionsQuota(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "rate_limit")
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// parseRetryAfter accepts seconds as a number or numeric string.
func parseRetryAfter(raw json.RawMessage) time.Duration {
	s := strings.TrimSpace(rawString(raw))
	if s == "" || s == "null" {
		return 0
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
