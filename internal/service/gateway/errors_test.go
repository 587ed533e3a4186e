package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
		kind   ErrorKind
		source Source
	}{
		{"missing config", ErrMissingConfig, 0, "", KindEnvMissing, SourceEnv},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), 0, "", KindTimeout, SourceNetwork},
		{"canceled", context.Canceled, 0, "", KindClientFailure, SourceClient},
		{"malformed frame", fmt.Errorf("%w: bad", errMalformedFrame), 0, "", KindClientFailure, SourceClient},
		{"status 429 no body", nil, 429, "", KindInsufficientQuota, SourceVendor},
		{"quota code on 400", nil, 400, `{"error":{"message":"no credit","code":"insufficient_quota"}}`, KindInsufficientQuota, SourceVendor},
		{"quota errorType", nil, 403, `{"message":"limit","errorType":"rate_limit"}`, KindInsufficientQuota, SourceVendor},
		{"plain 500", nil, 500, `{"message":"boom"}`, KindProxy, SourceProxy},
		{"html 502", nil, 502, `<html>bad gateway</html>`, KindProxy, SourceProxy},
		{"unknown", errors.New("weird"), 0, "", KindClientFailure, SourceClient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err, tc.status, []byte(tc.body))
			if got.Kind != tc.kind || got.Source != tc.source {
				t.Fatalf("got %s/%s want %s/%s", got.Kind, got.Source, tc.kind, tc.source)
			}
		})
	}
}

func TestClassifyPreservesUpstreamMessage(t *testing.T) {
	got := Classify(nil, 429, []byte(`{"error":"You have hit your quota."}`))
	if got.Message != "You have hit your quota." {
		t.Fatalf("unexpected message %q", got.Message)
	}

	got = Classify(nil, 429, []byte(`{"message":"outer","error":{"message":"inner"},"retryAfter":"12"}`))
	if got.Message != "inner" {
		t.Fatalf("nested message should win, got %q", got.Message)
	}
	if got.RetryAfter != 12*time.Second {
		t.Fatalf("unexpected retryAfter %s", got.RetryAfter)
	}
}

func TestFallbackMessageIsDeterministic(t *testing.T) {
	cerr := &CompletionError{Kind: KindTimeout, Source: SourceNetwork, Err: context.DeadlineExceeded}
	a := FallbackMessage("Chris", cerr, false)
	b := FallbackMessage("Chris", cerr, false)
	if a != b {
		t.Fatalf("fallback text differs: %q vs %q", a, b)
	}
	if !strings.Contains(a, "Chris") || strings.Contains(a, "deadline") {
		t.Fatalf("unexpected fallback %q", a)
	}
	if withDiag := FallbackMessage("Chris", cerr, true); !strings.Contains(withDiag, "network/timeout") {
		t.Fatalf("diagnostics should be appended: %q", withDiag)
	}
}

func TestReadEventStream(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"",
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		"",
		"event: message",
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"c"}}]}`,
	}, "\r\n")

	var deltas []string
	text, chunks, err := readEventStream(strings.NewReader(body), func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("readEventStream err: %v", err)
	}
	if text != "abc" || chunks != 3 || len(deltas) != 3 {
		t.Fatalf("unexpected result text=%q chunks=%d deltas=%v", text, chunks, deltas)
	}
}

func TestReadEventStreamStopsAtDone(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n"
	text, _, err := readEventStream(strings.NewReader(body), nil)
	if err != nil || text != "x" {
		t.Fatalf("unexpected text=%q err=%v", text, err)
	}
}

func TestReadEventStreamUpstreamError(t *testing.T) {
	body := "data: {\"error\":{\"message\":\"model overloaded\"}}\n\n"
	_, _, err := readEventStream(strings.NewReader(body), nil)
	got := Classify(err, 0, nil)
	if got.Kind != KindProxy || got.Message != "model overloaded" {
		t.Fatalf("unexpected classification %+v", got)
	}
}

func TestIsNameQuestion(t *testing.T) {
	yes := []string{"what's your name", "  What Is Your Name?", "hey, who are you", "name"}
	no := []string{"rename this file", "", "what is the weather"}
	for _, s := range yes {
		if !IsNameQuestion(s) {
			t.Fatalf("expected %q to be a name question", s)
		}
	}
	for _, s := range no {
		if IsNameQuestion(s) {
			t.Fatalf("expected %q not to be a name question", s)
		}
	}
}
