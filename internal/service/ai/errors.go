package ai

import (
	"errors"
	"strings"
	"time"
)

// DefaultRetryAfter is advertised when the vendor gives no hint.
const DefaultRetryAfter = 60 * time.Second

// UpstreamError describes a vendor failure in the shape the gateway
// contract reports it.
type UpstreamError struct {
	RateLimited bool
	Code        string
	ErrorType   string
	Message     string
	RetryAfter  time.Duration
}

// quotaMarkers are substrings Ark and OpenAI-compatible vendors put in
// quota and throttling errors.
var quotaMarkers = []struct {
	marker    string
	errorType string
}{
	{"insufficient_quota", "insufficient_quota"},
	{"quotaexceeded", "insufficient_quota"},
	{"exceeded your current quota", "insufficient_quota"},
	{"accountoverdue", "insufficient_quota"},
	{"ratelimitexceeded", "rate_limit"},
	{"rate limit", "rate_limit"},
	{"rate_limit", "rate_limit"},
	{"too many requests", "rate_limit"},
	{"status code: 429", "rate_limit"},
	{"status 429", "rate_limit"},
}

// Describe maps a chain error to the gateway error shape.
func Describe(err error) UpstreamError {
	if err == nil {
		return UpstreamError{}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	out := UpstreamError{Code: "upstream_error", ErrorType: "upstream_error", Message: msg}
	if errors.Is(err, ErrNoMessages) {
		out.Code, out.ErrorType = "invalid_request", "invalid_request"
		return out
	}
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m.marker) {
			out.RateLimited = true
			out.Code = m.errorType
			out.ErrorType = m.errorType
			if m.errorType == "rate_limit" {
				out.RetryAfter = DefaultRetryAfter
			}
			return out
		}
	}
	return out
}
