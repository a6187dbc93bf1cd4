package providers

import (
	"regexp"
	"strconv"
	"strings"
)

// Classification used by the reliable wrapper to decide retry/failover
// behavior for a single attempt. Grounded on the teacher's ErrorType /
// Is*Message predicates (internal/llm/errors.go), generalized to the five
// predicates the reliable wrapper contract names.

var nonRetryableAuthPhrases = []string{
	"invalid api key",
	"invalid_api_key",
	"incorrect api key",
	"unauthorized",
	"forbidden",
	"access denied",
	"authentication failed",
	"no api key found",
	"api key not found",
	"invalid credentials",
}

var modelNotFoundPhrases = []string{
	"model not found",
	"model is not found",
	"unknown model",
	"unsupported model",
	"invalid model",
	"model ... not found",
}

var contextOverflowPhrases = []string{
	"exceeds the context window",
	"maximum context length",
	"prompt is too long",
	"context_length_exceeded",
	"context length exceeded",
	"context window exceeded",
	"request_too_large",
	"exceeds model context window",
}

var nonRetryableRateLimitPhrases = []string{
	"plan does not include",
	"insufficient balance",
	"quota exhausted",
}

// Known provider business-error codes that mean "don't bother retrying".
var nonRetryableRateLimitCodes = []string{"1113", "1311"}

var http4xxRe = regexp.MustCompile(`\b4\d\d\b`)

// IsNonRetryable reports whether an error should skip remaining retries and
// advance straight to the next (provider, model).
func IsNonRetryable(statusCode int, body string) bool {
	lower := strings.ToLower(body)

	if statusCode != 0 && statusCode >= 400 && statusCode < 500 && statusCode != 408 && statusCode != 429 {
		return true
	}
	if m := http4xxRe.FindString(lower); m != "" && m != "408" && m != "429" {
		return true
	}
	for _, p := range nonRetryableAuthPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range modelNotFoundPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	if matched, _ := regexp.MatchString(`model\b.*(not found|unknown|unsupported|invalid)`, lower); matched {
		return true
	}
	return false
}

// IsContextWindowExceeded is a sub-case of non-retryable that aborts the
// whole request (no model or provider fallback).
func IsContextWindowExceeded(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range contextOverflowPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRateLimited reports HTTP 429 or a body mentioning 429 alongside a
// rate-limit phrase.
func IsRateLimited(statusCode int, body string) bool {
	if statusCode == 429 {
		return true
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "429") {
		if strings.Contains(lower, "too many") || strings.Contains(lower, "rate") || strings.Contains(lower, "limit") {
			return true
		}
	}
	return false
}

// IsNonRetryableRateLimit is a sub-case of IsRateLimited that should skip
// retries entirely (plan/quota exhaustion rather than transient throttling).
func IsNonRetryableRateLimit(statusCode int, body string) bool {
	if !IsRateLimited(statusCode, body) {
		return false
	}
	lower := strings.ToLower(body)
	for _, p := range nonRetryableRateLimitPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, c := range nonRetryableRateLimitCodes {
		if strings.Contains(body, c) {
			return true
		}
	}
	return false
}

// ParseRetryAfterMillis parses a Retry-After value (header or JSON field),
// case-insensitively, tolerating integer-seconds or float-seconds forms.
// Returns (ms, true) on success.
func ParseRetryAfterMillis(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		if f < 0 {
			f = 0
		}
		return int64(f * 1000), true
	}
	return 0, false
}

// FindRetryAfter scans a response body/header map for a retry-after hint in
// any of the common spellings.
func FindRetryAfter(headerValue string, body string) (int64, bool) {
	if ms, ok := ParseRetryAfterMillis(headerValue); ok {
		return ms, true
	}
	re := regexp.MustCompile(`(?i)retry[_-]after["':\s]+([0-9]+(?:\.[0-9]+)?)`)
	if m := re.FindStringSubmatch(body); len(m) == 2 {
		if ms, ok := ParseRetryAfterMillis(m[1]); ok {
			return ms, true
		}
	}
	return 0, false
}
