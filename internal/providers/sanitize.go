package providers

import "regexp"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9-]{8,}`),
	regexp.MustCompile(`Bearer [A-Za-z0-9._-]{16,}`),
	regexp.MustCompile(`(?i)"(api[_-]?key)"\s*:\s*"[^"]*"`),
}

// Sanitize redacts substrings matching common secret patterns. It is applied
// uniformly to every adapter error path and to the reliable wrapper's
// aggregated failure report.
func Sanitize(s string) string {
	out := s
	for _, re := range secretPatterns {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			switch {
			case regexp.MustCompile(`(?i)^"(api[_-]?key)"`).MatchString(m):
				sub := regexp.MustCompile(`:\s*"[^"]*"`)
				return sub.ReplaceAllString(m, `: "[REDACTED]"`)
			default:
				return "[REDACTED]"
			}
		})
	}
	return out
}

// sanitizedError wraps an error so its Error() string is redacted, while
// preserving Unwrap for errors.Is/As on the underlying cause.
type sanitizedError struct {
	msg   string
	cause error
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.cause }

// Sanitized wraps err with its message redacted via Sanitize. Every adapter
// passes its HTTP/SDK errors through this before returning them, so a
// leaked API key never reaches a log line or an aggregated failure report.
func Sanitized(err error) error {
	if err == nil {
		return nil
	}
	return &sanitizedError{msg: Sanitize(err.Error()), cause: err}
}
