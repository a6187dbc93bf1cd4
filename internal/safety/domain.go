package safety

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// categoryPatterns is the closed set of named domain categories, each
// expanding to a fixed pattern list.
var categoryPatterns = map[string][]string{
	"banking": {
		"*.chase.com", "*.bankofamerica.com", "*.wellsfargo.com", "*.fidelity.com",
		"*.schwab.com", "*.venmo.com", "*.paypal.com", "*.robinhood.com", "*.coinbase.com",
	},
	"medical": {
		"*.mychart.com", "*.epic.com", "*.patient.portal.*", "*.healthrecords.*",
	},
	"government": {
		"*.ssa.gov", "*.irs.gov", "*.login.gov", "*.id.me",
	},
	"identity_providers": {
		"accounts.google.com", "login.microsoftonline.com", "appleid.apple.com",
	},
}

var domainCharRe = regexp.MustCompile(`^[a-z0-9.\-*]+$`)

// DomainMatcher validates and matches glob-style domain patterns, and
// expands the closed set of named categories.
type DomainMatcher struct{}

// NewDomainMatcher constructs a DomainMatcher.
func NewDomainMatcher() *DomainMatcher { return &DomainMatcher{} }

// Validate rejects a pattern that is empty, has leading/trailing dots,
// consecutive ".." or "**", characters outside [a-z0-9.-*], empty labels,
// or is "*." alone.
func (m *DomainMatcher) Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is empty")
	}
	if pattern == "*." {
		return fmt.Errorf("pattern %q is not a valid domain", pattern)
	}
	if strings.HasPrefix(pattern, ".") || strings.HasSuffix(pattern, ".") {
		return fmt.Errorf("pattern %q has a leading or trailing dot", pattern)
	}
	if strings.Contains(pattern, "..") {
		return fmt.Errorf("pattern %q has consecutive dots", pattern)
	}
	if strings.Contains(pattern, "**") {
		return fmt.Errorf("pattern %q has consecutive wildcards", pattern)
	}
	if !domainCharRe.MatchString(pattern) {
		return fmt.Errorf("pattern %q contains characters outside [a-z0-9.-*]", pattern)
	}
	for _, label := range strings.Split(pattern, ".") {
		if label == "" {
			return fmt.Errorf("pattern %q has an empty label", pattern)
		}
	}
	return nil
}

// ExpandCategory returns the fixed pattern list for a named category, or an
// error listing the known categories when name is unrecognized.
func ExpandCategory(name string) ([]string, error) {
	patterns, ok := categoryPatterns[name]
	if !ok {
		known := make([]string, 0, len(categoryPatterns))
		for k := range categoryPatterns {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown domain category %q; known categories: %s", name, strings.Join(known, ", "))
	}
	return patterns, nil
}

// NormalizeHost strips scheme, userinfo, path/query/fragment, port, and a
// trailing dot, then lowercases the result.
func NormalizeHost(urlOrHost string) string {
	candidate := urlOrHost
	if !strings.Contains(candidate, "://") {
		candidate = "scheme://" + candidate
	}
	parsed, err := url.Parse(candidate)
	host := ""
	if err == nil {
		host = parsed.Hostname()
	}
	if host == "" {
		host = urlOrHost
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// IsGated reports whether urlOrHost, once normalized, matches any of
// patterns (exact patterns matched exactly; "*" patterns matched via the
// classic linear-time wildcard algorithm, where "*" matches zero or more
// characters including dots).
func IsGated(urlOrHost string, patterns []string) bool {
	host := NormalizeHost(urlOrHost)
	for _, p := range patterns {
		if matchWildcard(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// matchWildcard implements the classic O(len(s)+len(pattern)) backtracking
// wildcard match where '*' matches any run of characters (including none).
func matchWildcard(s, pattern string) bool {
	si, pi := 0, 0
	starIdx, sMatch := -1, 0

	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == s[si]) {
			si++
			pi++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			sMatch = si
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			sMatch++
			si = sMatch
		} else {
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
