// Package glob translates the `*`/`**` URL-pattern syntax used by watch
// rules and redaction into anchored, case-insensitive matchers. Both `**`
// and `*` match any run of characters, path separators included.
package glob

import (
	"net/url"
	"regexp"
	"strings"
)

// Matcher matches a string against a compiled glob pattern.
type Matcher struct {
	re *regexp.Regexp
}

// Compile translates pattern into an anchored, case-insensitive Matcher.
func Compile(pattern string) *Matcher {
	var b strings.Builder
	b.WriteString("(?i)^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case runes[i] == '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		// Pattern could not be compiled (pathological input); fall back to
		// a matcher that never matches rather than panicking callers.
		re = regexp.MustCompile(`(?i)^\x00never-matches\x00$`)
	}
	return &Matcher{re: re}
}

// MatchURL strips scheme+host from raw (keeping pathname+search) before
// matching. Invalid URLs are matched against the raw input.
func (m *Matcher) MatchURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" && u.Host == "" {
		return m.re.MatchString(raw)
	}
	target := u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return m.re.MatchString(target)
}

// Match matches s directly, with no URL-aware stripping.
func (m *Matcher) Match(s string) bool {
	return m.re.MatchString(s)
}
