package policy

import (
	"regexp"
	"strings"
)

// Pattern is a compiled hostname matcher. The only wildcard is '*'; a
// pattern of the form "*.suffix" additionally matches the bare suffix
// itself, per spec.md §3/§4.3.
type Pattern struct {
	source string
	re     *regexp.Regexp
}

// Compile translates a glob-style pattern into an anchored regular
// expression and compiles it. New calls it once per rule when a Policy is
// loaded; it is never called per connection.
func Compile(pattern string) (*Pattern, error) {
	var expr string
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		expr = "^(.*\\.)?" + escapeWithWildcard(suffix) + "$"
	} else {
		expr = "^" + escapeWithWildcard(pattern) + "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &Pattern{source: pattern, re: re}, nil
}

// escapeWithWildcard escapes every regex metacharacter in s, then turns the
// now-escaped '*' (i.e. literal "\*") back into ".*" so it keeps its glob
// meaning of "zero or more characters".
func escapeWithWildcard(s string) string {
	escaped := regexp.QuoteMeta(s)
	return strings.ReplaceAll(escaped, `\*`, ".*")
}

// Match reports whether host satisfies the pattern. Matching is anchored at
// both ends; hosts are compared literally (no implicit case-folding here —
// callers should lowercase before calling, per spec.md §4.3).
func (p *Pattern) Match(host string) bool {
	return p.re.MatchString(host)
}

// String returns the original glob source, useful for logging.
func (p *Pattern) String() string { return p.source }
