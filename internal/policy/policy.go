// Package policy implements the hostname-pattern routing table: the data
// model described in spec.md §3 and the selection algorithm in spec.md §4.3.
package policy

import "fmt"

// Kind is a closed set of routing strategies. Profile is a tagged variant,
// not a type hierarchy, per spec.md §9.
type Kind string

const (
	Direct         Kind = "direct"
	HttpUpstream   Kind = "http"
	Socks5Upstream Kind = "socks5"
)

// Profile is a named routing strategy. Host/Port are meaningless (and must
// be zero) when Kind == Direct.
type Profile struct {
	Kind Kind
	Host string
	Port uint16
}

// Rule is a single (pattern, profile) entry in the switch table. Order is
// significant: first match wins.
type Rule struct {
	Pattern     string
	ProfileName string

	compiled *Pattern
}

// Switch is the ordered rule table plus the fallback profile name.
type Switch struct {
	Default string
	Rules   []Rule
}

// Policy is an immutable routing table. Construct with New; never mutate a
// Policy in place — replace it wholesale.
type Policy struct {
	Switch   Switch
	Profiles map[string]Profile
}

// New compiles every rule's pattern eagerly and caches the result on the
// returned Policy, per spec.md §9 ("compile once per policy load and cache
// in the Policy value; never recompile per connection").
func New(sw Switch, profiles map[string]Profile) (*Policy, error) {
	rules := make([]Rule, len(sw.Rules))
	for i, r := range sw.Rules {
		p, err := Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: pattern %q: %w", i, r.Pattern, err)
		}
		r.compiled = p
		rules[i] = r
	}

	return &Policy{
		Switch:   Switch{Default: sw.Default, Rules: rules},
		Profiles: profiles,
	}, nil
}

// Select returns the profile name the policy resolves host to: the profile
// of the first rule whose pattern matches, or the switch default if none
// match. It never returns any other string. Resolving the returned name
// against Profiles, and handling a dangling reference, is the caller's job
// (spec.md §3: dangling references degrade to a lookup-time error, not a
// load-time failure).
func Select(p *Policy, host string) string {
	for _, r := range p.Switch.Rules {
		if r.compiled.Match(host) {
			return r.ProfileName
		}
	}
	return p.Switch.Default
}

// Resolve looks up name in p.Profiles, returning a PolicyMiss-shaped error
// (via the ok bool; callers map this to perrors.PolicyMiss) when absent.
func (p *Policy) Resolve(name string) (Profile, bool) {
	prof, ok := p.Profiles[name]
	return prof, ok
}
