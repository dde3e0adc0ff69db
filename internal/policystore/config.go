package policystore

import (
	"encoding/json"
	"fmt"

	"github.com/mlesin/proxy-twister/internal/perrors"
	"github.com/mlesin/proxy-twister/internal/policy"
)

// fileRule is the on-disk shape of one switch rule (spec.md §6).
type fileRule struct {
	Pattern string `json:"pattern"`
	Profile string `json:"profile"`
}

// fileSwitch is the on-disk shape of the switch block.
type fileSwitch struct {
	Default string     `json:"default"`
	Rules   []fileRule `json:"rules"`
}

// fileProfile is the on-disk shape of one profile. Host/Port are pointers so
// Parse can tell "absent" from "zero value" when validating scheme rules.
type fileProfile struct {
	Scheme string  `json:"scheme"`
	Host   *string `json:"host,omitempty"`
	Port   *int    `json:"port,omitempty"`
}

// fileDocument is the on-disk JSON policy file (spec.md §6).
type fileDocument struct {
	Switch   fileSwitch             `json:"switch"`
	Profiles map[string]fileProfile `json:"profiles"`
}

// Parse decodes and validates raw policy JSON into an immutable *policy.Policy,
// eagerly compiling every rule pattern (spec.md §9: compile once per load).
func Parse(raw []byte) (*policy.Policy, error) {
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, perrors.Wrap(perrors.ConfigParse, "parse", err)
	}

	profiles := make(map[string]policy.Profile, len(doc.Profiles))
	for name, fp := range doc.Profiles {
		prof, err := toProfile(name, fp)
		if err != nil {
			return nil, perrors.New(perrors.ConfigParse, "parse", err.Error())
		}
		profiles[name] = prof
	}

	sw := policy.Switch{Default: doc.Switch.Default}
	for _, r := range doc.Switch.Rules {
		sw.Rules = append(sw.Rules, policy.Rule{Pattern: r.Pattern, ProfileName: r.Profile})
	}
	if sw.Default == "" {
		return nil, perrors.New(perrors.ConfigParse, "parse", "switch.default is required")
	}

	p, err := policy.New(sw, profiles)
	if err != nil {
		return nil, perrors.Wrap(perrors.ConfigParse, "parse", err)
	}
	return p, nil
}

func toProfile(name string, fp fileProfile) (policy.Profile, error) {
	switch fp.Scheme {
	case "direct":
		if fp.Host != nil || fp.Port != nil {
			return policy.Profile{}, fmt.Errorf("profile %q: host/port are forbidden for scheme direct", name)
		}
		return policy.Profile{Kind: policy.Direct}, nil
	case "http", "socks5":
		if fp.Host == nil || *fp.Host == "" {
			return policy.Profile{}, fmt.Errorf("profile %q: host is required for scheme %s", name, fp.Scheme)
		}
		if fp.Port == nil || *fp.Port < 1 || *fp.Port > 65535 {
			return policy.Profile{}, fmt.Errorf("profile %q: port must be between 1 and 65535 for scheme %s", name, fp.Scheme)
		}
		kind := policy.HttpUpstream
		if fp.Scheme == "socks5" {
			kind = policy.Socks5Upstream
		}
		return policy.Profile{Kind: kind, Host: *fp.Host, Port: uint16(*fp.Port)}, nil
	default:
		return policy.Profile{}, fmt.Errorf("profile %q: unknown scheme %q", name, fp.Scheme)
	}
}
