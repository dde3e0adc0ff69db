package policystore

import (
	"testing"

	"github.com/mlesin/proxy-twister/internal/policy"
)

func TestParseValidDocument(t *testing.T) {
	raw := []byte(`{
		"switch": {"default": "direct", "rules": [{"pattern": "*.example.com", "profile": "A"}]},
		"profiles": {
			"direct": {"scheme": "direct"},
			"A": {"scheme": "socks5", "host": "127.0.0.1", "port": 1080}
		}
	}`)

	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := policy.Select(p, "sub.example.com"); got != "A" {
		t.Fatalf("expected rule match to select A, got %q", got)
	}
	prof, ok := p.Resolve("A")
	if !ok || prof.Kind != policy.Socks5Upstream || prof.Host != "127.0.0.1" || prof.Port != 1080 {
		t.Fatalf("unexpected profile A: %+v", prof)
	}
}

func TestParseDirectForbidsHostPort(t *testing.T) {
	raw := []byte(`{
		"switch": {"default": "direct", "rules": []},
		"profiles": {"direct": {"scheme": "direct", "host": "x"}}
	}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected an error when a direct profile specifies a host")
	}
}

func TestParseUpstreamRequiresHostAndPort(t *testing.T) {
	raw := []byte(`{
		"switch": {"default": "A", "rules": []},
		"profiles": {"A": {"scheme": "http"}}
	}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected an error when an http profile is missing host/port")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestParseMissingDefaultIsRejected(t *testing.T) {
	raw := []byte(`{"switch": {"rules": []}, "profiles": {}}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected an error when switch.default is missing")
	}
}
