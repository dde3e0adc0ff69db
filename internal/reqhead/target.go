package reqhead

import (
	"net"
	"strconv"
	"strings"

	"github.com/mlesin/proxy-twister/internal/perrors"
)

// Target is the origin host and port a client request resolves to.
type Target struct {
	Host string
	Port uint16
}

// ExtractTarget implements spec.md §4.2's resolution rules in order: CONNECT
// splits its own request-target; everything else prefers the Host header,
// falling back to an absolute-form request-target; the port defaults to
// 443 when the original request-target began with "https://", else 80.
func ExtractTarget(h *Head) (Target, error) {
	if h.Method == "CONNECT" {
		return extractConnectTarget(h.Target)
	}

	authority, ok := h.Headers.Get("host")
	if !ok {
		if strings.HasPrefix(h.Target, "http://") || strings.HasPrefix(h.Target, "https://") {
			authority, ok = authorityFromAbsoluteForm(h.Target)
		}
	}
	if !ok || authority == "" {
		return Target{}, perrors.New(perrors.BadRequest, "extract-target", "no host derivable from request")
	}

	return splitAuthority(authority, defaultPortFor(h.Target))
}

func extractConnectTarget(target string) (Target, error) {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return Target{}, perrors.New(perrors.BadRequest, "connect-target", "missing port")
	}
	host, portStr := target[:idx], target[idx+1:]
	port, err := parsePort(portStr)
	if err != nil {
		return Target{}, perrors.New(perrors.BadRequest, "connect-target", "non-numeric port")
	}
	if host == "" {
		return Target{}, perrors.New(perrors.BadRequest, "connect-target", "empty host")
	}
	return Target{Host: host, Port: port}, nil
}

// authorityFromAbsoluteForm takes everything up to the first '/' after the
// scheme as the authority, per spec.md §4.2 rule 2.
func authorityFromAbsoluteForm(target string) (string, bool) {
	rest := target
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	} else {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func defaultPortFor(target string) uint16 {
	if strings.HasPrefix(target, "https://") {
		return 443
	}
	return 80
}

func splitAuthority(authority string, defaultPort uint16) (Target, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// No ":" present (or a bare IPv6 literal without brackets) — treat
		// the whole authority as the host and apply the default port.
		return Target{Host: authority, Port: defaultPort}, nil
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Target{}, perrors.New(perrors.BadRequest, "split-authority", "non-numeric port")
	}
	return Target{Host: host, Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
