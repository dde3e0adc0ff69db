package server

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/perrors"
	"github.com/mlesin/proxy-twister/internal/pump"
	"github.com/mlesin/proxy-twister/internal/reqhead"
)

// dispatchDirect implements spec.md §4.6: dial the target directly, then
// either enter a CONNECT tunnel or forward a single normalized request. It
// returns the ConnectionClosed reason ("eof" or "error"); the caller
// overrides this with "cancelled" when the shared context was cancelled.
func (s *Server) dispatchDirect(ctx context.Context, conn net.Conn, head *reqhead.Head, target reqhead.Target, done <-chan struct{}) string {
	upstream, err := dialTarget(ctx, target)
	if err != nil {
		s.onDialFailed(conn, target.Host, err)
		return "error"
	}
	defer upstream.Close()

	if head.Method == "CONNECT" {
		writeStatusLine(conn, 200, "Connection Established")
		pump.Run(conn, upstream, done, s.recorder())
		return "eof"
	}

	req := buildOriginFormRequest(head, target)
	if _, err := upstream.Write(req); err != nil {
		writeStatusLine(conn, 500, "Internal Server Error")
		return "error"
	}
	pump.Run(conn, upstream, done, s.recorder())
	return "eof"
}

func dialTarget(ctx context.Context, target reqhead.Target) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", upstreamAddr(target.Host, target.Port))
	if err != nil {
		return nil, perrors.WrapAddr(perrors.Io, "dial-target", upstreamAddr(target.Host, target.Port), err)
	}
	return conn, nil
}

func (s *Server) onDialFailed(conn net.Conn, addr string, err error) {
	if s.Metrics != nil {
		s.Metrics.DialFailed()
	}
	if s.Bus != nil {
		s.Bus.Emit(events.NewDialFailed(addr, err.Error()))
	}
	writeStatusLine(conn, 500, "Internal Server Error")
}

// buildOriginFormRequest normalizes a client request for direct forwarding:
// an absolute-form request-target is stripped to origin-form, Host is
// present (preserved or synthesized), Connection: close is added when the
// client didn't specify a connection header, and Content-Length reflects a
// non-empty body_prefix (spec.md §4.6).
func buildOriginFormRequest(head *reqhead.Head, target reqhead.Target) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", head.Method, originForm(head.Target), head.Version)

	sawHost, sawConnection := false, false
	head.Headers.Each(func(name, value string) {
		switch name {
		case "proxy-connection":
			return
		case "content-length":
			if len(head.BodyPrefix) > 0 {
				return
			}
		case "host":
			sawHost = true
		case "connection":
			sawConnection = true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	})
	if !sawHost {
		fmt.Fprintf(&b, "Host: %s\r\n", upstreamAddr(target.Host, target.Port))
	}
	if !sawConnection {
		b.WriteString("Connection: close\r\n")
	}
	if len(head.BodyPrefix) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(head.BodyPrefix))
	}
	b.WriteString("\r\n")
	b.Write(head.BodyPrefix)
	return []byte(b.String())
}

// originForm strips a "scheme://authority" prefix from an absolute-form
// request-target, leaving only the path (+ query), or returns target
// unchanged if it was already in origin-form.
func originForm(target string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if !strings.HasPrefix(target, scheme) {
			continue
		}
		rest := target[len(scheme):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i:]
		}
		return "/"
	}
	return target
}
