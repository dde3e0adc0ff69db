package server

import (
	"context"
	"net"

	"github.com/mlesin/proxy-twister/internal/httpclient"
	"github.com/mlesin/proxy-twister/internal/policy"
	"github.com/mlesin/proxy-twister/internal/pump"
	"github.com/mlesin/proxy-twister/internal/reqhead"
)

// dispatchHTTPUpstream implements spec.md §4.5 routed through an HTTP
// upstream profile. Per spec.md §9, on CONNECT the proxy writes its own 200
// line once the upstream's CONNECT succeeds — it never forwards the
// upstream's 200 response verbatim. Returns the ConnectionClosed reason.
func (s *Server) dispatchHTTPUpstream(ctx context.Context, conn net.Conn, head *reqhead.Head, target reqhead.Target, prof policy.Profile, done <-chan struct{}) string {
	addr := upstreamAddr(prof.Host, prof.Port)

	if head.Method == "CONNECT" {
		upstream, err := httpclient.Tunnel(ctx, addr, target.Host, target.Port, nil)
		if err != nil {
			s.onDialFailed(conn, addr, err)
			return "error"
		}
		defer upstream.Close()
		writeStatusLine(conn, 200, "Connection Established")
		pump.Run(conn, upstream, done, s.recorder())
		return "eof"
	}

	upstream, err := httpclient.Forward(ctx, addr, head, target, nil)
	if err != nil {
		s.onDialFailed(conn, addr, err)
		return "error"
	}
	defer upstream.Close()
	pump.Run(conn, upstream, done, s.recorder())
	return "eof"
}
