package server

import (
	"context"
	"net"

	"github.com/mlesin/proxy-twister/internal/policy"
	"github.com/mlesin/proxy-twister/internal/pump"
	"github.com/mlesin/proxy-twister/internal/reqhead"
	"github.com/mlesin/proxy-twister/internal/socksclient"
)

// dispatchSocks5 implements spec.md §4.4 routed through a SOCKS5 upstream
// profile. Once the SOCKS5 CONNECT handshake succeeds, the returned stream
// is a raw pipe straight to target, so a non-CONNECT request is normalized
// exactly as Direct would (§4.6). Returns the ConnectionClosed reason.
func (s *Server) dispatchSocks5(ctx context.Context, conn net.Conn, head *reqhead.Head, target reqhead.Target, prof policy.Profile, done <-chan struct{}) string {
	addr := upstreamAddr(prof.Host, prof.Port)

	upstream, err := socksclient.Connect(ctx, addr, target.Host, target.Port)
	if err != nil {
		s.onDialFailed(conn, addr, err)
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
