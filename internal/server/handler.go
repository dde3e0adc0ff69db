package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/perrors"
	"github.com/mlesin/proxy-twister/internal/policy"
	"github.com/mlesin/proxy-twister/internal/reqhead"
)

func (s *Server) handleConn(conn net.Conn, listenAddr string) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
		defer s.Metrics.ConnectionClosed()
	}
	if s.Bus != nil {
		s.Bus.Emit(events.NewConnectionOpened(remote, listenAddr))
	}

	br := bufio.NewReader(conn)
	head, err := reqhead.Parse(br, conn, reqhead.DefaultTimeouts)
	if err != nil {
		s.rejectParseError(conn, err)
		return
	}

	target, err := reqhead.ExtractTarget(head)
	if err != nil {
		s.rejectParseError(conn, err)
		return
	}

	// Short shared lease: load, select, resolve, clone the profile value,
	// then never touch the policy again for this connection (spec.md §4.9).
	pol := s.Cell.Load()
	profileName := policy.Select(pol, target.Host)
	prof, ok := pol.Resolve(profileName)
	if !ok {
		s.logAndReject(conn, perrors.New(perrors.PolicyMiss, "resolve", fmt.Sprintf("profile %q not found", profileName)))
		return
	}

	if s.Bus != nil {
		s.Bus.Emit(events.NewConnectionDispatched(remote, target.Host, target.Port, profileName, string(prof.Kind)))
	}

	epochToken := s.Holder.Current()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-epochToken.Done():
			cancel()
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	reason := "error"
	switch prof.Kind {
	case policy.Direct:
		reason = s.dispatchDirect(ctx, conn, head, target, done)
	case policy.HttpUpstream:
		reason = s.dispatchHTTPUpstream(ctx, conn, head, target, prof, done)
	case policy.Socks5Upstream:
		reason = s.dispatchSocks5(ctx, conn, head, target, prof, done)
	default:
		s.logAndReject(conn, perrors.New(perrors.PolicyMiss, "dispatch", "profile has an unknown kind"))
	}
	if ctx.Err() != nil {
		reason = "cancelled"
	}

	if s.Bus != nil {
		s.Bus.Emit(events.NewConnectionClosed(remote, reason))
	}
}

// rejectParseError maps a parse/extract-target error to the client-facing
// status spec.md §4.2 specifies: a malformed CONNECT target (missing or
// non-numeric port, empty host) is 400 Bad Request, same as any other
// unparseable request. 405 Method Not Allowed is reserved for a different
// failure entirely — a client using a method where only CONNECT is
// accepted — which this function never sees, since ExtractTarget only
// fails on malformed input.
func (s *Server) rejectParseError(conn net.Conn, _ error) {
	writeStatusLine(conn, 400, "Bad Request")
}

func (s *Server) logAndReject(conn net.Conn, err error) {
	if !perrors.IsCancelled(err) {
		if s.Bus != nil {
			s.Bus.Emit(events.NewDialFailed(conn.RemoteAddr().String(), err.Error()))
		}
	}
	writeStatusLine(conn, 500, "Internal Server Error")
}

func writeStatusLine(conn net.Conn, status int, reason string) {
	conn.Write([]byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", status, reason)))
}

func upstreamAddr(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
