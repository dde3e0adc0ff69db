// Package socksclient implements a SOCKS5 client (RFC 1928), CONNECT
// command only, no-auth only, DOMAIN address type on outbound — the state
// machine described in spec.md §4.4. This is deliberately hand-rolled
// rather than delegated to golang.org/x/net/proxy: spec.md names this state
// machine as part of THE CORE engineering the system must implement itself.
package socksclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/mlesin/proxy-twister/internal/perrors"
)

const (
	version5     = 0x05
	methodNone   = 0x00
	noAcceptable = 0xFF
	cmdConnect   = 0x01
	rsv          = 0x00
	atypIPv4     = 0x01
	atypDomain   = 0x03
	atypIPv6     = 0x04
	repSuccess   = 0x00
)

// ReplyTimeout bounds each read step of the handshake (spec.md §4.4/§5: 10s reference).
var ReplyTimeout = 10 * time.Second

// Connect dials upstreamAddr, performs the full SOCKS5 CONNECT handshake
// asking the proxy to reach target, and returns the established TCP
// connection ready for byte-pumping. The target host is transmitted as a
// DOMAIN address regardless of whether it parses as an IP literal — per
// spec.md §4.4 step 3, "domain is the target's host (not the upstream)".
func Connect(ctx context.Context, upstreamAddr, targetHost string, targetPort uint16) (net.Conn, error) {
	conn, err := dial(ctx, upstreamAddr)
	if err != nil {
		return nil, perrors.WrapAddr(perrors.Io, "dial", upstreamAddr, err)
	}

	if err := greet(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := request(conn, targetHost, targetPort); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readReply(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// greet sends the method-selection request (no-auth only) and requires the
// proxy to accept method 0x00.
func greet(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(ReplyTimeout)); err != nil {
		return perrors.Wrap(perrors.Io, "greet-deadline", err)
	}
	if _, err := conn.Write([]byte{version5, 0x01, methodNone}); err != nil {
		return perrors.Wrap(perrors.Io, "greet-write", err)
	}

	reply := make([]byte, 2)
	if _, err := readFullTimed(conn, reply); err != nil {
		return err
	}
	if reply[0] != version5 || reply[1] != methodNone {
		if reply[1] == noAcceptable {
			return perrors.New(perrors.ProxyAuthRejected, "greet", "proxy rejected no-auth")
		}
		return perrors.New(perrors.ProxyAuthRejected, "greet", fmt.Sprintf("unexpected method selection reply %#x %#x", reply[0], reply[1]))
	}
	return nil
}

// request sends the CONNECT command with a DOMAIN address type.
func request(conn net.Conn, host string, port uint16) error {
	if len(host) > 255 {
		return perrors.New(perrors.BadRequest, "request", "target host too long for SOCKS5 DOMAIN address")
	}

	buf := make([]byte, 0, 7+len(host))
	buf = append(buf, version5, cmdConnect, rsv, atypDomain, byte(len(host)))
	buf = append(buf, host...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	buf = append(buf, portBytes...)

	if err := conn.SetDeadline(time.Now().Add(ReplyTimeout)); err != nil {
		return perrors.Wrap(perrors.Io, "request-deadline", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return perrors.Wrap(perrors.Io, "request-write", err)
	}
	return nil
}

// readReply reads the reply head (VER REP RSV ATYP), requires REP ==
// SUCCESS, then consumes the bound address that follows per ATYP.
func readReply(conn net.Conn) error {
	head := make([]byte, 4)
	if _, err := readFullTimed(conn, head); err != nil {
		return err
	}
	if head[0] != version5 {
		return perrors.New(perrors.ProxyProtocol, "reply-head", "unexpected SOCKS version in reply")
	}
	if head[1] != repSuccess {
		return perrors.Rejected("reply-head", int(head[1]), socksReplyMessage(head[1]))
	}

	switch atyp := head[3]; atyp {
	case atypIPv4:
		return discard(conn, 4+2)
	case atypIPv6:
		return discard(conn, 16+2)
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFullTimed(conn, lenByte); err != nil {
			return err
		}
		return discard(conn, int(lenByte[0])+2)
	default:
		return perrors.New(perrors.ProxyProtocol, "reply-addr", fmt.Sprintf("unsupported ATYP %#x", atyp))
	}
}

func discard(conn net.Conn, n int) error {
	buf := make([]byte, n)
	_, err := readFullTimed(conn, buf)
	return err
}

func readFullTimed(conn net.Conn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReplyTimeout)); err != nil {
		return 0, perrors.Wrap(perrors.Io, "set-deadline", err)
	}
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return total, perrors.Wrap(perrors.Timeout, "read", err)
			}
			return total, perrors.Wrap(perrors.Io, "read", err)
		}
	}
	return total, nil
}

func socksReplyMessage(rep byte) string {
	switch rep {
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return "unknown reply code"
	}
}
