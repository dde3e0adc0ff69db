// Package httpclient implements the HTTP upstream client described in
// spec.md §4.5: tunnel mode for CONNECT and forward mode for absolute-form
// requests, both speaking to an upstream HTTP proxy rather than the origin.
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mlesin/proxy-twister/internal/perrors"
	"github.com/mlesin/proxy-twister/internal/reqhead"
)

// ResponseTimeout bounds the status-line and header reads of the upstream's
// reply (spec.md §5 reference: 10s each).
var ResponseTimeout = 10 * time.Second

// Credentials carries optional Basic auth for the upstream proxy itself
// (Proxy-Authorization), distinct from any credentials the origin may want.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) header() (string, bool) {
	if c == nil || c.Username == "" {
		return "", false
	}
	raw := c.Username + ":" + c.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), true
}

// Tunnel opens a TCP connection to upstreamAddr, issues a CONNECT request for
// target, and returns the established connection once the upstream replies
// with 200. Per spec.md §9, the caller — not this function — is responsible
// for telling the client about the tunnel; Tunnel never writes to the client.
func Tunnel(ctx context.Context, upstreamAddr, targetHost string, targetPort uint16, cred *Credentials) (net.Conn, error) {
	conn, err := dial(ctx, upstreamAddr)
	if err != nil {
		return nil, perrors.WrapAddr(perrors.Io, "dial-upstream", upstreamAddr, err)
	}

	target := net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort)))
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	if auth, ok := cred.header(); ok {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if err := writeAll(conn, req.String()); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	status, err := readStatusLine(conn, br)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := drainHeaders(conn, br); err != nil {
		conn.Close()
		return nil, err
	}
	if status != 200 {
		conn.Close()
		return nil, perrors.Rejected("connect", status, "upstream rejected CONNECT")
	}

	// A well-behaved upstream writes nothing past the blank line, but br may
	// have buffered bytes the upstream sent immediately after it anyway;
	// replay them before the caller starts pumping so nothing is dropped.
	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		return &prefixConn{Conn: conn, prefix: bytes.NewReader(buffered)}, nil
	}

	return conn, nil
}

// prefixConn replays bytes buffered ahead of the underlying connection
// before resuming ordinary reads from it.
type prefixConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.prefix == nil {
		return c.Conn.Read(p)
	}
	n, err := c.prefix.Read(p)
	if err == io.EOF {
		c.prefix = nil
		if n == 0 {
			return c.Conn.Read(p)
		}
		return n, nil
	}
	return n, err
}

// CloseWrite forwards to the underlying connection so pump.Run's half-close
// still works through this wrapper — embedding net.Conn only promotes the
// methods net.Conn itself declares, which doesn't include CloseWrite.
func (c *prefixConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

// Forward opens a TCP connection to upstreamAddr and replays the client's
// request onto it, rewriting headers per spec.md §4.5: proxy-connection is
// dropped, Proxy-Authorization is appended when configured, Host is
// synthesized when absent, and Content-Length reflects a non-empty
// body_prefix. It returns the upstream connection for the handler to pump.
func Forward(ctx context.Context, upstreamAddr string, head *reqhead.Head, target reqhead.Target, cred *Credentials) (net.Conn, error) {
	conn, err := dial(ctx, upstreamAddr)
	if err != nil {
		return nil, perrors.WrapAddr(perrors.Io, "dial-upstream", upstreamAddr, err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "%s %s %s\r\n", head.Method, head.Target, head.Version)

	sawHost := false
	head.Headers.Each(func(name, value string) {
		if name == "proxy-connection" {
			return
		}
		if name == "host" {
			sawHost = true
		}
		if name == "content-length" && len(head.BodyPrefix) > 0 {
			return // re-added below from the actual body_prefix length
		}
		fmt.Fprintf(&req, "%s: %s\r\n", name, value)
	})
	if !sawHost {
		fmt.Fprintf(&req, "Host: %s\r\n", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	}
	if auth, ok := cred.header(); ok {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", auth)
	}
	if len(head.BodyPrefix) > 0 {
		fmt.Fprintf(&req, "Content-Length: %d\r\n", len(head.BodyPrefix))
	}
	req.WriteString("\r\n")

	if err := writeAll(conn, req.String()); err != nil {
		conn.Close()
		return nil, err
	}
	if len(head.BodyPrefix) > 0 {
		if err := writeAll(conn, string(head.BodyPrefix)); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func writeAll(conn net.Conn, s string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(ResponseTimeout)); err != nil {
		return perrors.Wrap(perrors.Io, "set-deadline", err)
	}
	if _, err := conn.Write([]byte(s)); err != nil {
		return perrors.Wrap(perrors.Io, "write", err)
	}
	return nil
}

// readStatusLine reads "HTTP/1.x <code> <reason>" and returns the status code.
func readStatusLine(conn net.Conn, br *bufio.Reader) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ResponseTimeout)); err != nil {
		return 0, perrors.Wrap(perrors.Io, "set-deadline", err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, classifyReadErr("status-line", err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, perrors.New(perrors.ProxyProtocol, "status-line", "malformed upstream status line")
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, perrors.New(perrors.ProxyProtocol, "status-line", "non-numeric status code")
	}
	return code, nil
}

// drainHeaders reads and discards response headers through the blank line.
func drainHeaders(conn net.Conn, br *bufio.Reader) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(ResponseTimeout)); err != nil {
			return perrors.Wrap(perrors.Io, "set-deadline", err)
		}
		line, err := br.ReadString('\n')
		if err != nil {
			return classifyReadErr("headers", err)
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

func classifyReadErr(op string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return perrors.Wrap(perrors.Timeout, op, err)
	}
	return perrors.Wrap(perrors.Io, op, err)
}
