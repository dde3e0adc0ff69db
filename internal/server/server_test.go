package server

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mlesin/proxy-twister/internal/epoch"
	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/policystore"
)

func newTestServer(t *testing.T, policyJSON string) (*Server, func()) {
	t.Helper()
	pol, err := policystore.Parse([]byte(policyJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cell := policystore.NewCell(pol)
	holder := epoch.NewHolder()
	bus := events.NewBus(16)
	srv := New(cell, holder, bus, nil)
	return srv, func() { bus.Close() }
}

// startEchoServer answers any connection with a fixed HTTP response.
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil || line == "\r\n" {
						break
					}
				}
				conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
			}()
		}
	}()
	return ln
}

func TestDirectConnectToEcho(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()
	_, port, _ := net.SplitHostPort(echo.Addr().String())

	policyJSON := `{"switch":{"default":"direct","rules":[]},"profiles":{"direct":{"scheme":"direct"}}}`
	srv, cleanup := newTestServer(t, policyJSON)
	defer cleanup()

	if err := srv.ListenAndServe([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	defer srv.Shutdown()

	listenAddr := srv.listeners[0].Addr().String()
	client, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Write([]byte("CONNECT 127.0.0.1:" + port + " HTTP/1.1\r\nHost: 127.0.0.1:" + port + "\r\n\r\n"))

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("expected 200 Connection Established, got %q", line)
	}
	blank, _ := br.ReadString('\n')
	if blank != "\r\n" {
		t.Fatalf("expected a blank line after the status, got %q", blank)
	}

	client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	rest, err := io.ReadAll(io.LimitReader(br, 64))
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if !strings.Contains(string(rest), "200 OK") {
		t.Fatalf("expected the echo server's response through the tunnel, got %q", rest)
	}
}

func TestHTTPForwardRewritingDirect(t *testing.T) {
	var captured string
	done := make(chan struct{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		captured = string(buf[:n])
		close(done)
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())

	policyJSON := `{"switch":{"default":"direct","rules":[]},"profiles":{"direct":{"scheme":"direct"}}}`
	srv, cleanup := newTestServer(t, policyJSON)
	defer cleanup()

	if err := srv.ListenAndServe([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("ListenAndServe: %v", err)
	}
	defer srv.Shutdown()

	client, err := net.Dial("tcp", srv.listeners[0].Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Write([]byte("GET http://127.0.0.1:" + port + "/x HTTP/1.1\r\nHost: 127.0.0.1:" + port + "\r\n\r\n"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("target never received the forwarded request")
	}

	if !strings.HasPrefix(captured, "GET /x HTTP/1.1\r\n") {
		t.Fatalf("expected an origin-form request, got %q", captured)
	}
	if !strings.Contains(captured, "Connection: close\r\n") {
		t.Fatalf("expected a synthesized Connection: close, got %q", captured)
	}
}
