package socksclient

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeSocks5Server accepts exactly one connection, performs the greet,
// records the CONNECT request bytes, and replies with a canned SUCCESS.
func fakeSocks5Server(t *testing.T, onRequest func(req []byte)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		greet := make([]byte, 3)
		if _, err := readFull(conn, greet); err != nil {
			return
		}
		conn.Write([]byte{version5, methodNone})

		// Read the fixed 5-byte prefix, then the domain, then the port.
		prefix := make([]byte, 5)
		if _, err := readFull(conn, prefix); err != nil {
			return
		}
		domainLen := int(prefix[4])
		rest := make([]byte, domainLen+2)
		if _, err := readFull(conn, rest); err != nil {
			return
		}
		if onRequest != nil {
			onRequest(append(prefix, rest...))
		}

		conn.Write([]byte{version5, repSuccess, rsv, atypIPv4, 0, 0, 0, 0, 0, 0})
	}()
	return ln.Addr().String()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnectSuccessWithDomainAddress(t *testing.T) {
	targetHost := "a-twelve.com" // 12 bytes long for a crisp assertion
	if len(targetHost) != 12 {
		t.Fatalf("fixture host must be 12 bytes, got %d", len(targetHost))
	}

	var captured []byte
	addr := fakeSocks5Server(t, func(req []byte) { captured = req })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Connect(ctx, addr, targetHost, 443)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let the server goroutine record the request

	want := []byte{version5, cmdConnect, rsv, atypDomain, byte(len(targetHost))}
	want = append(want, targetHost...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, 443)
	want = append(want, portBytes...)

	if string(captured) != string(want) {
		t.Fatalf("upstream received %x, want %x", captured, want)
	}
}

func TestConnectRejectedReply(t *testing.T) {
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
		greet := make([]byte, 3)
		readFull(conn, greet)
		conn.Write([]byte{version5, methodNone})

		prefix := make([]byte, 5)
		readFull(conn, prefix)
		rest := make([]byte, int(prefix[4])+2)
		readFull(conn, rest)

		conn.Write([]byte{version5, 0x05, rsv, atypIPv4, 0, 0, 0, 0, 0, 0}) // connection refused
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Connect(ctx, ln.Addr().String(), "example.com", 80)
	if err == nil {
		t.Fatal("expected an error for a rejected CONNECT")
	}
}

func TestConnectAuthRejected(t *testing.T) {
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
		greet := make([]byte, 3)
		readFull(conn, greet)
		conn.Write([]byte{version5, noAcceptable})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Connect(ctx, ln.Addr().String(), "example.com", 80)
	if err == nil {
		t.Fatal("expected an error when the proxy rejects no-auth")
	}
}
