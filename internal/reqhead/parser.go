// Package reqhead implements the HTTP request head parser (spec.md §4.1)
// and target extraction (spec.md §4.2).
package reqhead

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mlesin/proxy-twister/internal/perrors"
)

// Header is an ordered multimap of lower-cased header names to values,
// preserving insertion order. Values are stored trimmed, so a re-serialized
// header line keeps its original byte length only when its value carried no
// extra surrounding whitespace.
type Header struct {
	names  []string
	values []string
}

// Add appends a header, case-folding the name and trimming surrounding
// whitespace from the value.
func (h *Header) Add(name, value string) {
	h.names = append(h.names, strings.ToLower(name))
	h.values = append(h.values, strings.TrimSpace(value))
}

// Get returns the first value for name (matched case-insensitively), or ""
// with ok=false if absent.
func (h *Header) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for i, n := range h.names {
		if n == name {
			return h.values[i], true
		}
	}
	return "", false
}

// Len reports the number of header lines recorded.
func (h *Header) Len() int { return len(h.names) }

// Each calls fn for every (name, value) pair in original order.
func (h *Header) Each(fn func(name, value string)) {
	for i := range h.names {
		fn(h.names[i], h.values[i])
	}
}

// Head is one parsed HTTP request line plus headers plus whatever body
// bytes were already consumed while reading a Content-Length body.
type Head struct {
	Method     string
	Target     string
	Version    string
	Headers    Header
	BodyPrefix []byte
}

// Timeouts bounds each individual read performed while parsing a head.
type Timeouts struct {
	Line time.Duration
	Body time.Duration
}

// DefaultTimeouts matches the 30s reference values from spec.md §5.
var DefaultTimeouts = Timeouts{Line: 30 * time.Second, Body: 30 * time.Second}

// deadlineConn is the minimal subset of net.Conn the parser needs in order
// to bound each read with its own deadline.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// Parse consumes exactly one request head from br, which must wrap a
// deadlineConn. Each line read and the body read are individually bounded
// by to.
func Parse(br *bufio.Reader, conn deadlineConn, to Timeouts) (*Head, error) {
	if err := conn.SetReadDeadline(time.Now().Add(to.Line)); err != nil {
		return nil, perrors.Wrap(perrors.Io, "set-deadline", err)
	}
	line, err := readLine(br)
	if err != nil {
		return nil, classifyReadErr("request-line", err)
	}

	method, target, version, err := splitRequestLine(line)
	if err != nil {
		return nil, err
	}

	head := &Head{Method: method, Target: target, Version: version}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(to.Line)); err != nil {
			return nil, perrors.Wrap(perrors.Io, "set-deadline", err)
		}
		line, err := readLine(br)
		if err != nil {
			return nil, classifyReadErr("header-line", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		head.Headers.Add(name, value)
	}

	if cl, ok := head.Headers.Get("content-length"); ok && method != "CONNECT" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			n = 0
		}
		if n > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(to.Body)); err != nil {
				return nil, perrors.Wrap(perrors.Io, "set-deadline", err)
			}
			buf := make([]byte, n)
			if _, err := readFull(br, buf); err != nil {
				return nil, classifyReadErr("body", err)
			}
			head.BodyPrefix = buf
		}
	}

	return head, nil
}

// readLine reads a CRLF- or LF-terminated line, stripping the terminator(s).
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	return line, nil
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func splitRequestLine(line string) (method, target, version string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", "", perrors.New(perrors.BadRequest, "request-line", "malformed request line: expected 3 fields")
	}
	return fields[0], fields[1], fields[2], nil
}

func classifyReadErr(op string, err error) error {
	var ne net.Error
	if ok := asNetError(err, &ne); ok && ne.Timeout() {
		return perrors.Wrap(perrors.Timeout, op, err)
	}
	return perrors.Wrap(perrors.Io, op, err)
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}
