// Package perrors provides the structured error taxonomy used across the proxy engine.
package perrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error into one of the categories the dispatcher and
// handler know how to react to.
type Kind string

const (
	BadRequest           Kind = "bad_request"
	Timeout              Kind = "timeout"
	Io                   Kind = "io"
	ProxyProtocol        Kind = "proxy_protocol"
	ProxyAuthRejected    Kind = "proxy_auth_rejected"
	ProxyConnectRejected Kind = "proxy_connect_rejected"
	PolicyMiss           Kind = "policy_miss"
	ConfigParse          Kind = "config_parse"
	Cancelled            Kind = "cancelled"
)

// Error is a structured error carrying a Kind, the failing operation, an
// optional upstream status code, and the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Code    int // SOCKS5 REP or HTTP status, when Kind == ProxyConnectRejected
	Addr    string
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Code != 0 {
		s += fmt.Sprintf(" (code=%d)", e.Code)
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind only, so callers can write errors.Is(err, &perrors.Error{Kind: perrors.Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func WrapAddr(kind Kind, op, addr string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Cause: cause}
}

// Rejected builds a ProxyConnectRejected error carrying the upstream's status code.
func Rejected(op string, code int, msg string) *Error {
	return &Error{Kind: ProxyConnectRejected, Op: op, Code: code, Message: msg}
}

// IsTimeout reports whether err is, or wraps, a Timeout-kind *Error or a net.Error timeout.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err is, or wraps, a Cancelled-kind *Error or context.Canceled.
func IsCancelled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Cancelled
	}
	return errors.Is(err, context.Canceled)
}

// KindOf extracts the Kind from a structured error, or "" if err isn't one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
