package httpwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind categorizes engine failures so callers can branch retry
// behavior per kind rather than string-matching.
type ErrorKind string

const (
	// KindBind: a listen address was unavailable. Not retried.
	KindBind ErrorKind = "bind"
	// KindConnection: connection-level I/O failure (refused, reset).
	KindConnection ErrorKind = "connection"
	// KindTLS: TLS negotiation failure, including the plaintext-to-HTTPS
	// misconfiguration diagnostic.
	KindTLS ErrorKind = "tls"
	// KindIdleTimeout: no bytes moved in either direction for longer
	// than the idle timeout.
	KindIdleTimeout ErrorKind = "idle-timeout"
	// KindRequestTimeout: a whole exchange exceeded the request timeout.
	KindRequestTimeout ErrorKind = "request-timeout"
	// KindMalformed: protocol framing violation; the connection is
	// abandoned without a response.
	KindMalformed ErrorKind = "malformed"
	// KindEntityConsumed: an entity stream was read after consumption.
	// Always a local programmer error.
	KindEntityConsumed ErrorKind = "entity-consumed"
	// KindPoolClosed: an acquisition was queued or submitted while the
	// pool was shutting down.
	KindPoolClosed ErrorKind = "pool-closed"
)

// Error is a structured engine error carrying a Kind and optional
// cause. Two *Error values match under errors.Is when their kinds
// match, so the exported sentinels below can be used as targets.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("httpwire: [%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("httpwire: [%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Timeout implements net.Error for the timeout kinds.
func (e *Error) Timeout() bool {
	return e.Kind == KindIdleTimeout || e.Kind == KindRequestTimeout
}

// Sentinels for errors.Is matching by kind.
var (
	ErrBindFailed       = &Error{Kind: KindBind, Message: "bind failed"}
	ErrTransportFailed  = &Error{Kind: KindConnection, Message: "transport failed"}
	ErrTLSFailed        = &Error{Kind: KindTLS, Message: "tls failed"}
	ErrIdleTimeout      = &Error{Kind: KindIdleTimeout, Message: "idle timeout exceeded"}
	ErrRequestTimeout   = &Error{Kind: KindRequestTimeout, Message: "request timeout exceeded"}
	ErrMalformedMessage = &Error{Kind: KindMalformed, Message: "malformed message"}
	ErrEntityConsumed   = &Error{Kind: KindEntityConsumed, Message: "entity stream already consumed"}
	ErrPoolShuttingDown = &Error{Kind: KindPoolClosed, Message: "pool is shutting down"}
	errPipelineBusy     = &Error{Kind: KindConnection, Message: "pipeline already has an exchange in flight"}
	errPipelineClosed   = &Error{Kind: KindConnection, Message: "pipeline is closed"}
)

func newBindError(addr string, cause error) *Error {
	return &Error{Kind: KindBind, Message: "cannot bind " + addr, Cause: cause}
}

func newConnectError(host string, port int, cause error) *Error {
	return &Error{Kind: KindConnection, Message: fmt.Sprintf("cannot connect to %s:%d", host, port), Cause: cause}
}

func newTransportError(op string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: "transport failure during " + op, Cause: cause}
}

func newTLSError(msg string, cause error) *Error {
	return &Error{Kind: KindTLS, Message: msg, Cause: cause}
}

func newTimeoutError(kind ErrorKind, op string, d time.Duration) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf("%s timed out after %v", op, d)}
}

func newMalformedError(msg string, cause error) *Error {
	return &Error{Kind: KindMalformed, Message: msg, Cause: cause}
}

// KindOf returns the kind of a structured error, or "" for foreign
// errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err is one of the engine timeout kinds, a
// net.Error timeout, or a context deadline.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Timeout()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
