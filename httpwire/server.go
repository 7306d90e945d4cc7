package httpwire

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/arcnet-io/httpwire/httpwire/internal/http1"
	"github.com/arcnet-io/httpwire/internal/obs"
)

// Handler processes one decoded request per invocation.
type Handler interface {
	ServeHTTP(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) { f(w, r) }

// ResponseWriter streams a response. Writing without an explicit
// Content-Length on a keep-alive connection switches to chunked
// framing; setting Connection: close yields a close-delimited body.
type ResponseWriter interface {
	Header() Header
	WriteHeader(status int)
	Write([]byte) (int, error)
}

// ServerSettings configures one binding. Zero timeouts mean infinite.
type ServerSettings struct {
	// MaxConnections caps concurrently accepted connections.
	MaxConnections int
	// IdleTimeout closes connections with no bytes moving in either
	// direction; while an exchange is outstanding it surfaces to the
	// handler as an idle-timeout failure instead.
	IdleTimeout time.Duration
	// RequestTimeout bounds a single exchange end to end.
	RequestTimeout  time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	MaxHeaderBytes  int
	// RemoteAddressHeader injects a Remote-Address header carrying the
	// peer's observed ip:port into each decoded request.
	RemoteAddressHeader bool
}

// BindingState is the lifecycle of a listen socket.
type BindingState int32

const (
	BindingListening BindingState = iota
	BindingUnbinding
	BindingClosed
)

func (s BindingState) String() string {
	switch s {
	case BindingListening:
		return "listening"
	case BindingUnbinding:
		return "unbinding"
	case BindingClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServerBinding is an active listen socket. Unbind stops accepting
// without interrupting exchanges already in progress.
type ServerBinding struct {
	ln      net.Listener
	addr    net.Addr
	set     ServerSettings
	handler Handler
	logger  obs.Logger
	meter   obs.Meter
	engine  *Engine

	state      int32
	acceptDone chan struct{}
}

// Bind opens an independent listening socket on host:port. A second
// concurrent bind of the same address fails with the bind kind.
// Passing a tls.Config wraps every accepted connection.
func (e *Engine) Bind(host string, port int, tlsCfg *tls.Config, set ServerSettings, h Handler) (*ServerBinding, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, newBindError(addr, err)
	}
	if set.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, set.MaxConnections)
	}
	boundAddr := ln.Addr()
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg.Clone())
	}
	b := &ServerBinding{
		ln:         ln,
		addr:       boundAddr,
		set:        set,
		handler:    h,
		logger:     e.logger,
		meter:      e.meter,
		engine:     e,
		acceptDone: make(chan struct{}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ln.Close()
		return nil, newBindError(addr, errors.New("engine is closed"))
	}
	e.bindings[b] = struct{}{}
	e.mu.Unlock()

	go b.acceptLoop()
	e.logger.Logf(obs.Info, "bound %s", boundAddr)
	return b, nil
}

// Addr is the bound address, useful with port 0.
func (b *ServerBinding) Addr() net.Addr { return b.addr }

func (b *ServerBinding) State() BindingState {
	return BindingState(atomic.LoadInt32(&b.state))
}

// Unbind stops accepting and waits for the accept loop to drain. It is
// idempotent; exchanges in progress keep running.
func (b *ServerBinding) Unbind(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&b.state, int32(BindingListening), int32(BindingUnbinding)) {
		_ = b.ln.Close()
		if b.engine != nil {
			b.engine.mu.Lock()
			if b.engine.bindings != nil {
				delete(b.engine.bindings, b)
			}
			b.engine.mu.Unlock()
		}
	}
	select {
	case <-b.acceptDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ServerBinding) acceptLoop() {
	defer func() {
		atomic.StoreInt32(&b.state, int32(BindingClosed))
		close(b.acceptDone)
	}()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			if b.State() == BindingUnbinding || errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Logf(obs.Error, "accept on %s failed: %v", b.addr, err)
			return
		}
		b.meter.Counter("httpwire_server_accepted_total", 1)
		go b.serveConn(c)
	}
}

// serveConn is the server-side connection pipeline: one exchange at a
// time, idle deadline between exchanges, request deadline across one.
func (b *ServerBinding) serveConn(c net.Conn) {
	defer c.Close()
	b.applySocketOptions(c)
	ac := &activityConn{Conn: c, idleTimeout: b.set.IdleTimeout}
	ac.touch()
	br := bufio.NewReader(ac)
	bw := bufio.NewWriter(ac)
	remote := c.RemoteAddr().String()

	for {
		if b.set.RequestTimeout > 0 {
			ac.setRequestDeadline(time.Now().Add(b.set.RequestTimeout))
		}
		rr := &http1.Reader{BR: br, MaxHeaderBytes: b.set.MaxHeaderBytes}
		pr, err := rr.ReadRequest()
		if err != nil {
			b.rejectOrDrop(bw, err, remote)
			return
		}

		hdr := Header(pr.Header)
		if b.set.RemoteAddressHeader {
			hdr.Set("Remote-Address", remote)
		}
		var u *url.URL
		if strings.HasPrefix(pr.RequestURI, "http://") || strings.HasPrefix(pr.RequestURI, "https://") {
			u, _ = url.Parse(pr.RequestURI)
		} else {
			u, _ = url.ParseRequestURI(pr.RequestURI)
		}
		req := &Request{
			Method:     pr.Method,
			URL:        u,
			RequestURI: pr.RequestURI,
			Proto:      pr.Proto,
			Header:     hdr,
			Host:       hdr.Get("Host"),
			RemoteAddr: remote,
			Body:       serverEntity(pr, b.classifyFor(ac)),
		}

		keepAlive := pr.Proto == "HTTP/1.1" && !strings.EqualFold(hdr.Get("Connection"), "close")
		if pr.Proto == "HTTP/1.0" && strings.EqualFold(hdr.Get("Connection"), "keep-alive") {
			keepAlive = true
		}

		if strings.EqualFold(hdr.Get("Expect"), "100-continue") {
			_ = http1.WriteContinue(bw)
			_ = bw.Flush()
		}

		srw := &connResponseWriter{bw: bw, proto: pr.Proto, method: pr.Method, keepAlive: keepAlive, hdr: Header{}}
		h := b.handler
		if h == nil {
			h = HandlerFunc(func(w ResponseWriter, r *Request) {
				w.WriteHeader(404)
				_, _ = w.Write([]byte("not found"))
			})
		}
		h.ServeHTTP(srw, req)

		// Drain whatever the handler left so the next request starts at
		// a message boundary.
		if err := req.Body.Close(); err != nil {
			b.logger.Logf(obs.Warn, "draining request body from %s failed: %v", remote, err)
			return
		}
		if err := srw.finish(); err != nil {
			return
		}
		if !srw.reusable() {
			return
		}
		ac.setRequestDeadline(time.Time{})
	}
}

// rejectOrDrop answers a malformed first line with a best-effort 400;
// garbage where a message start belongs is logged as a protocol
// violation and the connection dropped without a response.
func (b *ServerBinding) rejectOrDrop(bw *bufio.Writer, err error, remote string) {
	if err == io.EOF {
		return
	}
	b.meter.Counter("httpwire_server_malformed_total", 1)
	b.logger.Logf(obs.Warn, "protocol violation from %s: %v", remote, err)
	if errors.Is(err, http1.ErrNotHTTP) {
		// Not HTTP at all: no response, just the drop.
		return
	}
	if errors.Is(err, http1.ErrMalformed) || errors.Is(err, http1.ErrHeaderTooLarge) {
		_ = http1.WriteResponse(bw, 400, "", map[string][]string{}, nil, false)
		_ = bw.Flush()
	}
}

func (b *ServerBinding) applySocketOptions(c net.Conn) {
	raw := c
	if tc, ok := c.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	if b.set.ReadBufferSize > 0 {
		_ = tcp.SetReadBuffer(b.set.ReadBufferSize)
	}
	if b.set.WriteBufferSize > 0 {
		_ = tcp.SetWriteBuffer(b.set.WriteBufferSize)
	}
}

// classifyFor maps raw body-read failures to the engine taxonomy for
// handler-visible entities.
func (b *ServerBinding) classifyFor(ac *activityConn) func(error) error {
	return func(err error) error {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if ac.timeoutKind() == KindRequestTimeout {
				return newTimeoutError(KindRequestTimeout, "request body read", b.set.RequestTimeout)
			}
			return newTimeoutError(KindIdleTimeout, "request body read", b.set.IdleTimeout)
		}
		if errors.Is(err, http1.ErrMalformed) {
			return newMalformedError("request body", err)
		}
		return newTransportError("request body read", err)
	}
}

func serverEntity(pr *http1.ParsedRequest, mapErr func(error) error) Entity {
	switch {
	case pr.Chunked:
		return newStreamEntity(EntityChunked, -1, pr.Body, nil, mapErr)
	case pr.ContentLength > 0:
		return newStreamEntity(EntitySized, pr.ContentLength, pr.Body, nil, mapErr)
	default:
		return NewStrictEntity(nil)
	}
}

// connResponseWriter streams the response. Encoding choice: explicit
// Content-Length wins; otherwise chunked on keep-alive HTTP/1.1;
// otherwise close-delimited, which forfeits the connection.
var errContentLengthExceeded = errors.New("httpwire: handler wrote more than the declared Content-Length")

type connResponseWriter struct {
	bw        *bufio.Writer
	proto     string
	method    string
	keepAlive bool
	status    int
	wroteHdr  bool
	chunked   bool
	noBody    bool
	finalKA   bool
	hdr       Header

	// declaredCL is the handler's Content-Length, -1 when absent;
	// written tracks body bytes against it.
	declaredCL int64
	written    int64
}

func (w *connResponseWriter) Header() Header {
	if w.hdr == nil {
		w.hdr = Header{}
	}
	return w.hdr
}

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wroteHdr {
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	_ = w.startIfNeeded() // best effort; errors surface on the next write
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return 0, err
		}
	}
	if w.noBody {
		// HEAD and bodyless statuses: the payload is discarded, not framed.
		return len(p), nil
	}
	if w.chunked {
		n, err := http1.WriteChunked(w.bw, p)
		if err != nil {
			return n, err
		}
		// Flush per chunk so consumers observe streaming.
		return n, w.bw.Flush()
	}
	if w.declaredCL >= 0 && w.written+int64(len(p)) > w.declaredCL {
		return 0, errContentLengthExceeded
	}
	n, err := w.bw.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *connResponseWriter) Flush() error {
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (w *connResponseWriter) startIfNeeded() error {
	if w.wroteHdr {
		return nil
	}
	if w.status == 0 {
		w.status = 200
	}
	if strings.EqualFold(w.hdr.Get("Connection"), "close") {
		w.keepAlive = false
	}
	w.declaredCL = -1
	if cl := w.hdr.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			w.declaredCL = n
		}
	}
	hasCL := w.declaredCL >= 0
	w.noBody = http1.NoResponseBody(w.status, w.method)
	w.chunked = !w.noBody && w.proto == "HTTP/1.1" && w.keepAlive && !hasCL
	// Keep-alive holds only when the peer can find the body's end
	// without a connection close.
	w.finalKA = w.keepAlive && (w.chunked || hasCL || w.noBody)
	if err := http1.StartResponse(w.bw, w.status, "", w.hdr, w.chunked, w.finalKA); err != nil {
		return err
	}
	w.wroteHdr = true
	return nil
}

// finish completes the streamed response: headers if nothing was
// written, the chunked terminator, and a final flush.
func (w *connResponseWriter) finish() error {
	if !w.wroteHdr {
		if err := w.startIfNeeded(); err != nil {
			return err
		}
	}
	if w.chunked {
		if err := http1.EndChunked(w.bw, nil); err != nil {
			return err
		}
	}
	if !w.noBody && w.declaredCL >= 0 && w.written != w.declaredCL {
		// The peer would wait for the missing bytes on a kept-alive
		// connection; closing is the only honest signal left.
		w.finalKA = false
	}
	return w.bw.Flush()
}

// reusable reports whether the connection can carry another exchange
// after this response.
func (w *connResponseWriter) reusable() bool {
	return w.wroteHdr && w.finalKA
}
