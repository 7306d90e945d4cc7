package httpwire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcnet-io/httpwire/httpwire/internal/http1"
	"github.com/arcnet-io/httpwire/internal/obs"
)

// PipelineState is the lifecycle position of a connection pipeline.
type PipelineState int32

const (
	StateIdle PipelineState = iota
	StateRequestInFlight
	StateResponseInFlight
	StateClosing
	StateClosed
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestInFlight:
		return "request-in-flight"
	case StateResponseInFlight:
		return "response-in-flight"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bodies at or below this size are buffered eagerly into a strict
// entity, freeing the connection before the caller touches the body.
const strictBufferLimit = 8 << 10

// Pipeline sequences request/response exchanges over one connection,
// strictly one at a time. A second RoundTrip while an exchange is in
// flight fails immediately; queueing belongs to the pool.
type Pipeline struct {
	conn  *activityConn
	br    *bufio.Reader
	bw    *bufio.Writer
	key   PoolKey
	state int32

	requestTimeout time.Duration
	maxHeaderBytes int

	logger obs.Logger
	meter  obs.Meter

	// onFinish is invoked exactly once per exchange with the pipeline's
	// reusability; the pool uses it for release bookkeeping.
	onFinish func(p *Pipeline, reusable bool)

	closeOnce sync.Once
	closeErr  error
}

func newPipeline(conn net.Conn, key PoolKey, set PoolSettings, logger obs.Logger, meter obs.Meter) *Pipeline {
	ac := &activityConn{Conn: conn, idleTimeout: set.IdleTimeout}
	ac.touch()
	brSize := set.ReadBufferSize
	if brSize <= 0 {
		brSize = 4 << 10
	}
	bwSize := set.WriteBufferSize
	if bwSize <= 0 {
		bwSize = 4 << 10
	}
	return &Pipeline{
		conn:           ac,
		br:             bufio.NewReaderSize(ac, brSize),
		bw:             bufio.NewWriterSize(ac, bwSize),
		key:            key,
		requestTimeout: set.RequestTimeout,
		maxHeaderBytes: set.MaxHeaderBytes,
		logger:         logger,
		meter:          meter,
	}
}

func (p *Pipeline) State() PipelineState {
	return PipelineState(atomic.LoadInt32(&p.state))
}

// LastActivity is the time the last byte moved in either direction.
func (p *Pipeline) LastActivity() time.Time { return p.conn.lastActivity() }

func (p *Pipeline) LocalAddr() net.Addr  { return p.conn.LocalAddr() }
func (p *Pipeline) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// Close disposes the underlying connection. Safe to call repeatedly.
func (p *Pipeline) Close() error {
	atomic.StoreInt32(&p.state, int32(StateClosed))
	p.closeOnce.Do(func() { p.closeErr = p.conn.Close() })
	return p.closeErr
}

// RoundTrip performs one exchange. The returned response's entity must
// be drained or closed before the pipeline accepts the next request;
// for small sized bodies that has already happened by return time.
func (p *Pipeline) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" {
		return nil, newMalformedError("request without method", nil)
	}
	if !atomic.CompareAndSwapInt32(&p.state, int32(StateIdle), int32(StateRequestInFlight)) {
		if s := p.State(); s == StateClosing || s == StateClosed {
			return nil, errPipelineClosed
		}
		return nil, errPipelineBusy
	}

	start := time.Now()
	var reqDL time.Time
	if p.requestTimeout > 0 {
		reqDL = start.Add(p.requestTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (reqDL.IsZero() || d.Before(reqDL)) {
		reqDL = d
	}
	p.conn.setRequestDeadline(reqDL)

	wantClose := strings.EqualFold(req.Header.Get("Connection"), "close")
	if err := p.writeRequest(req, wantClose); err != nil {
		p.finishExchange(false)
		return nil, p.classify(err, "write request")
	}
	p.meter.Counter("httpwire_client_requests_total", 1, obs.Label{Key: "method", Value: req.Method})

	atomic.StoreInt32(&p.state, int32(StateResponseInFlight))
	rd := &http1.Reader{BR: p.br, MaxHeaderBytes: p.maxHeaderBytes}
	pr, err := rd.ReadResponse(req.Method)
	if err != nil {
		p.finishExchange(false)
		return nil, p.classify(err, "read response")
	}

	reuse := pr.Proto == "HTTP/1.1" &&
		!wantClose &&
		!strings.EqualFold(http1.CanonicalGet(pr.Header, "Connection"), "close") &&
		!pr.CloseDelimited

	resp := &Response{
		Status:        fmt.Sprintf("%d %s", pr.StatusCode, pr.Reason),
		StatusCode:    pr.StatusCode,
		Proto:         pr.Proto,
		Header:        Header(pr.Header),
		ContentLength: pr.ContentLength,
	}
	p.meter.Histogram("httpwire_client_roundtrip_duration_ms", float64(time.Since(start).Milliseconds()),
		obs.Label{Key: "method", Value: req.Method})

	switch {
	case pr.ContentLength == 0 && !pr.Chunked && !pr.CloseDelimited:
		resp.Body = NewStrictEntity(nil)
		p.finishExchange(reuse)
	case pr.ContentLength > 0 && pr.ContentLength <= strictBufferLimit:
		buf := make([]byte, pr.ContentLength)
		if _, err := io.ReadFull(pr.Body, buf); err != nil {
			p.finishExchange(false)
			return nil, p.classify(err, "read response body")
		}
		resp.Body = NewStrictEntity(buf)
		p.finishExchange(reuse)
	default:
		kind := EntitySized
		if pr.Chunked {
			kind = EntityChunked
		} else if pr.CloseDelimited {
			kind = EntityCloseDelimited
		}
		done := func(ok bool) { p.finishExchange(ok && reuse) }
		mapErr := func(err error) error { return p.classify(err, "read response body") }
		resp.Body = newStreamEntity(kind, pr.ContentLength, pr.Body, done, mapErr)
	}
	return resp, nil
}

func (p *Pipeline) writeRequest(req *Request, wantClose bool) error {
	target := req.RequestURI
	if target == "" && req.URL != nil {
		target = req.URL.RequestURI()
	}
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	body := req.Body
	var cl int64
	chunked := false
	switch {
	case body == nil:
		cl = 0
	case body.Length() >= 0:
		cl = body.Length()
	default:
		cl = -1
		chunked = true
	}
	if err := http1.WriteRequest(p.bw, req.Method, target, host, req.Header, cl, chunked, !wantClose); err != nil {
		return err
	}
	if body != nil {
		if err := p.copyRequestBody(body, cl, chunked); err != nil {
			return err
		}
	}
	return p.bw.Flush()
}

func (p *Pipeline) copyRequestBody(body Entity, cl int64, chunked bool) error {
	defer body.Close()
	if chunked {
		buf := make([]byte, 8<<10)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if _, werr := http1.WriteChunked(p.bw, buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
		return http1.EndChunked(p.bw, nil)
	}
	if cl == 0 {
		return nil
	}
	n, err := io.Copy(p.bw, body)
	if err != nil {
		return err
	}
	if n != cl {
		return newMalformedError("request entity shorter than declared length", nil)
	}
	return nil
}

// finishExchange concludes the current exchange; only the first caller
// per exchange proceeds. Reusable pipelines return to Idle with the
// request deadline cleared, everything else is closed.
func (p *Pipeline) finishExchange(reusable bool) {
	for {
		s := atomic.LoadInt32(&p.state)
		if s != int32(StateRequestInFlight) && s != int32(StateResponseInFlight) {
			return
		}
		target := int32(StateIdle)
		if !reusable {
			target = int32(StateClosing)
		}
		if atomic.CompareAndSwapInt32(&p.state, s, target) {
			break
		}
	}
	if reusable {
		p.conn.setRequestDeadline(time.Time{})
	} else {
		_ = p.Close()
	}
	if p.onFinish != nil {
		p.onFinish(p, reusable)
	}
}

// classify maps low-level failures onto the engine taxonomy. Timeout
// attribution depends on which supervisor fired: past the request
// deadline it is a request timeout, otherwise idle.
func (p *Pipeline) classify(err error, op string) error {
	var we *Error
	if errors.As(err, &we) {
		return err
	}
	switch {
	case errors.Is(err, http1.ErrTLSRecord):
		return newTLSError("received a TLS record over a plaintext connection; the target likely expects HTTPS", err)
	case errors.Is(err, http1.ErrMalformed), errors.Is(err, http1.ErrHeaderTooLarge):
		return newMalformedError(op+" failed", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if p.conn.timeoutKind() == KindRequestTimeout {
			p.meter.Counter("httpwire_client_request_timeouts_total", 1)
			return newTimeoutError(KindRequestTimeout, op, p.requestTimeout)
		}
		p.meter.Counter("httpwire_client_idle_timeouts_total", 1)
		return newTimeoutError(KindIdleTimeout, op, p.conn.idleTimeout)
	}
	return newTransportError(op, err)
}

// activityConn supervises per-byte activity on a connection. Before
// every read and write it arms the earlier of the rolling idle
// deadline and the absolute request deadline, so a timeout fires as
// soon as either policy is violated, and every transferred byte
// refreshes the idle clock.
type activityConn struct {
	net.Conn
	idleTimeout time.Duration

	mu          sync.Mutex
	reqDeadline time.Time
	activityNS  int64 // atomic, unix nanos of last byte
}

func (c *activityConn) Read(p []byte) (int, error) {
	c.arm(true)
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *activityConn) Write(p []byte) (int, error) {
	c.arm(false)
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *activityConn) arm(read bool) {
	var d time.Time
	if c.idleTimeout > 0 {
		d = time.Now().Add(c.idleTimeout)
	}
	c.mu.Lock()
	if !c.reqDeadline.IsZero() && (d.IsZero() || c.reqDeadline.Before(d)) {
		d = c.reqDeadline
	}
	c.mu.Unlock()
	if read {
		_ = c.Conn.SetReadDeadline(d)
	} else {
		_ = c.Conn.SetWriteDeadline(d)
	}
}

func (c *activityConn) touch() {
	atomic.StoreInt64(&c.activityNS, time.Now().UnixNano())
}

func (c *activityConn) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.activityNS))
}

func (c *activityConn) setRequestDeadline(t time.Time) {
	c.mu.Lock()
	c.reqDeadline = t
	c.mu.Unlock()
}

// timeoutKind attributes an observed timeout to the supervisor that
// fired. A small slack absorbs timer skew.
func (c *activityConn) timeoutKind() ErrorKind {
	c.mu.Lock()
	dl := c.reqDeadline
	c.mu.Unlock()
	if !dl.IsZero() && time.Now().After(dl.Add(-5*time.Millisecond)) {
		return KindRequestTimeout
	}
	return KindIdleTimeout
}
