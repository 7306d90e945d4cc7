package httpwire

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/arcnet-io/httpwire/internal/obs"
	"go.uber.org/multierr"
)

// Settings configures an Engine. The zero value is usable: logging and
// metrics default to no-ops and the pool to its own defaults.
type Settings struct {
	Logger obs.Logger
	Meter  obs.Meter
	Pool   PoolSettings
}

// Engine is the explicit context all operations hang off: it owns the
// outbound connector, the connection pool, and every server binding
// created through it. Callers create it, pass it around, and tear it
// down explicitly; there is no ambient global.
type Engine struct {
	logger obs.Logger
	meter  obs.Meter

	connector *Connector
	pool      *Pool

	mu       sync.Mutex
	bindings map[*ServerBinding]struct{}
	closed   bool
}

// New creates an Engine.
func New(set Settings) *Engine {
	if set.Logger == nil {
		set.Logger = obs.NopLogger{}
	}
	if set.Meter == nil {
		set.Meter = obs.NopMeter{}
	}
	ps := set.Pool.withDefaults()
	connector := newConnector(ps.DialTimeout, ps.ReadBufferSize, ps.WriteBufferSize, set.Logger)
	return &Engine{
		logger:    set.Logger,
		meter:     set.Meter,
		connector: connector,
		pool:      newPool(ps, connector, set.Logger, set.Meter),
		bindings:  make(map[*ServerBinding]struct{}),
	}
}

// Close tears the engine down: the pool is shut down (queued
// acquisitions fail with the pool-closed kind) and all live bindings
// are unbound. In-flight exchanges are left to finish on their own.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	bindings := make([]*ServerBinding, 0, len(e.bindings))
	for b := range e.bindings {
		bindings = append(bindings, b)
	}
	e.bindings = nil
	e.mu.Unlock()

	err := e.pool.Close()
	for _, b := range bindings {
		err = multierr.Append(err, b.Unbind(context.Background()))
	}
	return err
}

// Connect opens a dedicated, unpooled pipeline to host:port. The
// caller owns it and must Close it.
func (e *Engine) Connect(ctx context.Context, host string, port int, useTLS bool) (*Pipeline, error) {
	set := e.pool.set
	var cfg = set.TLSConfig
	if useTLS && cfg == nil {
		cfg = tlsDefaultConfig()
	}
	if !useTLS {
		cfg = nil
	}
	conn, err := e.connector.Connect(ctx, host, port, cfg)
	if err != nil {
		return nil, err
	}
	return newPipeline(conn, PoolKey{Host: host, Port: port, TLS: useTLS}, set, e.logger, e.meter), nil
}

// SingleRequest performs one pooled exchange. The response entity must
// be drained or closed; doing so returns the connection to the pool
// when it is still reusable.
func (e *Engine) SingleRequest(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, newMalformedError("request without URL", nil)
	}
	key, err := keyForRequest(req)
	if err != nil {
		return nil, err
	}
	p, err := e.pool.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	resp, err := p.RoundTrip(ctx, req)
	if err != nil {
		// RoundTrip already concluded the exchange and released the slot.
		return nil, err
	}
	return resp, nil
}

func keyForRequest(req *Request) (PoolKey, error) {
	u := req.URL
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return PoolKey{}, newMalformedError("unsupported scheme "+u.Scheme, nil)
	}
	host := u.Hostname()
	if host == "" {
		return PoolKey{}, newMalformedError("request URL without host", nil)
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if ps := u.Port(); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 || n > 65535 {
			return PoolKey{}, newMalformedError("invalid port in URL", err)
		}
		port = n
	}
	return PoolKey{Host: host, Port: port, TLS: scheme == "https"}, nil
}
