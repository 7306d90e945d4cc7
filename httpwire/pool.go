package httpwire

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arcnet-io/httpwire/internal/obs"
	"go.uber.org/multierr"
)

// PoolKey identifies one pool bucket: connections to the same
// host:port over the same transport flavor are interchangeable.
type PoolKey struct {
	Host string
	Port int
	TLS  bool
}

func (k PoolKey) addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k PoolKey) String() string {
	if k.TLS {
		return "https://" + k.addr()
	}
	return "http://" + k.addr()
}

// PoolSettings controls client-side pooling and per-connection
// supervision. Zero durations mean infinite.
type PoolSettings struct {
	// MaxConnsPerHost caps active connections per bucket; acquisitions
	// beyond it queue FIFO. Zero or negative means unlimited.
	MaxConnsPerHost int
	// IdleConnTimeout evicts pooled connections that have sat idle.
	IdleConnTimeout time.Duration
	// IdleTimeout is the per-connection inactivity limit, measured from
	// the last byte moved in either direction.
	IdleTimeout time.Duration
	// RequestTimeout bounds one whole exchange.
	RequestTimeout time.Duration
	// DialTimeout bounds connection establishment.
	DialTimeout     time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	MaxHeaderBytes  int
	// TLSConfig applies to buckets with TLS set; nil uses defaults.
	TLSConfig *tls.Config
}

func (s PoolSettings) withDefaults() PoolSettings {
	if s.MaxConnsPerHost == 0 {
		s.MaxConnsPerHost = 8
	}
	if s.IdleConnTimeout == 0 {
		s.IdleConnTimeout = 30 * time.Second
	}
	if s.DialTimeout <= 0 {
		s.DialTimeout = 5 * time.Second
	}
	return s
}

type poolEntry struct {
	p       *Pipeline
	lastUse time.Time
}

// waiterSignal is what a queued acquisition eventually receives:
// a handed-off idle pipeline, permission to dial (capacity was
// freed), or a teardown error.
type waiterSignal struct {
	p    *Pipeline
	dial bool
	err  error
}

type poolWaiter struct {
	ch chan waiterSignal
}

type poolBucket struct {
	idle    []poolEntry
	active  int
	waiters []*poolWaiter
}

// Pool caches reusable pipelines per key with bounded concurrency.
// Admission control invariant: active pipelines per key never exceed
// MaxConnsPerHost; surplus acquisitions queue in FIFO order.
type Pool struct {
	set       PoolSettings
	connector *Connector
	logger    obs.Logger
	meter     obs.Meter

	mu      sync.Mutex
	buckets map[PoolKey]*poolBucket
	closed  bool

	stop      chan struct{}
	startOnce sync.Once
}

func newPool(set PoolSettings, connector *Connector, logger obs.Logger, meter obs.Meter) *Pool {
	return &Pool{
		set:       set.withDefaults(),
		connector: connector,
		logger:    logger,
		meter:     meter,
		buckets:   make(map[PoolKey]*poolBucket),
		stop:      make(chan struct{}),
	}
}

func (t *Pool) bucketLocked(key PoolKey) *poolBucket {
	b := t.buckets[key]
	if b == nil {
		b = &poolBucket{}
		t.buckets[key] = b
	}
	return b
}

// acquire returns a pipeline for key: a pooled idle one when healthy,
// a fresh dial below the bucket cap, otherwise it queues until a slot
// frees or ctx is cancelled.
func (t *Pool) acquire(ctx context.Context, key PoolKey) (*Pipeline, error) {
	t.startOnce.Do(func() { go t.pruneLoop() })

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}
	b := t.bucketLocked(key)
	var doomed []*Pipeline
	var found *Pipeline
	for found == nil && len(b.idle) > 0 {
		e := b.idle[len(b.idle)-1]
		b.idle = b.idle[:len(b.idle)-1]
		if t.expired(e) || e.p.State() != StateIdle {
			b.active--
			t.wakeLocked(b)
			doomed = append(doomed, e.p)
			continue
		}
		found = e.p
	}
	var w *poolWaiter
	switch {
	case found != nil:
	case t.set.MaxConnsPerHost <= 0 || b.active < t.set.MaxConnsPerHost:
		b.active++
	default:
		w = &poolWaiter{ch: make(chan waiterSignal, 1)}
		b.waiters = append(b.waiters, w)
	}
	t.mu.Unlock()

	for _, p := range doomed {
		_ = p.Close()
		t.meter.Counter("httpwire_pool_evicted_total", 1)
	}
	if found != nil {
		t.meter.Counter("httpwire_pool_reuse_total", 1)
		return found, nil
	}
	if w == nil {
		return t.dial(ctx, key)
	}
	t.meter.Counter("httpwire_pool_queued_total", 1)

	select {
	case <-ctx.Done():
		t.mu.Lock()
		removed := removeWaiter(b, w)
		t.mu.Unlock()
		if !removed {
			// Signalled concurrently with cancellation; put the slot back.
			t.recycle(key, <-w.ch)
		}
		return nil, ctx.Err()
	case sig := <-w.ch:
		if sig.err != nil {
			return nil, sig.err
		}
		if sig.dial {
			return t.dial(ctx, key)
		}
		return sig.p, nil
	}
}

// dial opens a fresh pipeline; the caller already holds the active
// slot, which is returned on failure.
func (t *Pool) dial(ctx context.Context, key PoolKey) (*Pipeline, error) {
	var cfg *tls.Config
	if key.TLS {
		cfg = t.set.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
	}
	conn, err := t.connector.Connect(ctx, key.Host, key.Port, cfg)
	if err != nil {
		t.mu.Lock()
		b := t.bucketLocked(key)
		b.active--
		t.wakeLocked(b)
		t.mu.Unlock()
		return nil, err
	}
	p := newPipeline(conn, key, t.set, t.logger, t.meter)
	p.onFinish = t.release
	t.meter.Counter("httpwire_pool_dial_total", 1)
	return p, nil
}

// release returns a pipeline after its exchange concluded. Reusable
// pipelines are handed to the longest-queued waiter or re-pooled with
// a fresh timestamp; everything else is disposed and its slot freed.
func (t *Pool) release(p *Pipeline, reusable bool) {
	t.mu.Lock()
	b := t.bucketLocked(p.key)
	if t.closed || !reusable || p.State() != StateIdle {
		b.active--
		t.wakeLocked(b)
		t.mu.Unlock()
		_ = p.Close()
		return
	}
	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		t.mu.Unlock()
		w.ch <- waiterSignal{p: p}
		return
	}
	b.idle = append(b.idle, poolEntry{p: p, lastUse: time.Now()})
	t.mu.Unlock()
}

// wakeLocked transfers a freed slot to the longest-queued waiter, who
// dials on their own.
func (t *Pool) wakeLocked(b *poolBucket) {
	if len(b.waiters) == 0 {
		return
	}
	w := b.waiters[0]
	b.waiters = b.waiters[1:]
	b.active++
	w.ch <- waiterSignal{dial: true}
}

// recycle undoes a signal that raced with waiter cancellation.
func (t *Pool) recycle(key PoolKey, sig waiterSignal) {
	if sig.p != nil {
		t.release(sig.p, true)
		return
	}
	if sig.dial {
		t.mu.Lock()
		b := t.bucketLocked(key)
		b.active--
		t.wakeLocked(b)
		t.mu.Unlock()
	}
}

func removeWaiter(b *poolBucket, w *poolWaiter) bool {
	for i, x := range b.waiters {
		if x == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Pool) expired(e poolEntry) bool {
	return t.set.IdleConnTimeout > 0 && time.Since(e.lastUse) > t.set.IdleConnTimeout
}

func (t *Pool) pruneLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.prune()
		case <-t.stop:
			return
		}
	}
}

// prune proactively closes pooled pipelines idle beyond the pool's
// idle timeout, independent of any in-flight use.
func (t *Pool) prune() {
	if t.set.IdleConnTimeout <= 0 {
		return
	}
	var doomed []*Pipeline
	t.mu.Lock()
	for key, b := range t.buckets {
		kept := b.idle[:0]
		for _, e := range b.idle {
			if t.expired(e) {
				doomed = append(doomed, e.p)
				b.active--
				t.wakeLocked(b)
				continue
			}
			kept = append(kept, e)
		}
		b.idle = kept
		if len(b.idle) == 0 && b.active == 0 && len(b.waiters) == 0 {
			delete(t.buckets, key)
		}
	}
	t.mu.Unlock()
	for _, p := range doomed {
		_ = p.Close()
		t.meter.Counter("httpwire_pool_evicted_total", 1)
	}
	if len(doomed) > 0 {
		t.logger.Logf(obs.Debug, "pool: evicted %d idle connections", len(doomed))
	}
}

// Close tears the pool down: pooled pipelines are closed and queued
// acquisitions fail fast. In-flight exchanges are not interrupted;
// their pipelines are disposed on release.
func (t *Pool) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	var doomed []*Pipeline
	for _, b := range t.buckets {
		for _, e := range b.idle {
			doomed = append(doomed, e.p)
		}
		b.idle = nil
		for _, w := range b.waiters {
			w.ch <- waiterSignal{err: ErrPoolShuttingDown}
		}
		b.waiters = nil
	}
	t.mu.Unlock()

	var err error
	for _, p := range doomed {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// stats reports bucket occupancy; used by tests.
func (t *Pool) stats(key PoolKey) (idle, active, queued int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[key]
	if b == nil {
		return 0, 0, 0
	}
	return len(b.idle), b.active, len(b.waiters)
}
