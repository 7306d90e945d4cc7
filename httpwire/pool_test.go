package httpwire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyFor(b *ServerBinding) PoolKey {
	addr := b.Addr().(*net.TCPAddr)
	return PoolKey{Host: "127.0.0.1", Port: addr.Port}
}

func doRequest(t *testing.T, e *Engine, rawURL string) {
	t.Helper()
	req, err := NewRequest("GET", rawURL, nil)
	require.NoError(t, err)
	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
}

func TestPoolCapSerializesRequests(t *testing.T) {
	const delay = 120 * time.Millisecond
	e := newTestEngine(t, PoolSettings{MaxConnsPerHost: 1})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		time.Sleep(delay)
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})

	start := time.Now()
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := NewRequest("GET", urlFor(b, "/slow"), nil)
			if err != nil {
				errs <- err
				return
			}
			resp, err := e.SingleRequest(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			_, _ = io.ReadAll(resp.Body)
			errs <- resp.Body.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// With one connection the second exchange cannot start until the
	// first finishes, so the total is at least two handler delays.
	assert.GreaterOrEqual(t, time.Since(start), 2*delay-10*time.Millisecond)

	idle, active, queued := e.pool.stats(keyFor(b))
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, active, "the pooled connection holds its slot")
	assert.Equal(t, 0, queued)
}

func TestPoolDoesNotKeepClosedConnections(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		w.Header().Set("Connection", "close")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("bye"))
	})

	doRequest(t, e, urlFor(b, "/close"))

	require.Eventually(t, func() bool {
		idle, active, _ := e.pool.stats(keyFor(b))
		return idle == 0 && active == 0
	}, time.Second, 10*time.Millisecond, "a Connection: close exchange must not be re-pooled")
}

func TestPoolReusesIdleConnections(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	for i := 0; i < 3; i++ {
		doRequest(t, e, urlFor(b, "/ping"))
	}
	idle, active, _ := e.pool.stats(keyFor(b))
	assert.Equal(t, 1, idle, "sequential requests must ride one connection")
	assert.Equal(t, 1, active)
}

func TestPartiallyConsumedBodyDrainsAndRepools(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64<<10)
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(200)
		_, _ = w.Write(payload)
	})

	req, err := NewRequest("GET", urlFor(b, "/big"), nil)
	require.NoError(t, err)
	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, EntitySized, resp.Body.Kind(), "a large sized body must stream lazily")

	// Read a fraction, then abandon the rest early.
	buf := make([]byte, 1024)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close(), "close must drain the remainder")

	require.Eventually(t, func() bool {
		idle, _, _ := e.pool.stats(keyFor(b))
		return idle == 1
	}, time.Second, 10*time.Millisecond, "a drained connection must return to the pool")

	doRequest(t, e, urlFor(b, "/big"))
	idle, active, _ := e.pool.stats(keyFor(b))
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, active, "the second exchange must reuse the drained connection")
}

func TestPoolCloseFailsQueuedAcquisitions(t *testing.T) {
	e := newTestEngine(t, PoolSettings{MaxConnsPerHost: 1})
	release := make(chan struct{})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		<-release
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	defer close(release)

	firstStarted := make(chan struct{})
	go func() {
		req, _ := NewRequest("GET", urlFor(b, "/hold"), nil)
		close(firstStarted)
		resp, err := e.SingleRequest(context.Background(), req)
		if err == nil {
			_, _ = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
		}
	}()
	<-firstStarted

	// Wait until the second acquisition is actually queued.
	queuedErr := make(chan error, 1)
	go func() {
		req, _ := NewRequest("GET", urlFor(b, "/queued"), nil)
		_, err := e.SingleRequest(context.Background(), req)
		queuedErr <- err
	}()
	require.Eventually(t, func() bool {
		_, _, queued := e.pool.stats(keyFor(b))
		return queued == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.pool.Close())

	select {
	case err := <-queuedErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPoolShuttingDown))
		assert.Equal(t, KindPoolClosed, KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquisition not failed by pool shutdown")
	}
}

func TestPoolAcquireAfterCloseFailsFast(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	require.NoError(t, e.pool.Close())

	req, err := NewRequest("GET", "http://127.0.0.1:1/", nil)
	require.NoError(t, err)
	_, err = e.SingleRequest(context.Background(), req)
	assert.True(t, errors.Is(err, ErrPoolShuttingDown))
}

func TestPoolEvictsStaleIdleConnections(t *testing.T) {
	e := newTestEngine(t, PoolSettings{IdleConnTimeout: 40 * time.Millisecond})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	doRequest(t, e, urlFor(b, "/ping"))
	idle, _, _ := e.pool.stats(keyFor(b))
	require.Equal(t, 1, idle)

	time.Sleep(60 * time.Millisecond)
	e.pool.prune()

	idle, active, _ := e.pool.stats(keyFor(b))
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, active, "eviction must free the admission slot")
}

func TestPoolQueuedAcquisitionHonorsContext(t *testing.T) {
	e := newTestEngine(t, PoolSettings{MaxConnsPerHost: 1})
	release := make(chan struct{})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		<-release
		w.WriteHeader(204)
	})
	defer close(release)

	go func() {
		req, _ := NewRequest("GET", urlFor(b, "/hold"), nil)
		resp, err := e.SingleRequest(context.Background(), req)
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool {
		_, active, _ := e.pool.stats(keyFor(b))
		return active == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := NewRequest("GET", urlFor(b, "/queued"), nil)
	require.NoError(t, err)
	_, err = e.SingleRequest(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
