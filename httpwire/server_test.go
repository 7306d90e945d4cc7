package httpwire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, ps PoolSettings) *Engine {
	t.Helper()
	e := New(Settings{Pool: ps})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func bindHandler(t *testing.T, e *Engine, set ServerSettings, h HandlerFunc) *ServerBinding {
	t.Helper()
	b, err := e.Bind("127.0.0.1", 0, nil, set, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Unbind(context.Background()) })
	return b
}

func urlFor(b *ServerBinding, path string) string {
	return "http://" + b.Addr().String() + path
}

func echoHandler(w ResponseWriter, r *Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(200)
	_, _ = w.Write(body)
}

func TestRoundTripStrictBody(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	req, err := NewRequest("POST", urlFor(b, "/echo"), NewStrictEntity([]byte("payload-bytes")))
	require.NoError(t, err)

	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, EntityStrict, resp.Body.Kind(), "small sized bodies are buffered eagerly")
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(got))
}

func TestRoundTripChunkedBody(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		// No Content-Length: the writer switches to chunked framing.
		w.WriteHeader(200)
		for _, part := range []string{"abc", "defg", "hijkl"} {
			_, _ = w.Write([]byte(part))
		}
	})

	req, err := NewRequest("GET", urlFor(b, "/stream"), nil)
	require.NoError(t, err)
	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, EntityChunked, resp.Body.Kind())
	assert.EqualValues(t, -1, resp.Body.Length())
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijkl", string(got))
}

func TestRoundTripCloseDelimitedBody(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, func(w ResponseWriter, r *Request) {
		w.Header().Set("Connection", "close")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("until the stream ends"))
	})

	req, err := NewRequest("GET", urlFor(b, "/legacy"), nil)
	require.NoError(t, err)
	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, EntityCloseDelimited, resp.Body.Kind())
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "until the stream ends", string(got))
	require.NoError(t, resp.Body.Close())
}

func TestRoundTripChunkedRequestBody(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	req, err := NewRequest("POST", urlFor(b, "/echo"),
		NewChunkedEntity(strings.NewReader("streamed request payload")))
	require.NoError(t, err)

	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "streamed request payload", string(got))
}

func TestBindConflictAndRebind(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b1, err := e.Bind("127.0.0.1", 0, nil, ServerSettings{}, HandlerFunc(echoHandler))
	require.NoError(t, err)
	port := b1.Addr().(*net.TCPAddr).Port

	_, err = e.Bind("127.0.0.1", port, nil, ServerSettings{}, HandlerFunc(echoHandler))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBindFailed))

	require.NoError(t, b1.Unbind(context.Background()))
	assert.Equal(t, BindingClosed, b1.State())

	b2, err := e.Bind("127.0.0.1", port, nil, ServerSettings{}, HandlerFunc(echoHandler))
	require.NoError(t, err, "the address must be bindable again after unbind")
	require.NoError(t, b2.Unbind(context.Background()))
}

func TestUnbindIsIdempotent(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b, err := e.Bind("127.0.0.1", 0, nil, ServerSettings{}, HandlerFunc(echoHandler))
	require.NoError(t, err)
	require.NoError(t, b.Unbind(context.Background()))
	require.NoError(t, b.Unbind(context.Background()))
}

func TestRemoteAddressHeaderInjection(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{RemoteAddressHeader: true}, func(w ResponseWriter, r *Request) {
		peer := r.Header.Get("Remote-Address")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(peer)))
		w.WriteHeader(200)
		_, _ = w.Write([]byte(peer))
	})

	req, err := NewRequest("GET", urlFor(b, "/whoami"), nil)
	require.NoError(t, err)
	resp, err := e.SingleRequest(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	host, _, err := net.SplitHostPort(string(got))
	require.NoError(t, err, "injected header must be a host:port, got %q", got)
	assert.Equal(t, "127.0.0.1", host)
}

func TestServerIdleTimeoutClosesConnection(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{IdleTimeout: 100 * time.Millisecond}, echoHandler)

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Send nothing; the server must hang up on its own.
	start := time.Now()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "idle connection not reaped in time")
}

func TestServerAnswersExpectContinue(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	_, err = io.WriteString(conn,
		"POST /echo HTTP/1.1\r\nHost: t\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n", line)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	_, err = io.WriteString(conn, "hello")
	require.NoError(t, err)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "HTTP/1.1 200"), "final status line: %q", line)
}

func TestServerDropsNonHTTPGarbageSilently(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	for _, garbage := range []string{
		"\x00\x01garbage\xff\r\n",
		"<<<not-http>>>\r\n",
	} {
		conn, err := net.Dial("tcp", b.Addr().String())
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

		_, err = io.WriteString(conn, garbage)
		require.NoError(t, err)

		// Not HTTP: the connection is closed without a response.
		buf, _ := io.ReadAll(conn)
		assert.Empty(t, buf, "garbage %q must be dropped without a response", garbage)
		_ = conn.Close()
	}
}

func newBufferedResponseWriter(buf *bytes.Buffer) *connResponseWriter {
	return &connResponseWriter{
		bw:        bufio.NewWriter(buf),
		proto:     "HTTP/1.1",
		method:    "GET",
		keepAlive: true,
		hdr:       Header{},
	}
}

func TestResponseWriterRejectsOverlongBody(t *testing.T) {
	var buf bytes.Buffer
	w := newBufferedResponseWriter(&buf)
	w.Header().Set("Content-Length", "5")
	w.WriteHeader(200)

	_, err := w.Write([]byte("more than five bytes"))
	require.ErrorIs(t, err, errContentLengthExceeded)
	require.NoError(t, w.finish())
	assert.False(t, w.reusable(), "a desynced response must not keep the connection")
}

func TestResponseWriterShortBodyDropsKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	w := newBufferedResponseWriter(&buf)
	w.Header().Set("Content-Length", "5")
	w.WriteHeader(200)

	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.finish())
	assert.False(t, w.reusable(), "under-delivered bytes would desync a kept-alive peer")
}

func TestResponseWriterExactLengthStaysReusable(t *testing.T) {
	var buf bytes.Buffer
	w := newBufferedResponseWriter(&buf)
	w.Header().Set("Content-Length", "5")
	w.WriteHeader(200)

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.finish())
	assert.True(t, w.reusable())
	assert.True(t, strings.HasSuffix(buf.String(), "\r\n\r\nhello"))
}

func TestServerAnswersMalformedRequestLineWith400(t *testing.T) {
	e := newTestEngine(t, PoolSettings{})
	b := bindHandler(t, e, ServerSettings{}, echoHandler)

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	// Recognizably HTTP (valid method token) but missing the protocol.
	_, err = io.WriteString(conn, "GET /\r\n")
	require.NoError(t, err)

	buf, _ := io.ReadAll(conn)
	assert.True(t, strings.HasPrefix(string(buf), "HTTP/1.1 400"), "got %q", buf)
}
