package httpwire

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/arcnet-io/httpwire/internal/obs"
)

// Connector opens outbound transport connections. A nil tlsCfg yields
// a plaintext connection; otherwise the raw stream is wrapped before
// anything above it sees a byte.
type Connector struct {
	DialTimeout     time.Duration
	ReadBufferSize  int
	WriteBufferSize int

	logger obs.Logger
}

func newConnector(dialTimeout time.Duration, readBuf, writeBuf int, logger obs.Logger) *Connector {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = obs.NopLogger{}
	}
	return &Connector{
		DialTimeout:     dialTimeout,
		ReadBufferSize:  readBuf,
		WriteBufferSize: writeBuf,
		logger:          logger,
	}
}

// Connect dials host:port. The attempt stays pending until it
// succeeds, fails, or ctx is cancelled; an unresponsive peer is cut
// off by the dial timeout.
func (c *Connector) Connect(ctx context.Context, host string, port int, tlsCfg *tls.Config) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Logf(obs.Warn, "dial %s failed: %v", addr, err)
		return nil, newConnectError(host, port, err)
	}
	c.applySocketOptions(conn)
	if tlsCfg != nil {
		tc, err := tlsClient(ctx, conn, tlsCfg, host)
		if err != nil {
			_ = conn.Close()
			c.logger.Logf(obs.Warn, "tls handshake with %s failed: %v", addr, err)
			return nil, err
		}
		conn = tc
	}
	return conn, nil
}

// Socket buffers are owned exclusively by their connection; sizing is
// applied once at dial time.
func (c *Connector) applySocketOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if c.ReadBufferSize > 0 {
		_ = tc.SetReadBuffer(c.ReadBufferSize)
	}
	if c.WriteBufferSize > 0 {
		_ = tc.SetWriteBuffer(c.WriteBufferSize)
	}
}
