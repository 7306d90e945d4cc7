package httpwire

// The TLS adapter wraps a raw duplex byte stream and exposes the same
// contract to everything above it, so the codec and pipelines never
// distinguish encrypted from plaintext transports. Decrypt-side
// truncation (a peer vanishing without close_notify) is tolerated for
// close-delimited bodies: the entity completes as a normal end of
// stream. That leniency matches common HTTP/1.1 client behavior; it is
// not a content-integrity guarantee.

import (
	"context"
	"crypto/tls"
	"net"
)

// tlsClient wraps conn with a client-side TLS session. The config is
// cloned before SNI and ALPN defaults are filled in.
func tlsClient(ctx context.Context, conn net.Conn, cfg *tls.Config, host string) (net.Conn, error) {
	cfg = normalizeTLSConfig(cfg, host)
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, newTLSError("TLS handshake failed", err)
	}
	return tc, nil
}

func tlsDefaultConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func normalizeTLSConfig(cfg *tls.Config, host string) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}
