package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

const (
	defaultTimeout = 2 * time.Second
)

// NewConn dials u.Host over TCP and completes a TLS handshake using the
// host name of u for verification. The handshake is bounded by timeout, or
// by the context deadline when that is sooner. A nil config verifies against
// the system roots.
// return conn, elapse, error
func NewConn(ctx context.Context, u url.URL, timeout time.Duration, config *tls.Config) (*tls.Conn, time.Duration, error) {

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ept := time.Now() // entry point time

	dialer := &net.Dialer{Deadline: deadline}
	rawConn, err := dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, time.Since(ept), fmt.Errorf("dial %s: %w", u.Host, err)
	}

	conn := tls.Client(rawConn, clientConfig(u, config))
	if err = conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, time.Since(ept), fmt.Errorf("set deadline %s: %w", u.Host, err)
	}

	if err = conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, time.Since(ept), fmt.Errorf("handshake %s: %w", u.Host, err)
	}

	return conn, time.Since(ept), nil
}

func clientConfig(u url.URL, config *tls.Config) *tls.Config {
	if config == nil {
		return &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	}
	c := config.Clone()
	if c.ServerName == "" {
		c.ServerName = u.Hostname()
	}
	if c.MinVersion < tls.VersionTLS12 {
		c.MinVersion = tls.VersionTLS12
	}
	return c
}
