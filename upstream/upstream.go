package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/miekg/dns"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
)

const (
	defaultTimeout = 5 * time.Second
)

// Resolver sends one query to a configured DNS server.
type Resolver interface {
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	String() string
}

// UpStream is a plain DNS (udp://) or DNS-over-TLS (tls://) server.
type UpStream struct {
	u         url.URL
	timeout   time.Duration
	tlsConfig *tls.Config // nil verifies tls:// servers against the system roots
	udp       *dns.Client
	tcp       *dns.Client
}

type Option func(*UpStream)

// WithTLSConfig sets the client configuration of a tls:// upstream, for a
// private CA or a server name other than the URL host.
func WithTLSConfig(c *tls.Config) Option {
	return func(s *UpStream) { s.tlsConfig = c }
}

func New(rawURL string, timeout time.Duration, opts ...Option) (*UpStream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", rawURL, err)
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	us := &UpStream{u: *u, timeout: timeout}
	for _, opt := range opts {
		opt(us)
	}
	switch u.Scheme {
	case "udp":
		if u.Port() == "" {
			us.u.Host = net.JoinHostPort(u.Hostname(), "53")
		}
		us.udp = &dns.Client{Net: "udp", Timeout: timeout}
		us.tcp = &dns.Client{Net: "tcp", Timeout: timeout}
	case "tls":
		if u.Port() == "" {
			us.u.Host = net.JoinHostPort(u.Hostname(), "853")
		}
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}

	log.Sugar.Infof("upstream resolver %s", us.u.String())
	return us, nil
}

func (s *UpStream) String() string { return s.u.String() }

// Exchange copies req, sends it and returns the answer with the id of req.
// Failures are reported as UPSTREAM_FAILURE.
func (s *UpStream) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var (
		resp *dns.Msg
		err  error
	)
	start := time.Now()
	switch s.u.Scheme {
	case "tls":
		resp, err = s.exchangeTLS(ctx, req)
	default:
		resp, err = s.exchangeUDP(ctx, req)
	}
	if err != nil {
		if malformed(err) {
			return nil, rerrors.Parse(s.u.String(), err)
		}
		return nil, rerrors.Upstream(s.u.String(), err)
	}

	log.Sugar.Debugf("%s response id=%d %s, cost %s", s.u.String(), req.Id, dns.RcodeToString[resp.Rcode], time.Since(start))
	return resp, nil
}

// malformed reports decoding failures of the answer, as opposed to network
// failures.
func malformed(err error) bool {
	var de *dns.Error
	return errors.As(err, &de) && !errors.Is(err, dns.ErrId)
}
