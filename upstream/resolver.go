package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/treemana/rosdns/tls"
)

var errUnmatched = errors.New("unmatched request and response")

func (s *UpStream) exchangeUDP(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, _, err := s.udp.ExchangeContext(ctx, req, s.u.Host)
	if err != nil {
		return nil, err
	}

	// a truncated answer is asked again over tcp
	if resp.Truncated {
		if resp, _, err = s.tcp.ExchangeContext(ctx, req, s.u.Host); err != nil {
			return nil, fmt.Errorf("tcp retry: %w", err)
		}
	}

	return resp, nil
}

func (s *UpStream) exchangeTLS(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {

	conn, _, err := tls.NewConn(ctx, s.u, s.timeout, s.tlsConfig)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	var dnsConn = dns.Conn{Conn: conn}
	if err = dnsConn.WriteMsg(req); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	var resp *dns.Msg
	if resp, err = dnsConn.ReadMsg(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	if req.Id != resp.Id {
		return nil, errUnmatched
	}

	return resp, nil
}
