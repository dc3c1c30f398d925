package udp

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/rosdns/cache"
	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/model"
	"github.com/treemana/rosdns/upstream"
	"github.com/treemana/rosdns/util"
)

// route fills dt.Route and, unless the query is to be dropped, dt.Response.
func (s *Server) route(ctx context.Context, dt *model.DT) {
	switch {
	case s.classifier.IsProxied(dt.Name):
		dt.Route = model.RouteProxied
		s.proxied(ctx, dt)
	case s.classifier.IsBlocked(dt.Name):
		dt.Route = model.RouteBlocked
		dt.Response = util.DNSNewSink(dt.Request, s.sink)
	default:
		dt.Route = model.RouteBackup
		s.forward(ctx, dt)
	}
}

func (s *Server) proxied(ctx context.Context, dt *model.DT) {
	if dt.Request.Question[0].Qtype != dns.TypeA {
		resp, err := s.exchange(ctx, s.primary, dt.Request)
		if err == nil {
			dt.Response = util.DNSRelay(dt.Request, resp)
			return
		}
		s.fallback(ctx, dt, err)
		return
	}

	answer, status, err := s.cache.Get(ctx, dt.Name, s.loadA(dt.Name))
	s.recorder.CacheLookup(status.String())
	if err != nil {
		s.fallback(ctx, dt, err)
		return
	}

	dt.Cached = status != cache.Miss
	dt.Response = util.DNSNewResponseByAnswer(dt.Request, answer)
	s.notify(dt, answer)
}

// loadA asks the primary upstream for the A records of name. Anything but
// NOERROR is a failure so that it is neither cached nor answered from here.
func (s *Server) loadA(name string) cache.Loader {
	return func(ctx context.Context) ([]dns.RR, error) {
		req := new(dns.Msg)
		req.SetQuestion(dns.Fqdn(name), dns.TypeA)

		resp, err := s.exchange(ctx, s.primary, req)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, rerrors.Upstream(fmt.Sprintf("%s %s", name, dns.RcodeToString[resp.Rcode]), nil)
		}
		return resp.Answer, nil
	}
}

// fallback answers a proxied query from the backup resolver after the
// primary failed. A malformed primary answer drops the query instead.
func (s *Server) fallback(ctx context.Context, dt *model.DT, cause error) {
	if rerrors.Is(cause, rerrors.ErrParse) {
		log.Sugar.Errorf("sn=%d, id=%d, %v", dt.SN, dt.Request.Id, cause)
		return
	}
	log.Sugar.Warnf("sn=%d, id=%d, primary failed, using backup: %v", dt.SN, dt.Request.Id, cause)
	s.forward(ctx, dt)
}

// forward relays the query to the backup resolver and its answer back
// unchanged apart from the id.
func (s *Server) forward(ctx context.Context, dt *model.DT) {
	resp, err := s.exchange(ctx, s.backup, dt.Request)
	if err != nil {
		log.Sugar.Errorf("sn=%d, id=%d, backup %v", dt.SN, dt.Request.Id, err)
		return
	}
	dt.Response = util.DNSRelay(dt.Request, resp)
}

func (s *Server) exchange(ctx context.Context, r upstream.Resolver, req *dns.Msg) (*dns.Msg, error) {
	start := time.Now()
	resp, err := r.Exchange(ctx, req)
	s.recorder.Upstream(r.String(), time.Since(start), err)
	return resp, err
}

// notify publishes the IPv4 addresses of a proxied answer unless the name is
// excluded. It never waits for the consumer.
func (s *Server) notify(dt *model.DT, answer []dns.RR) {
	if s.publisher == nil || s.classifier.IsExcluded(dt.Name) {
		return
	}

	addresses := util.DNSAddresses(answer)
	if len(addresses) == 0 {
		return
	}

	s.publisher.Publish(model.Notification{Domain: dt.Name, Addresses: addresses})
}
