package util

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/samber/lo"
)

const SinkTTL uint32 = 600

// CanonicalName lower-cases a question name and strips the trailing dot.
func CanonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// DNSAddresses returns the IPv4 addresses of the A records in answer,
// in answer order.
func DNSAddresses(answer []dns.RR) []string {
	return lo.FilterMap(answer, func(rr dns.RR, _ int) (string, bool) {
		a, ok := rr.(*dns.A)
		if !ok || a.A.To4() == nil {
			return "", false
		}
		return a.A.To4().String(), true
	})
}

// DNSNewResponseByAnswer builds a reply to req carrying copies of answer.
// An empty answer yields a NOERROR reply without records.
func DNSNewResponseByAnswer(req *dns.Msg, answer []dns.RR) *dns.Msg {
	if req == nil {
		return nil
	}

	var resp = new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	resp.AuthenticatedData = false
	if len(answer) > 0 {
		resp.Answer = make([]dns.RR, 0, len(answer))
		for _, rr := range answer {
			resp.Answer = append(resp.Answer, dns.Copy(rr))
		}
	}

	return resp
}

// DNSNewSink answers req with a single A record pointing at sink. Queries
// other than A get an empty NOERROR reply.
func DNSNewSink(req *dns.Msg, sink net.IP) *dns.Msg {
	if req == nil || len(req.Question) == 0 {
		return nil
	}

	q := req.Question[0]
	if q.Qtype != dns.TypeA || sink.To4() == nil {
		return DNSNewResponseByAnswer(req, nil)
	}

	return DNSNewResponseByAnswer(req, []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: SinkTTL},
		A:   sink.To4(),
	}})
}

// DNSRelay returns a copy of resp with the transaction id of req, leaving
// everything else untouched.
func DNSRelay(req, resp *dns.Msg) *dns.Msg {
	if req == nil || resp == nil {
		return nil
	}
	out := resp.Copy()
	out.Id = req.Id
	return out
}
