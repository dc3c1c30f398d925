package udp

import (
	"time"

	"github.com/miekg/dns"

	"github.com/treemana/rosdns/log"
)

func (s *Server) write() {
	defer s.respWG.Done()

	for dt := range s.respChan {

		if dt.RemoteAddr == nil {
			log.Sugar.Debugf("sn=%d, remote addr nil, [%s]", dt.SN, dt.Request.Question[0].String())
			continue
		}

		// one question in, the same question and id out
		dt.Response.Id = dt.Request.Id
		dt.Response.Question = dt.Request.Question
		dt.Response.Truncate(replySize(dt.Request))

		bytes, err := dt.Response.Pack()
		if err != nil {
			log.Sugar.Warnf("sn=%d, response pack error=[%+v]", dt.SN, err)
			continue
		}

		if err = s.conn.SetWriteDeadline(time.Now().Add(defaultTimeout)); err != nil {
			log.Sugar.Errorf("sn=%d, server udp connection set deadline error=[%+v]", dt.SN, err)
			continue
		}

		if _, err = s.conn.WriteToUDP(bytes, dt.RemoteAddr); err != nil {
			log.Sugar.Errorf("sn=%d, udp connection write error=[%+v]", dt.SN, err)
			// do not set break, s.respChan need be empty
			continue
		}

		rcode := dns.RcodeToString[dt.Response.Rcode]
		s.recorder.Response(dt.Route.String(), rcode)
		log.Sugar.Infof("sn=%d, id=%d, route=%s, cache=%t, %s answer %d", dt.SN, dt.Response.Id, dt.Route, dt.Cached, rcode, len(dt.Response.Answer))
	}
}

// replySize is the largest datagram the client accepts: its EDNS0 buffer
// size, or 512 bytes without EDNS0.
func replySize(req *dns.Msg) int {
	size := dns.MinMsgSize
	if opt := req.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
		size = int(opt.UDPSize())
	}
	return size
}
