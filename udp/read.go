package udp

import (
	"context"
	"errors"
	"net"

	"github.com/miekg/dns"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/model"
	"github.com/treemana/rosdns/util"
)

func (s *Server) produce(packet []byte, remote *net.UDPAddr, sn uint64) {

	var message = new(dns.Msg)
	if err := message.Unpack(packet); err != nil {
		s.recorder.Drop("parse")
		log.Sugar.Errorf("sn=%d, %v, remote=%s", sn, rerrors.Parse("server unpack", err), remote)
		return
	}

	if message.Response || len(message.Question) != 1 {
		s.recorder.Drop("invalid")
		log.Sugar.Warnf("sn=%d, id=%d, response=%t, question=%d, dropped", sn, message.Id, message.Response, len(message.Question))
		return
	}

	dt := &model.DT{
		SN:         sn,
		Request:    message,
		RemoteAddr: remote,
		Name:       util.CanonicalName(message.Question[0].Name),
	}

	log.Sugar.Infof("sn=%d, id=%d, query=[%s]", sn, message.Id, message.Question[0].String())

	s.route(context.Background(), dt)
	s.recorder.Query(dt.Route.String())

	if dt.Response == nil {
		s.recorder.Drop(dt.Route.String())
		log.Sugar.Warnf("sn=%d, id=%d, route=%s, no answer, dropped", sn, message.Id, dt.Route)
		return
	}

	s.respond(dt)
}

// respond hands dt to the writer unless the server already stopped.
func (s *Server) respond(dt *model.DT) {
	s.respMu.RLock()
	defer s.respMu.RUnlock()

	if s.respClosed {
		log.Sugar.Warnf("sn=%d, id=%d, answer after stopped", dt.SN, dt.Request.Id)
		return
	}
	s.respChan <- dt
}

func (s *Server) read() {
	defer close(s.readDone)

	bytes := make([]byte, dns.MaxMsgSize)
	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(bytes)
		if !s.status.Load() {
			log.Sugar.Info("server read after stopped")
			break
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Sugar.Warn("server read connection closed")
				break
			}
			log.Sugar.Error("server read error : ", err)
			continue
		}

		if n <= 0 {
			log.Sugar.Warn("server read 0 byte")
			continue
		}

		s.reqWG.Add(1)

		// the buffer is reused by the next read, the query goroutine gets its own copy
		packet := make([]byte, n)
		copy(packet, bytes[:n])

		go func(sn uint64) {
			defer s.reqWG.Done()
			s.produce(packet, remoteAddr, sn)
		}(s.serial.Add(1))
	}
}
