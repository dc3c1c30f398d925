package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/treemana/rosdns/log"
)

type Server struct {
	srv *http.Server
	ln  net.Listener
}

func NewServer(listen string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start binds the listener before returning so that address errors surface
// to the caller, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		log.Sugar.Infof("admin http listening on %s", ln.Addr())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Sugar.Errorf("admin http serve error=[%+v]", err)
		}
	}()
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Sugar.Info("admin http stopping")
	return s.srv.Shutdown(ctx)
}
