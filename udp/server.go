package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treemana/rosdns/cache"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/model"
	"github.com/treemana/rosdns/upstream"
)

const (
	defaultTimeout = 10 * time.Second
)

type Classifier interface {
	IsProxied(name string) bool
	IsBlocked(name string) bool
	IsExcluded(name string) bool
}

type Publisher interface {
	Publish(n model.Notification) bool
}

// Recorder receives per query events, metrics.Metrics implements it.
type Recorder interface {
	Query(route string)
	Response(route, rcode string)
	Drop(reason string)
	CacheLookup(result string)
	Upstream(name string, elapsed time.Duration, err error)
}

type Options struct {
	Address string
	Port    int
	Sink    net.IP // answer for blocked names

	Classifier Classifier
	Cache      *cache.Cache
	Primary    upstream.Resolver
	Backup     upstream.Resolver
	Publisher  Publisher // optional
	Recorder   Recorder  // optional
}

type Server struct {
	address *net.UDPAddr
	conn    *net.UDPConn
	status  atomic.Bool // running status

	readDone chan struct{}
	reqWG    sync.WaitGroup // queries in flight

	respWG     sync.WaitGroup
	respMu     sync.RWMutex
	respClosed bool
	respChan   chan *model.DT // dns response

	serial atomic.Uint64

	sink       net.IP
	classifier Classifier
	cache      *cache.Cache
	primary    upstream.Resolver
	backup     upstream.Resolver
	publisher  Publisher
	recorder   Recorder
}

func New(opts Options) (*Server, error) {

	ip := net.ParseIP(opts.Address)
	if len(ip) == 0 {
		return nil, fmt.Errorf("invalid ip %q", opts.Address)
	}

	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid port=%d", opts.Port)
	}

	if opts.Sink.To4() == nil {
		return nil, fmt.Errorf("invalid sink address %s", opts.Sink)
	}

	if opts.Classifier == nil || opts.Cache == nil || opts.Primary == nil || opts.Backup == nil {
		return nil, errors.New("classifier, cache, primary and backup are required")
	}

	s := Server{
		address:    &net.UDPAddr{Port: opts.Port, IP: ip},
		readDone:   make(chan struct{}),
		respChan:   make(chan *model.DT),
		sink:       opts.Sink.To4(),
		classifier: opts.Classifier,
		cache:      opts.Cache,
		primary:    opts.Primary,
		backup:     opts.Backup,
		publisher:  opts.Publisher,
		recorder:   opts.Recorder,
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}

	if err := s.setConn(); err != nil {
		return nil, fmt.Errorf("set conn error=[%+v]", err)
	}

	return &s, nil
}

// Addr is the bound listener address, useful when the port was 0.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Start() {

	s.status.Store(true)

	s.respWG.Add(1)
	go s.write()
	go s.read()

	log.Sugar.Infof("server running on %s ...", s.Addr())
}

// Stop stops reading, waits for in-flight queries until ctx ends, drains
// the writer and closes the socket.
func (s *Server) Stop(ctx context.Context) {
	log.Sugar.Info("server read stopping")
	s.status.Store(false)
	_ = s.conn.SetReadDeadline(time.Now())
	<-s.readDone
	log.Sugar.Info("server read stopped")

	log.Sugar.Info("server waiting all request done")
	done := make(chan struct{})
	go func() {
		s.reqWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Sugar.Warn("server stop timeout, answers still pending are discarded")
	}

	s.respMu.Lock()
	s.respClosed = true
	close(s.respChan)
	s.respMu.Unlock()
	log.Sugar.Info("server response chan closed")

	s.respWG.Wait()
	log.Sugar.Infof("server write stopped, serial=%d", s.serial.Load())

	if err := s.conn.Close(); err != nil {
		log.Sugar.Errorf("server udp connection close error=[%+v]", err)
	}
}

func (s *Server) setConn() error {
	var err error
	if s.conn, err = net.ListenUDP("udp", s.address); err != nil {
		log.Sugar.Errorf("server udp [%s] listen error=[%+v]", s.address, err)
		return err
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) Query(string) {}
func (nopRecorder) Response(string, string) {}
func (nopRecorder) Drop(string) {}
func (nopRecorder) CacheLookup(string) {}
func (nopRecorder) Upstream(string, time.Duration, error) {}
