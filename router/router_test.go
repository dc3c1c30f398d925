package router

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/model"
	"github.com/treemana/rosdns/pool"
)

// apiServer speaks enough of the RouterOS API for one address-list.
type apiServer struct {
	t        *testing.T
	ln       net.Listener
	user     string
	password string

	mu      sync.Mutex
	entries map[string]string // address -> comment
	seen    [][]string
	drop    bool   // close the connection on the next command
	fatalOn string // answer this command with !fatal and close the connection
}

func newAPIServer(t *testing.T) *apiServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &apiServer{t: t, ln: ln, user: "dns", password: "secret", entries: map[string]string{}}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *apiServer) options() Options {
	return Options{Address: s.ln.Addr().String(), User: s.user, Password: s.password, CommandTimeout: time.Second}
}

func (s *apiServer) setFatal(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalOn = command
}

func (s *apiServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *apiServer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)
	for {
		sentence, err := readSentence(r)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.seen = append(s.seen, sentence)
		drop, fatal := s.drop, s.fatalOn == sentence[0]
		s.mu.Unlock()
		if drop && sentence[0] != "/login" {
			return
		}
		if fatal {
			_, _ = conn.Write(encodeSentence([]string{"!fatal", "=message=session terminated on request"}))
			return
		}
		for _, reply := range s.reply(sentence) {
			if _, err = conn.Write(encodeSentence(reply)); err != nil {
				return
			}
		}
	}
}

func (s *apiServer) reply(sentence []string) [][]string {
	attrs := map[string]string{}
	for _, w := range sentence[1:] {
		if kv := strings.SplitN(w[1:], "=", 2); len(kv) == 2 {
			attrs[kv[0]] = kv[1]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch sentence[0] {
	case "/login":
		if attrs["name"] != s.user || attrs["password"] != s.password {
			return [][]string{{"!trap", "=message=invalid user name or password (6)"}, {"!done"}}
		}
		return [][]string{{"!done"}}
	case addressListPath + "/print":
		if comment, ok := s.entries[attrs["address"]]; ok {
			return [][]string{{"!re", "=.id=*1", "=address=" + attrs["address"], "=comment=" + comment}, {"!done"}}
		}
		return [][]string{{"!done"}}
	case addressListPath + "/add":
		if _, ok := s.entries[attrs["address"]]; ok {
			return [][]string{{"!trap", "=message=failure: already have such entry"}, {"!done"}}
		}
		s.entries[attrs["address"]] = attrs["comment"]
		return [][]string{{"!done", "=ret=*2"}}
	default:
		return [][]string{{"!trap", "=category=0", "=message=no such command"}, {"!done"}}
	}
}

func readSentence(r *bufio.Reader) ([]string, error) {
	var words []string
	for {
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size := int(n)
		if n&0x80 != 0 {
			lo, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			size = int(n&0x3f)<<8 | int(lo)
		}
		if size == 0 {
			return words, nil
		}
		word := make([]byte, size)
		if _, err = io.ReadFull(r, word); err != nil {
			return nil, err
		}
		words = append(words, string(word))
	}
}

func encodeSentence(words []string) []byte {
	var out []byte
	for _, w := range words {
		if len(w) < 0x80 {
			out = append(out, byte(len(w)))
		} else {
			out = append(out, byte(len(w)>>8)|0x80, byte(len(w)))
		}
		out = append(out, w...)
	}
	return append(out, 0)
}

func TestCommandSentence(t *testing.T) {
	got := addAddress("vpn", "10.0.0.1", "example.com", 24*time.Hour).Sentence()
	assert.Equal(t, []string{
		"/ip/firewall/address-list/add",
		"=list=vpn",
		"=address=10.0.0.1",
		"=comment=example.com",
		"=timeout=86400",
	}, got)

	got = findAddress("vpn", "10.0.0.1").Sentence()
	assert.Equal(t, []string{
		"/ip/firewall/address-list/print",
		"=.proplist=.id,address,timeout",
		"?list=vpn",
		"?address=10.0.0.1",
	}, got)

	assert.Len(t, addAddress("vpn", "10.0.0.1", "example.com", 0).Sentence(), 4)
	assert.Equal(t, "1", formatTimeout(time.Millisecond))
}

func TestDial(t *testing.T) {
	srv := newAPIServer(t)

	c, err := Dial(context.Background(), srv.options())
	require.NoError(t, err)
	assert.True(t, c.Connected())

	rows, err := c.Execute(context.Background(), findAddress("vpn", "10.0.0.1").Sentence())
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = c.Execute(context.Background(), []string{"/system/unknown"})
	assert.ErrorIs(t, err, rerrors.ErrCommandRejected)
	assert.True(t, c.Connected())

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}

func TestDialFailures(t *testing.T) {
	srv := newAPIServer(t)

	opts := srv.options()
	opts.Password = "wrong"
	_, err := Dial(context.Background(), opts)
	assert.ErrorIs(t, err, rerrors.ErrAuth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Options{Address: addr, User: "dns", DialTimeout: time.Second})
	assert.ErrorIs(t, err, rerrors.ErrConnect)
}

func TestExecuteTransportFailure(t *testing.T) {
	srv := newAPIServer(t)
	c, err := Dial(context.Background(), srv.options())
	require.NoError(t, err)

	srv.mu.Lock()
	srv.drop = true
	srv.mu.Unlock()

	_, err = c.Execute(context.Background(), findAddress("vpn", "10.0.0.1").Sentence())
	assert.ErrorIs(t, err, rerrors.ErrTransport)
	assert.False(t, c.Connected())
}

func TestExecuteFatalClosesSession(t *testing.T) {
	srv := newAPIServer(t)
	srv.setFatal(addressListPath + "/print")

	c, err := Dial(context.Background(), srv.options())
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), findAddress("vpn", "10.0.0.1").Sentence())
	assert.ErrorIs(t, err, rerrors.ErrTransport)
	assert.NotErrorIs(t, err, rerrors.ErrCommandRejected)
	assert.False(t, c.Connected())
}

func TestDialFatalLogin(t *testing.T) {
	srv := newAPIServer(t)
	srv.setFatal("/login")

	_, err := Dial(context.Background(), srv.options())
	assert.ErrorIs(t, err, rerrors.ErrConnect)
	assert.NotErrorIs(t, err, rerrors.ErrAuth)
}

func TestUpdaterHandle(t *testing.T) {
	srv := newAPIServer(t)
	srv.entries["10.0.0.2"] = "old.example.com"

	p := pool.New(Dialer(srv.options()), 2, time.Minute)
	defer p.Close()
	u := NewUpdater(p, "vpn", 0, time.Second)

	added, err := u.Handle(context.Background(), model.Notification{
		Domain:    "proxied.example",
		Addresses: []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	srv.mu.Lock()
	assert.Equal(t, "proxied.example", srv.entries["10.0.0.1"])
	assert.Equal(t, "old.example.com", srv.entries["10.0.0.2"])
	srv.mu.Unlock()

	// the connection went back to the pool
	assert.Equal(t, pool.Stats{Live: 1, Idle: 1, Opened: 1}, p.Stats())

	added, err = u.Handle(context.Background(), model.Notification{Domain: "proxied.example", Addresses: []string{"10.0.0.1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, uint64(1), p.Stats().Opened)
}

func TestUpdaterTransportFailureDestroysConn(t *testing.T) {
	srv := newAPIServer(t)
	p := pool.New(Dialer(srv.options()), 2, time.Minute)
	defer p.Close()
	u := NewUpdater(p, "vpn", time.Hour, time.Second)

	srv.mu.Lock()
	srv.drop = true
	srv.mu.Unlock()

	_, err := u.Handle(context.Background(), model.Notification{Domain: "x.example", Addresses: []string{"10.0.0.9"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerrors.ErrTransport))
	assert.Equal(t, pool.Stats{Opened: 1, Destroyed: 1}, p.Stats())
}

func TestUpdaterFatalDestroysConn(t *testing.T) {
	srv := newAPIServer(t)
	srv.setFatal(addressListPath + "/print")
	p := pool.New(Dialer(srv.options()), 2, time.Minute)
	defer p.Close()
	u := NewUpdater(p, "vpn", time.Hour, time.Second)

	_, err := u.Handle(context.Background(), model.Notification{Domain: "x.example", Addresses: []string{"10.0.0.9"}})
	require.ErrorIs(t, err, rerrors.ErrTransport)
	assert.Equal(t, pool.Stats{Opened: 1, Destroyed: 1}, p.Stats())

	// the next lease dials a fresh session instead of reusing the dead one
	srv.setFatal("")
	added, err := u.Handle(context.Background(), model.Notification{Domain: "x.example", Addresses: []string{"10.0.0.9"}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, uint64(2), p.Stats().Opened)
}
