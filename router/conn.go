package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-routeros/routeros/v3"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/pool"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultCommandTimeout = 10 * time.Second

	fatalWord = "!fatal"
)

type Options struct {
	Address        string
	User           string
	Password       string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Conn is one logged in RouterOS API session. Sentences on a Conn are
// serialized.
type Conn struct {
	raw     net.Conn
	client  *routeros.Client
	timeout time.Duration
	online  atomic.Bool
	mu      sync.Mutex
}

// Dial opens a TCP connection to the router API and logs in. A network
// failure or a !fatal reply is CONNECT_FAILURE, a refused login is
// AUTH_FAILURE.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, rerrors.Connect(opts.Address, err)
	}

	c := &Conn{raw: raw, timeout: opts.CommandTimeout}
	if err = raw.SetDeadline(time.Now().Add(opts.DialTimeout)); err != nil {
		_ = raw.Close()
		return nil, rerrors.Connect(opts.Address, err)
	}

	if c.client, err = routeros.NewClient(raw); err != nil {
		_ = raw.Close()
		return nil, rerrors.Connect(opts.Address, err)
	}

	if err = c.client.Login(opts.User, opts.Password); err != nil {
		_ = c.client.Close()
		if rejected(err) {
			return nil, rerrors.Auth(fmt.Sprintf("login %s@%s", opts.User, opts.Address), err)
		}
		return nil, rerrors.Connect(opts.Address, err)
	}

	_ = raw.SetDeadline(time.Time{})
	c.online.Store(true)
	log.Sugar.Debugf("router %s logged in as %s", opts.Address, opts.User)
	return c, nil
}

// Dialer adapts Dial to the pool.
func Dialer(opts Options) pool.Dialer {
	return func(ctx context.Context) (pool.Conn, error) {
		c, err := Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Execute runs one sentence and returns the attribute map of every !re
// reply. A !trap from the router is COMMAND_REJECTED and leaves the session
// usable. Any other failure, !fatal included, takes the session offline.
func (c *Conn) Execute(ctx context.Context, sentence []string) ([]map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.online.Load() {
		return nil, rerrors.Transport("session offline", nil)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.raw.SetDeadline(deadline); err != nil {
		c.online.Store(false)
		return nil, rerrors.Transport("set deadline", err)
	}

	reply, err := c.client.RunArgs(sentence)
	if err != nil {
		if rejected(err) {
			return nil, rerrors.Rejected(sentence[0], err)
		}
		c.online.Store(false)
		return nil, rerrors.Transport(sentence[0], err)
	}

	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return rows, nil
}

// rejected reports a !trap reply. The router sends !fatal right before it
// closes the session.
func rejected(err error) bool {
	var de *routeros.DeviceError
	return errors.As(err, &de) && de.Sentence != nil && de.Sentence.Word != fatalWord
}

func (c *Conn) Connected() bool { return c.online.Load() }

func (c *Conn) Close() error {
	c.online.Store(false)
	return c.client.Close()
}
