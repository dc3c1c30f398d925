// Package pool shares a bounded set of authenticated router connections
// between concurrent callers.
//
// Callers that find no idle connection and no free slot queue up in FIFO
// order. A released connection goes straight to the oldest waiter when one
// exists and to the idle queue otherwise. Evict, run periodically, pairs
// stranded waiters with idle connections and closes connections that stayed
// idle for too long, one per call.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
)

const (
	DefaultMaxConns    = 10
	DefaultIdleTimeout = 30 * time.Second
)

// Conn is an authenticated command channel to the router.
type Conn interface {
	// Execute runs one API sentence. A refusal by the router is reported
	// as COMMAND_REJECTED, anything else means the channel is unusable.
	Execute(ctx context.Context, sentence []string) ([]map[string]string, error)
	Connected() bool
	Close() error
}

// Dialer opens and authenticates a new Conn.
type Dialer func(ctx context.Context) (Conn, error)

const (
	stateIdle int32 = iota
	stateInUse
	stateDetached
)

type entry struct {
	key    uint64
	conn   Conn
	state  atomic.Int32
	idleAt atomic.Int64 // unix nano of the last release to the idle queue
}

type Stats struct {
	Live      int    `json:"live"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Waiting   int    `json:"waiting"`
	Opened    uint64 `json:"opened"`
	Destroyed uint64 `json:"destroyed"`
}

type Pool struct {
	dial        Dialer
	max         int32
	idleTimeout time.Duration
	now         func() time.Time

	live    atomic.Int32
	conns   sync.Map // key -> *entry
	idle    fifo[*entry]
	waiters fifo[*waiter]
	closed  atomic.Bool

	opened, destroyed atomic.Uint64
}

func New(dial Dialer, maxConns int, idleTimeout time.Duration) *Pool {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		dial:        dial,
		max:         int32(maxConns),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Acquire returns an idle connection, opens a new one while the pool is
// below capacity, or waits in line for a release. Dial and login failures
// are returned as they are, without retry.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	for {
		if p.closed.Load() {
			return nil, rerrors.ErrPoolClosed
		}

		if e := p.popIdle(); e != nil {
			return p.checkout(e), nil
		}

		if p.reserve() {
			return p.open(ctx)
		}

		w := newWaiter()
		p.waiters.push(w)
		p.kick()

		if p.closed.Load() && w.cancel() {
			return nil, rerrors.ErrPoolClosed
		}

		// a slot freed between reserve and push, take it instead of waiting
		if p.live.Load() < p.max && w.cancel() {
			continue
		}

		e, err := p.wait(ctx, w)
		if err != nil {
			return nil, err
		}
		if e == slotFreed {
			continue
		}
		return p.checkout(e), nil
	}
}

// slotFreed wakes a waiter without a connection: a live connection was
// destroyed and the waiter may open one itself.
var slotFreed = &entry{}

func (p *Pool) wait(ctx context.Context, w *waiter) (*entry, error) {
	select {
	case e := <-w.ch:
		if e == nil {
			return nil, rerrors.ErrPoolClosed
		}
		return e, nil
	case <-ctx.Done():
		if w.cancel() {
			return nil, ctx.Err()
		}
		// fulfilled while giving up, pass it on
		switch e := <-w.ch; e {
		case nil:
		case slotFreed:
			p.signalSlot()
		default:
			p.release(e)
		}
		return nil, ctx.Err()
	}
}

// signalSlot wakes the oldest waiter after capacity was given back.
func (p *Pool) signalSlot() {
	for {
		w := p.popWaiter()
		if w == nil || w.fulfill(slotFreed) {
			return
		}
	}
}

func (p *Pool) reserve() bool {
	for {
		n := p.live.Load()
		if n >= p.max {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *Pool) open(ctx context.Context) (*PooledConn, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		p.live.Add(-1)
		p.signalSlot()
		log.Sugar.Warnf("pool open error=[%+v]", err)
		return nil, err
	}

	e := &entry{key: rand.Uint64(), conn: conn}
	e.state.Store(stateInUse)
	p.conns.Store(e.key, e)
	p.opened.Add(1)
	log.Sugar.Infof("pool conn=%x opened, live=%d", e.key, p.live.Load())

	if p.closed.Load() {
		p.destroy(e, "pool closed")
		return nil, rerrors.ErrPoolClosed
	}
	return p.checkout(e), nil
}

func (p *Pool) checkout(e *entry) *PooledConn {
	e.state.Store(stateInUse)
	return &PooledConn{pool: p, e: e}
}

// popIdle returns the oldest idle connection that is still connected.
// Offline entries met on the way are destroyed.
func (p *Pool) popIdle() *entry {
	for {
		e, ok := p.idle.pop()
		if !ok {
			return nil
		}
		if e.conn.Connected() {
			return e
		}
		p.destroy(e, "offline while idle")
	}
}

// popWaiter returns the oldest waiter that has not given up yet.
func (p *Pool) popWaiter() *waiter {
	for {
		w, ok := p.waiters.pop()
		if !ok {
			return nil
		}
		if w.pending() {
			return w
		}
	}
}

// handoff gives e to the oldest waiter and reports whether one took it.
func (p *Pool) handoff(e *entry) bool {
	for {
		w := p.popWaiter()
		if w == nil {
			return false
		}
		if w.fulfill(e) {
			log.Sugar.Debugf("pool conn=%x handed to waiter", e.key)
			return true
		}
	}
}

// kick pairs idle connections with waiters until one side runs out.
func (p *Pool) kick() {
	for p.hasWaiters() {
		e := p.popIdle()
		if e == nil {
			return
		}
		if !p.handoff(e) {
			p.idle.pushFront(e)
			return
		}
	}
}

func (p *Pool) hasWaiters() bool {
	found := false
	p.waiters.each(func(w *waiter) {
		found = found || w.pending()
	})
	return found
}

// release puts a connection back into service or destroys it when it is no
// longer connected.
func (p *Pool) release(e *entry) {
	if p.closed.Load() {
		p.destroy(e, "pool closed")
		return
	}
	if !e.conn.Connected() {
		p.destroy(e, "offline on release")
		return
	}

	if p.handoff(e) {
		return
	}

	e.idleAt.Store(p.now().UnixNano())
	e.state.Store(stateIdle)
	p.idle.push(e)

	// a waiter may have queued after handoff looked
	p.kick()
}

// destroy closes e and removes it from the pool. It is safe to call more
// than once for the same entry.
func (p *Pool) destroy(e *entry, reason string) {
	e.state.Store(stateDetached)
	if e.conn.Connected() {
		if err := e.conn.Close(); err != nil {
			log.Sugar.Warnf("pool conn=%x close error=[%+v]", e.key, err)
		}
	}
	if _, loaded := p.conns.LoadAndDelete(e.key); loaded {
		p.live.Add(-1)
		p.destroyed.Add(1)
		log.Sugar.Infof("pool conn=%x destroyed: %s, live=%d", e.key, reason, p.live.Load())
		if !p.closed.Load() {
			p.signalSlot()
		}
	}
}

// Evict does one bounded maintenance pass. A pending waiter is paired with an
// idle connection first, then at most one other idle connection is checked
// against the idle timeout. Detached entries without transport are dropped
// last.
func (p *Pool) Evict() {
	var touched *entry
	if p.hasWaiters() {
		if e := p.popIdle(); e != nil {
			touched = e
			if !p.handoff(e) {
				p.idle.pushFront(e)
			}
		}
	}

	if e, ok := p.idle.pop(); ok {
		switch {
		case e == touched:
			// already handled by the pairing step, leave it for the next pass
			p.idle.pushFront(e)
		case p.now().Sub(time.Unix(0, e.idleAt.Load())) >= p.idleTimeout:
			p.destroy(e, "idle timeout")
		case !e.conn.Connected():
			p.destroy(e, "offline while idle")
		default:
			p.idle.pushFront(e)
		}
	}

	p.conns.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.state.Load() == stateDetached && !e.conn.Connected() {
			p.destroy(e, "detached")
		}
		return true
	})
}

// Run calls Evict every interval until ctx ends.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Evict()
		case <-ctx.Done():
			return
		}
	}
}

// Close fails all waiters and closes idle connections. Connections in use
// are closed when their holders release them.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for w := p.popWaiter(); w != nil; w = p.popWaiter() {
		w.fulfill(nil)
	}
	for e, ok := p.idle.pop(); ok; e, ok = p.idle.pop() {
		p.destroy(e, "pool closed")
	}
	log.Sugar.Infof("pool closed, live=%d", p.live.Load())
}

func (p *Pool) Stats() Stats {
	st := Stats{
		Live:      int(p.live.Load()),
		Idle:      p.idle.len(),
		Opened:    p.opened.Load(),
		Destroyed: p.destroyed.Load(),
	}
	p.conns.Range(func(_, v any) bool {
		if v.(*entry).state.Load() == stateInUse {
			st.InUse++
		}
		return true
	})
	p.waiters.each(func(w *waiter) {
		if w.pending() {
			st.Waiting++
		}
	})
	return st
}

// PooledConn is a connection on loan from the pool. Close hands it back.
type PooledConn struct {
	pool *Pool
	e    *entry
	done atomic.Bool
}

func (c *PooledConn) Key() uint64 { return c.e.key }

func (c *PooledConn) String() string { return fmt.Sprintf("%x", c.e.key) }

// Execute runs one sentence. A COMMAND_REJECTED error leaves the connection
// usable, any other error destroys it before being returned.
func (c *PooledConn) Execute(ctx context.Context, sentence []string) ([]map[string]string, error) {
	if c.done.Load() {
		return nil, rerrors.Transport(fmt.Sprintf("conn=%x already released", c.e.key), nil)
	}

	rows, err := c.e.conn.Execute(ctx, sentence)
	if err == nil {
		return rows, nil
	}
	if rerrors.Is(err, rerrors.ErrCommandRejected) {
		log.Sugar.Warnf("pool conn=%x command rejected error=[%+v]", c.e.key, err)
		return nil, err
	}

	log.Sugar.Errorf("pool conn=%x execute error=[%+v]", c.e.key, err)
	c.pool.destroy(c.e, "execute failed")
	return nil, err
}

// Close returns a connected connection to the pool and purges an offline
// one. Only the first call has an effect.
func (c *PooledConn) Close() error {
	if !c.done.CompareAndSwap(false, true) {
		return nil
	}
	if c.e.state.Load() == stateDetached {
		c.pool.destroy(c.e, "released after failure")
		return nil
	}
	c.pool.release(c.e)
	return nil
}
