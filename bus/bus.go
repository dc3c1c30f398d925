// Package bus delivers notifications from the DNS server to their consumer on
// a fixed set of worker goroutines. Publishing never waits for delivery.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/model"
)

const (
	defaultWorkers = 8
	defaultQueue   = 1024
	defaultTimeout = time.Minute
)

// Handler consumes one notification and reports how many addresses it
// changed. The result is only logged.
type Handler interface {
	Handle(ctx context.Context, n model.Notification) (int, error)
}

type HandlerFunc func(ctx context.Context, n model.Notification) (int, error)

func (f HandlerFunc) Handle(ctx context.Context, n model.Notification) (int, error) {
	return f(ctx, n)
}

type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
}

// Observer is told about every delivery outcome, metrics implement it.
type Observer interface {
	Delivered(elapsed time.Duration, err error)
	Dropped()
}

type Bus struct {
	handler  Handler
	observer Observer
	workers  int
	timeout  time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan model.Notification
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool

	published, dropped, delivered, failed atomic.Uint64
}

func New(handler Handler, workers, queue int, observer Observer) *Bus {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Bus{
		handler:  handler,
		observer: observer,
		workers:  workers,
		timeout:  defaultTimeout,
		queue:    make(chan model.Notification, queue),
	}
}

func (b *Bus) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}

	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())

	b.wg.Add(b.workers)
	for i := 0; i < b.workers; i++ {
		go func() {
			defer b.wg.Done()
			b.work(ctx)
		}()
	}
	log.Sugar.Infof("bus running with %d workers", b.workers)
}

// Publish enqueues n and returns at once. When the queue is full or the bus
// is stopped the notification is dropped and false is returned.
func (b *Bus) Publish(n model.Notification) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.drop(n, "stopped")
		return false
	}

	select {
	case b.queue <- n:
		b.published.Add(1)
		return true
	default:
		b.drop(n, "queue full")
		return false
	}
}

func (b *Bus) drop(n model.Notification, reason string) {
	b.dropped.Add(1)
	if b.observer != nil {
		b.observer.Dropped()
	}
	log.Sugar.Warnf("bus drop domain=%s, address=%v: %s", n.Domain, n.Addresses, reason)
}

func (b *Bus) work(ctx context.Context) {
	for n := range b.queue {
		hctx, cancel := context.WithTimeout(ctx, b.timeout)
		start := time.Now()
		added, err := b.handler.Handle(hctx, n)
		elapsed := time.Since(start)
		cancel()

		if b.observer != nil {
			b.observer.Delivered(elapsed, err)
		}
		if err != nil {
			b.failed.Add(1)
			log.Sugar.Errorf("bus domain=%s, address=%v, error=[%+v], cost %s", n.Domain, n.Addresses, err, elapsed)
			continue
		}
		b.delivered.Add(1)
		log.Sugar.Infof("bus domain=%s, address=%v, added=%d, cost %s", n.Domain, n.Addresses, added, elapsed)
	}
}

// Stop refuses new notifications, lets the workers finish what is queued
// and returns. Handlers still running when ctx ends are cancelled.
func (b *Bus) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	if !b.running.Load() {
		return
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.cancel()
		<-done
	}
	log.Sugar.Info("bus stopped")
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Queued:    len(b.queue),
	}
}
