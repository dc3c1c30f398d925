// Package cache keeps the answers of proxied A lookups. Entries expire a fixed
// time after they were written, the least recently used entry is evicted
// when the cache is full, and concurrent misses on one name share a single
// upstream lookup.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSize = 1000
	DefaultTTL  = 10 * time.Minute
)

type Status uint8

const (
	Miss   Status = iota // this caller ran the loader
	Hit                  // served from a stored entry
	Shared               // joined a load started by another caller
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Shared:
		return "shared"
	default:
		return "miss"
	}
}

// Loader resolves a name on a miss. It runs detached from the cancellation of
// the caller that triggered it, so it must bound itself.
type Loader func(ctx context.Context) ([]dns.RR, error)

type Cache struct {
	lru   *expirable.LRU[string, []dns.RR]
	group singleflight.Group
}

func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, []dns.RR](size, nil, ttl)}
}

// Get returns the answer for name, calling load at most once for all
// concurrent callers that miss. Empty answers and failures are handed to the
// waiting callers but not stored, so the next query loads again.
// The returned records are shared and must not be modified.
func (c *Cache) Get(ctx context.Context, name string, load Loader) ([]dns.RR, Status, error) {
	if answer, ok := c.lru.Get(name); ok {
		return answer, Hit, nil
	}

	status := Shared
	ch := c.group.DoChan(name, func() (any, error) {
		if answer, ok := c.lru.Peek(name); ok {
			status = Hit
			return answer, nil
		}

		status = Miss
		answer, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if len(answer) > 0 {
			c.lru.Add(name, answer)
		}
		return answer, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, status, res.Err
		}
		return res.Val.([]dns.RR), status, nil
	case <-ctx.Done():
		return nil, Shared, ctx.Err()
	}
}

func (c *Cache) Invalidate(name string) bool { return c.lru.Remove(name) }

func (c *Cache) Purge() { c.lru.Purge() }

func (c *Cache) Len() int { return c.lru.Len() }
