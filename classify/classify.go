// Package classify decides how a query name is routed: through the primary
// upstream (proxied), to the sink address (blocked), or to the backup
// resolver. It also holds the hosts whose answers are never pushed to the
// router.
package classify

import (
	"sync/atomic"

	"github.com/treemana/rosdns/log"
)

type Sources struct {
	Proxied       string
	Blocked       string
	Excluded      string
	ExcludedHosts []string
}

type lists struct {
	proxied  *Matcher
	blocked  *Matcher
	excluded *Matcher
}

type Classifier struct {
	sources Sources
	static  bool
	current atomic.Pointer[lists]
}

func New(sources Sources) (*Classifier, error) {
	c := &Classifier{sources: sources}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic builds a classifier from in-memory entries, Reload keeps them.
func NewStatic(proxied, blocked, excluded []string) *Classifier {
	l := &lists{proxied: NewMatcher(), blocked: NewMatcher(), excluded: NewMatcher()}
	for _, e := range proxied {
		_ = l.proxied.Add(e)
	}
	for _, e := range blocked {
		_ = l.blocked.Add(e)
	}
	for _, e := range excluded {
		_ = l.excluded.Add("=" + e)
	}
	c := &Classifier{static: true}
	c.current.Store(l)
	return c
}

// Reload reads every list file again and swaps them in at once. On error the
// previous lists stay active.
func (c *Classifier) Reload() error {
	if c.static {
		return nil
	}

	next := &lists{}
	var err error
	for _, item := range []struct {
		path string
		dst  **Matcher
	}{
		{c.sources.Proxied, &next.proxied},
		{c.sources.Blocked, &next.blocked},
		{c.sources.Excluded, &next.excluded},
	} {
		var warnings []string
		if *item.dst, warnings, err = LoadFile(item.path); err != nil {
			log.Sugar.Errorf("classify load %s error=[%+v]", item.path, err)
			return err
		}
		for _, w := range warnings {
			log.Sugar.Warnf("classify %s %s", item.path, w)
		}
	}

	for _, host := range c.sources.ExcludedHosts {
		if err = next.excluded.Add("=" + host); err != nil {
			log.Sugar.Warnf("classify excluded host %s", err)
		}
	}

	c.current.Store(next)
	log.Sugar.Infof("classify loaded proxied=%d, blocked=%d, excluded=%d",
		next.proxied.Len(), next.blocked.Len(), next.excluded.Len())
	return nil
}

func (c *Classifier) IsProxied(name string) bool { return c.current.Load().proxied.Match(name) }

func (c *Classifier) IsBlocked(name string) bool { return c.current.Load().blocked.Match(name) }

// IsExcluded reports names whose resolved addresses are not announced.
func (c *Classifier) IsExcluded(name string) bool { return c.current.Load().excluded.Match(name) }

type Stats struct {
	Proxied  int `json:"proxied"`
	Blocked  int `json:"blocked"`
	Excluded int `json:"excluded"`
}

func (c *Classifier) Stats() Stats {
	l := c.current.Load()
	return Stats{Proxied: l.proxied.Len(), Blocked: l.blocked.Len(), Excluded: l.excluded.Len()}
}
