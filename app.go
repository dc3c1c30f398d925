package main

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"

	"go.uber.org/dig"

	"github.com/treemana/rosdns/admin"
	"github.com/treemana/rosdns/bus"
	"github.com/treemana/rosdns/cache"
	"github.com/treemana/rosdns/classify"
	"github.com/treemana/rosdns/config"
	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/metrics"
	"github.com/treemana/rosdns/pool"
	"github.com/treemana/rosdns/router"
	"github.com/treemana/rosdns/udp"
	"github.com/treemana/rosdns/upstream"
)

type Dependencies struct {
	dig.In

	Config     *config.Config
	Classifier *classify.Classifier
	Cache      *cache.Cache
	Pool       *pool.Pool
	Bus        *bus.Bus
	Metrics    *metrics.Metrics
	Server     *udp.Server
	Admin      *admin.Server
}

type resolvers struct {
	dig.Out

	Primary upstream.Resolver `name:"primary"`
	Backup  upstream.Resolver `name:"backup"`
}

type serverParams struct {
	dig.In

	Config     *config.Config
	Classifier *classify.Classifier
	Cache      *cache.Cache
	Primary    upstream.Resolver `name:"primary"`
	Backup     upstream.Resolver `name:"backup"`
	Bus        *bus.Bus
	Metrics    *metrics.Metrics
}

type container struct {
	*dig.Container
}

func (c *container) provide(cons ...interface{}) *dig.Container {
	for _, constructor := range cons {
		if err := c.Provide(constructor); err != nil {
			log.Sugar.Error(err)
			os.Exit(1)
		}
	}

	return c.Container
}

func setupAppContainer(cfg *config.Config) *dig.Container {
	return (&container{dig.New()}).provide(
		func() *config.Config { return cfg },
		metrics.New,
		newClassifier,
		newCache,
		newResolvers,
		newPool,
		newUpdater,
		newBus,
		newServer,
		newAdmin,
	)
}

func newClassifier(cfg *config.Config) (*classify.Classifier, error) {
	return classify.New(classify.Sources{
		Proxied:       cfg.Resolve(cfg.Lists.Proxied),
		Blocked:       cfg.Resolve(cfg.Lists.Blocked),
		Excluded:      cfg.Resolve(cfg.Lists.Excluded),
		ExcludedHosts: cfg.Lists.ExcludedHosts,
	})
}

func newCache(m *metrics.Metrics) *cache.Cache {
	c := cache.New(cache.DefaultSize, cache.DefaultTTL)
	m.WatchCache(c.Len)
	return c
}

func newResolvers(cfg *config.Config) (resolvers, error) {
	opts, err := upstreamOptions(cfg)
	if err != nil {
		return resolvers{}, err
	}
	primary, err := upstream.New(cfg.DNS.Upstream, cfg.DNS.Timeout.Std(), opts...)
	if err != nil {
		return resolvers{}, err
	}
	backup, err := upstream.New(cfg.DNS.Backup, cfg.DNS.Timeout.Std(), opts...)
	if err != nil {
		return resolvers{}, err
	}
	return resolvers{Primary: primary, Backup: backup}, nil
}

func upstreamOptions(cfg *config.Config) ([]upstream.Option, error) {
	if cfg.DNS.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.Resolve(cfg.DNS.CAFile))
	if err != nil {
		return nil, rerrors.Config("read ca_file", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, rerrors.Config("no certificate in ca_file "+cfg.DNS.CAFile, nil)
	}
	return []upstream.Option{upstream.WithTLSConfig(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12})}, nil
}

func newPool(cfg *config.Config, m *metrics.Metrics) *pool.Pool {
	dial := router.Dialer(router.Options{
		Address:        cfg.Router.Address,
		User:           cfg.Router.User,
		Password:       cfg.Router.Password,
		CommandTimeout: cfg.Router.CommandTimeout.Std(),
	})
	p := pool.New(dial, cfg.Router.MaxConnections, cfg.Router.IdleTimeout.Std())
	m.WatchPool(p)
	return p
}

func newUpdater(cfg *config.Config, p *pool.Pool) *router.Updater {
	return router.NewUpdater(p, cfg.Router.List, cfg.Router.EntryTimeout.Std(), cfg.Router.AcquireTimeout.Std())
}

func newBus(cfg *config.Config, u *router.Updater, m *metrics.Metrics) *bus.Bus {
	return bus.New(u, cfg.Bus.Workers, cfg.Bus.Queue, m)
}

func newServer(p serverParams) (*udp.Server, error) {
	return udp.New(udp.Options{
		Address:    p.Config.DNS.Listen,
		Port:       p.Config.DNS.Port,
		Sink:       net.ParseIP(p.Config.DNS.BlockAddress),
		Classifier: p.Classifier,
		Cache:      p.Cache,
		Primary:    p.Primary,
		Backup:     p.Backup,
		Publisher:  p.Bus,
		Recorder:   p.Metrics,
	})
}

// newAdmin returns nil when no listen address is configured.
func newAdmin(cfg *config.Config, c *classify.Classifier, answers *cache.Cache, p *pool.Pool, b *bus.Bus, m *metrics.Metrics) *admin.Server {
	if cfg.Admin.Listen == "" {
		return nil
	}
	return admin.NewServer(cfg.Admin.Listen, admin.NewRouter(admin.Options{
		Classifier: c,
		Cache:      answers,
		Pool:       p,
		Bus:        b,
		Gatherer:   m.Registry,
		Token:      cfg.Admin.Token,
	}))
}
