// Package admin serves the operator HTTP API: health, runtime stats, list
// reload, cache flush and the Prometheus endpoint.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treemana/rosdns/bus"
	"github.com/treemana/rosdns/cache"
	"github.com/treemana/rosdns/classify"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/pool"
)

type Api struct {
	classifier *classify.Classifier
	cache      *cache.Cache
	pool       *pool.Pool
	bus        *bus.Bus
	gatherer   prometheus.Gatherer
	token      string
	started    time.Time
}

type Options struct {
	Classifier *classify.Classifier
	Cache      *cache.Cache
	Pool       *pool.Pool
	Bus        *bus.Bus
	Gatherer   prometheus.Gatherer
	Token      string
}

type Stats struct {
	Uptime string         `json:"uptime"`
	Lists  classify.Stats `json:"lists"`
	Cache  int            `json:"cache_entries"`
	Pool   pool.Stats     `json:"pool"`
	Bus    bus.Stats      `json:"bus"`
}

func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()
	BindRoutes(r, opts)
	return r
}

func BindRoutes(r *chi.Mux, opts Options) {
	api := &Api{
		classifier: opts.Classifier,
		cache:      opts.Cache,
		pool:       opts.Pool,
		bus:        opts.Bus,
		gatherer:   opts.Gatherer,
		token:      opts.Token,
		started:    time.Now(),
	}

	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(10*time.Second))

	r.Get("/api/health", api.health)
	r.Get("/api/stats", api.stats)
	if api.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(pr chi.Router) {
		pr.Use(api.auth)
		pr.Post("/api/reload", api.reload)
		pr.Post("/api/cache/flush", api.flush)
	})
}

func (a *Api) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(h, "Bearer ")), []byte(a.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Api) stats(w http.ResponseWriter, _ *http.Request) {
	s := Stats{Uptime: time.Since(a.started).Round(time.Second).String()}
	if a.classifier != nil {
		s.Lists = a.classifier.Stats()
	}
	if a.cache != nil {
		s.Cache = a.cache.Len()
	}
	if a.pool != nil {
		s.Pool = a.pool.Stats()
	}
	if a.bus != nil {
		s.Bus = a.bus.Stats()
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *Api) reload(w http.ResponseWriter, r *http.Request) {
	if a.classifier == nil {
		http.Error(w, "no lists configured", http.StatusNotImplemented)
		return
	}
	if err := a.classifier.Reload(); err != nil {
		log.Sugar.Errorf("admin reload, request=%s, error=[%+v]", middleware.GetReqID(r.Context()), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a.classifier.Stats())
}

func (a *Api) flush(w http.ResponseWriter, r *http.Request) {
	var n int
	if a.cache != nil {
		n = a.cache.Len()
		a.cache.Purge()
	}
	log.Sugar.Infof("admin cache flushed, request=%s, entries=%d", middleware.GetReqID(r.Context()), n)
	writeJSON(w, http.StatusOK, map[string]any{"flushed": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
