// Package api serves the HTTP inspection and control surface over a
// chat.Registry.
package api

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"pactcache/pkg/chat"
	"pactcache/pkg/router"
	"pactcache/pkg/store"
)

var (
	gcPauseTotal = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pactcache_gc_pause_total_ns",
			Help: "Total GC pause time in nanoseconds.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.PauseTotalNs)
		},
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pactcache_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	// go_goroutines is already exported by the default Go collector
	prometheus.MustRegister(gcPauseTotal)
	prometheus.MustRegister(heapAlloc)
}

// Defaults applied when Options leaves a field at zero.
const (
	DefaultMaxWritBytes   = 64 << 10
	DefaultRequestTimeout = 10 * time.Second
	DefaultPageLimit      = 100
	MaxPageLimit          = 1000
)

// Options configure the API.
type Options struct {
	// MaxWritBytes bounds the body of a message send.
	MaxWritBytes int64
	// RequestTimeout bounds calls that reach the backing store.
	RequestTimeout time.Duration
	// Purge runs one retention pass; nil disables POST /admin/jobs/purge.
	Purge func(ctx context.Context) (store.PurgeResult, error)
	// Version is reported by /admin/health.
	Version string
}

// API holds the handlers. Requests run under Base so shutdown cancels
// anything still waiting on the backing store.
type API struct {
	reg  *chat.Registry
	opts Options
	base context.Context
}

func New(base context.Context, reg *chat.Registry, opts Options) *API {
	if opts.MaxWritBytes <= 0 {
		opts.MaxWritBytes = DefaultMaxWritBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &API{reg: reg, opts: opts, base: base}
}

// wrapHTTPHandler wraps an http.Handler to work with fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// RegisterRoutes wires all API routes onto r.
func (a *API) RegisterRoutes(r *router.Router) {
	// conversations
	r.GET("/v1/pacts", a.ListPacts)
	r.POST("/v1/pacts/{whom}/subscribe", a.Subscribe)
	r.DELETE("/v1/pacts/{whom}/subscribe", a.Unsubscribe)
	r.POST("/v1/pacts/{whom}/older", a.LoadOlder)

	// messages
	r.GET("/v1/pacts/{whom}/writs", a.ListWrits)
	r.POST("/v1/pacts/{whom}/writs", a.SendWrit)
	r.GET("/v1/pacts/{whom}/writs/{id}", a.GetWrit)
	r.DELETE("/v1/pacts/{whom}/writs/{id}", a.DeleteWrit)
	r.GET("/v1/pacts/{whom}/writs/{id}/replies", a.ListReplies)

	// admin
	r.GET("/admin/health", a.Health)
	r.GET("/admin/stats", a.Stats)
	r.POST("/admin/jobs/purge", a.RunPurge)

	// admin debug routes
	r.GET("/admin/debug/prometheus", wrapHTTPHandler(promhttp.Handler()))
	r.GET("/admin/debug/pprof/", wrapHTTPHandler(http.HandlerFunc(pprof.Index)))
	r.GET("/admin/debug/pprof/profile", wrapHTTPHandler(http.HandlerFunc(pprof.Profile)))
	r.GET("/admin/debug/pprof/trace", wrapHTTPHandler(http.HandlerFunc(pprof.Trace)))
	r.GET("/admin/debug/pprof/cmdline", wrapHTTPHandler(http.HandlerFunc(pprof.Cmdline)))
	r.GET("/admin/debug/pprof/symbol", wrapHTTPHandler(http.HandlerFunc(pprof.Symbol)))
	r.GET("/admin/debug/pprof/{name}", namedProfile)
}

// namedProfile serves the runtime profiles linked from the pprof index
// (heap, goroutine, allocs, ...).
func namedProfile(ctx *fasthttp.RequestCtx) {
	wrapHTTPHandler(pprof.Handler(router.PathParam(ctx, "name")))(ctx)
}

// Handler returns the routed fasthttp handler.
func (a *API) Handler() fasthttp.RequestHandler {
	r := router.New()
	a.RegisterRoutes(r)
	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})
	return r.Handler
}

func (a *API) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.base, a.opts.RequestTimeout)
}
