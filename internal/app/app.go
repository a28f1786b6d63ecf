// Package app wires the configured backing store, the conversation
// registry, the retention job and the HTTP API into one process.
package app

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"pactcache/internal/retention"
	"pactcache/pkg/chat"
	"pactcache/pkg/config"
	"pactcache/pkg/logger"
	"pactcache/pkg/models"
	"pactcache/pkg/reconcile"
	"pactcache/pkg/store"
	"pactcache/pkg/transport"
	"pactcache/pkg/urbit"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	cfg       *config.Config
	version   string
	commit    string
	buildDate string

	tr     transport.Transport
	st     *store.Store  // local mode
	local  *store.Local  // local mode
	client *urbit.Client // urbit mode
	reg    *chat.Registry
	job    *retention.Job // nil unless local mode

	retentionCancel context.CancelFunc
	resyncCancel    context.CancelFunc
	resyncDone      chan struct{}
	unobserve       func()

	srvFast   *fasthttp.Server
	ln        net.Listener
	listening chan struct{}

	mu    sync.Mutex
	state string
}

// New connects to the configured backing store and builds the registry.
// Nothing is subscribed and no listener is opened until Run.
func New(ctx context.Context, eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	cfg := eff.Config
	if cfg == nil {
		return nil, errors.New("no configuration")
	}
	a := &App{
		eff:       eff,
		cfg:       cfg,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		listening: make(chan struct{}),
		state:     "initializing",
	}

	our := cfg.Urbit.Ship
	switch cfg.Store.Mode {
	case config.StoreLocal:
		st, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			return nil, errors.Wrapf(err, "open pebble at %s", cfg.Store.DBPath)
		}
		a.st = st
		a.local = store.NewLocal(st)
		a.tr = a.local
		a.job = retention.New(st, cfg.Retention)
	case config.StoreUrbit:
		client, err := urbit.Dial(ctx, cfg.Urbit.URL, cfg.Urbit.Code, urbit.Options{
			Ship:      cfg.Urbit.Ship,
			PokeRate:  cfg.Urbit.PokeRPS,
			PokeBurst: cfg.Urbit.PokeBurst,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "connect to %s", cfg.Urbit.URL)
		}
		a.client = client
		a.tr = urbit.NewChat(client)
		our = client.Ship()
	default:
		return nil, errors.Newf("unknown store mode %q", cfg.Store.Mode)
	}

	a.reg = chat.NewRegistry(a.tr, chat.Options{
		Our: our,
		Reconcile: reconcile.Options{
			BackfillCount: cfg.Cache.BackfillCount,
			BatchSize:     cfg.Cache.BatchSize,
			QueueCapacity: cfg.Cache.QueueCapacity,
		},
		NotifyDelay: cfg.Cache.NotifyDelay.Duration(),
	})
	logger.Info("app_initialized", "store", cfg.Store.Mode, "our", our)
	return a, nil
}

// Registry exposes the conversation registry.
func (a *App) Registry() *chat.Registry { return a.reg }

// Transport is the backing store the registry mirrors.
func (a *App) Transport() transport.Transport { return a.tr }

func (a *App) setState(s string) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// State reports the lifecycle stage.
func (a *App) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run subscribes the configured conversations, starts the resync loop,
// the retention scheduler and the HTTP server, and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	logger.LogConfigSummary("config_summary", a.cfg.Summary())
	a.unobserve = a.reg.Observe(func(w models.Whom) {
		logger.Debug("conversation_changed", "whom", w.String())
	})

	if a.job != nil {
		cancel, err := a.job.Start(ctx)
		if err != nil {
			return err
		}
		a.retentionCancel = cancel
	}

	a.subscribeConfigured(ctx)
	a.startResync(ctx)

	errCh, err := a.startHTTP(ctx)
	if err != nil {
		return err
	}
	a.setState("running")
	logger.Info("app_running", "addr", a.ln.Addr().String(), "version", a.versionString())

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) versionString() string {
	v := a.version
	if a.commit != "" && a.commit != "none" {
		v += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		v += " @ " + a.buildDate
	}
	return v
}

// subscribeConfigured mirrors cache.subscribe. A failed backfill is
// logged and left to the resync loop.
func (a *App) subscribeConfigured(ctx context.Context) {
	for _, raw := range a.cfg.Cache.Subscribe {
		whom, err := models.ParseWhom(raw)
		if err != nil {
			logger.Warn("subscribe_skipped", "whom", raw, "error", err)
			continue
		}
		if _, err := a.reg.Subscribe(ctx, whom); err != nil {
			logger.Warn("subscribe_backfill_failed", "whom", whom.String(), "error", err)
		}
	}
}

// startResync periodically retries conversations whose feed ended or whose
// backfill failed.
func (a *App) startResync(ctx context.Context) {
	interval := a.cfg.Cache.ResyncInterval.Duration()
	if interval <= 0 {
		interval = config.DefaultResyncInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	a.resyncCancel = cancel
	a.resyncDone = make(chan struct{})
	go func() {
		defer close(a.resyncDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := a.reg.Resync(ctx)
				if n > 0 {
					logger.Info("resync_completed", "conversations", n, "failed", err != nil)
				}
			}
		}
	}()
}
