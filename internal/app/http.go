package app

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"pactcache/pkg/api"
	"pactcache/pkg/store"
)

// Addr returns the listener address once Run has started serving.
func (a *App) Addr() net.Addr {
	select {
	case <-a.listening:
		return a.ln.Addr()
	default:
		return nil
	}
}

// Listening is closed once the HTTP listener is open.
func (a *App) Listening() <-chan struct{} { return a.listening }

// startHTTP opens the listener and serves the API in the background,
// returning a channel that delivers a fatal server error.
func (a *App) startHTTP(ctx context.Context) (<-chan error, error) {
	opts := api.Options{
		MaxWritBytes: a.cfg.Cache.MaxWritBytes.Int64(),
		Version:      a.versionString(),
	}
	if a.job != nil {
		opts.Purge = func(ctx context.Context) (store.PurgeResult, error) {
			return a.job.RunOnce(ctx)
		}
	}
	handler := api.New(ctx, a.reg, opts).Handler()

	const (
		readBufferSize       = 64 * 1024        // 64 KiB read buffer per connection
		readTimeout          = 10 * time.Second // timeout for reading request
		writeTimeout         = 30 * time.Second // covers backfills triggered by subscribe
		idleTimeout          = 30 * time.Second // max keep-alive idle duration per connection
		maxKeepaliveDuration = 2 * time.Minute  // max duration for keep-alive connection
	)
	// the API answers 413 itself; leave headroom so it sees oversized bodies
	maxRequestBodySize := int(a.cfg.Cache.MaxWritBytes.Int64())*2 + 4096
	a.srvFast = &fasthttp.Server{
		Name:                 "pactcache",
		Handler:              handler,
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}

	ln, err := net.Listen("tcp4", a.cfg.Addr())
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", a.cfg.Addr())
	}
	a.ln = ln
	close(a.listening)

	errCh := make(chan error, 1)
	go func() {
		// TLS is left to a fronting proxy
		if err := a.srvFast.Serve(ln); err != nil {
			errCh <- err
		}
	}()
	return errCh, nil
}
