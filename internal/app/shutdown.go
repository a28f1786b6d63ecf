package app

import (
	"context"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/logger"
)

// Shutdown stops the listener first so no request races the teardown,
// then the background jobs, the registry and finally the backing store.
// It gives up waiting on the HTTP server when ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	a.setState("shutting_down")
	logger.Info("shutdown_requested")
	var errs error

	if a.srvFast != nil {
		done := make(chan error, 1)
		go func() { done <- a.srvFast.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Error("shutdown_http_failed", "error", err)
				errs = errors.CombineErrors(errs, err)
			}
		case <-ctx.Done():
			logger.Warn("shutdown_http_timeout")
			errs = errors.CombineErrors(errs, ctx.Err())
		}
	}

	if a.retentionCancel != nil {
		logger.Info("shutdown_stopping_retention")
		a.retentionCancel()
	}
	if a.resyncCancel != nil {
		a.resyncCancel()
		<-a.resyncDone
	}
	if a.unobserve != nil {
		a.unobserve()
	}

	if a.reg != nil {
		if err := a.reg.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if a.local != nil {
		_ = a.local.Close()
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if a.st != nil {
		logger.Info("shutdown_closing_store")
		if err := a.st.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	if errs == nil {
		a.setState("stopped")
		logger.Info("shutdown_complete")
	}
	return errs
}
