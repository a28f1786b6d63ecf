// Package retention physically removes tombstoned writs from the local
// store on a cron schedule.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"pactcache/pkg/config"
	"pactcache/pkg/logger"
	"pactcache/pkg/store"
	"pactcache/pkg/timekey"
)

// ErrInvalidCron is returned by Start for an unparseable schedule.
var ErrInvalidCron = errors.New("invalid retention cron expression")

// Purger is the part of the store a retention run needs.
type Purger interface {
	PurgeTombstones(cutoff timekey.Key, limit int, dryRun bool) (store.PurgeResult, error)
}

// Job runs purges. Runs never overlap.
type Job struct {
	p   Purger
	cfg config.RetentionConfig
	now func() time.Time

	mu sync.Mutex
}

func New(p Purger, cfg config.RetentionConfig) *Job {
	return &Job{p: p, cfg: cfg, now: time.Now}
}

// Cutoff is the key below which tombstones are old enough to purge.
func (j *Job) Cutoff() timekey.Key {
	return timekey.FromTime(j.now().Add(-time.Duration(j.cfg.Period)))
}

// RunOnce purges in batches until a batch comes back short. A dry run
// only counts, so it makes a single unbounded pass.
func (j *Job) RunOnce(ctx context.Context) (store.PurgeResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	cutoff := j.Cutoff()
	var total store.PurgeResult
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		limit := j.cfg.BatchSize
		if j.cfg.DryRun {
			limit = 0
		}
		res, err := j.p.PurgeTombstones(cutoff, limit, j.cfg.DryRun)
		total.Scanned += res.Scanned
		total.Purged += res.Purged
		if err != nil {
			logger.Error("retention_run_failed", "purged", total.Purged, "error", err)
			return total, errors.Wrap(err, "purge tombstones")
		}
		if j.cfg.DryRun || limit <= 0 || res.Purged < limit {
			break
		}
	}
	logger.Info("retention_run_complete",
		"cutoff", cutoff.Time().Format(time.RFC3339),
		"scanned", humanize.Comma(int64(total.Scanned)),
		"purged", humanize.Comma(int64(total.Purged)),
		"dry_run", j.cfg.DryRun,
		"took", time.Since(start).String())
	return total, nil
}

// Start runs the scheduler until ctx is done or the returned cancel is
// called. A disabled job returns a no-op cancel.
func (j *Job) Start(ctx context.Context) (context.CancelFunc, error) {
	if !j.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	cronExpr := j.cfg.Cron
	if cronExpr == "" {
		cronExpr = config.DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cronExpr)
		return nil, errors.Mark(errors.Newf("%q", cronExpr), ErrInvalidCron)
	}

	ctx2, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.runScheduler(ctx2, cronExpr)
	}()
	logger.Info("retention_scheduler_started", "cron", cronExpr, "period", j.cfg.Period.String(), "dry_run", j.cfg.DryRun)
	return func() {
		cancel()
		<-done
	}, nil
}

// runScheduler sleeps until the next cron tick and runs a purge.
func (j *Job) runScheduler(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, j.now().UTC(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			next = j.now().Add(30 * time.Second)
		}

		t := time.NewTimer(time.Until(next))
		select {
		case <-t.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			t.Stop()
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}
