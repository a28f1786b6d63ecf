// Package reconcile keeps a Pact in step with its backing store: it
// backfills the newest writs, then applies the live delta feed.
package reconcile

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/logger"
	"pactcache/pkg/metrics"
	"pactcache/pkg/models"
	"pactcache/pkg/pact"
	"pactcache/pkg/timekey"
	"pactcache/pkg/transport"
)

// Defaults used when Options leaves a field at zero.
const (
	DefaultBackfillCount = 100
	DefaultBatchSize     = 256
	DefaultQueueCapacity = 4096
)

// Options tune a Reconciler.
type Options struct {
	// BackfillCount bounds the initial "newest N" fetch.
	BackfillCount int
	// BatchSize caps how many queued deltas are applied per publish.
	BatchSize int
	// QueueCapacity caps deltas waiting to be applied. Feed deltas held
	// during a backfill beyond it close the feed.
	QueueCapacity int
	// Notify is called with the conversation after each published change.
	Notify func(models.Whom)
}

func (o Options) withDefaults() Options {
	if o.BackfillCount <= 0 {
		o.BackfillCount = DefaultBackfillCount
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	return o
}

type item struct {
	delta models.Delta
	// ack receives the merge result for local submissions; nil for feed deltas.
	ack chan error
}

type backfillJob struct {
	deltas []models.Delta
	done   chan struct{}
	err    error
}

// Reconciler is the single mutation path for one Pact. All deltas, whether
// from the feed, from local writes or from a backfill, are applied by one
// goroutine in the order they were accepted.
type Reconciler struct {
	whom models.Whom
	pact *pact.Pact
	tr   transport.Transport
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fill sync.Mutex // one backfill at a time

	mu     sync.Mutex
	state  State
	feed   transport.Feed
	held   []item // accepted while not live
	queue  []item // ready to apply
	job    *backfillJob
	closed chan struct{}
	signal chan struct{}
}

// New returns a Reconciler for p. Nothing is fetched until Start.
func New(p *pact.Pact, tr transport.Transport, opts Options) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		whom:   p.Whom(),
		pact:   p,
		tr:     tr,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Whom returns the conversation being reconciled.
func (r *Reconciler) Whom() models.Whom { return r.whom }

// Pact returns the Pact this reconciler owns.
func (r *Reconciler) Pact() *pact.Pact { return r.pact }

// State returns the current lifecycle stage.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins reconciliation: the feed is opened first so nothing that
// happens during the backfill is missed, then the newest writs are
// fetched. A transport error leaves the reconciler Backfilling; call
// Backfill to retry. Starting a Live reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) error {
	return r.Backfill(ctx)
}

// Backfill fetches the newest writs and applies them as one batch, then
// releases the deltas held back meanwhile and goes Live. It is a no-op once
// Live. There is no internal retry.
func (r *Reconciler) Backfill(ctx context.Context) error {
	r.fill.Lock()
	defer r.fill.Unlock()

	r.mu.Lock()
	switch r.state {
	case Closed:
		r.mu.Unlock()
		return errors.Mark(errors.Newf("backfill %s after close", r.whom), ErrStaleMutation)
	case Live:
		r.mu.Unlock()
		return nil
	case Uninitialized:
		r.state = Backfilling
		r.wg.Add(1)
		go r.run()
	}
	r.mu.Unlock()

	begin := time.Now()
	if err := r.ensureFeed(); err != nil {
		metrics.Backfills.WithLabelValues("error").Inc()
		logger.Warn("backfill_failed", "whom", r.whom.String(), "stage", "feed", "error", err)
		return err
	}

	writs, err := r.tr.FetchNewest(ctx, r.whom, r.opts.BackfillCount)
	if err != nil {
		metrics.Backfills.WithLabelValues("error").Inc()
		logger.Warn("backfill_failed", "whom", r.whom.String(), "stage", "fetch", "error", err)
		if !transport.IsFailure(err) {
			err = transport.Fail(err, "fetch newest %d for %s", r.opts.BackfillCount, r.whom)
		}
		return err
	}

	slices.SortStableFunc(writs, func(a, b models.Writ) int { return timekey.Compare(a.Time, b.Time) })
	deltas := make([]models.Delta, len(writs))
	for i, w := range writs {
		deltas[i] = models.AddDelta(w)
	}

	job := &backfillJob{deltas: deltas, done: make(chan struct{})}
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return errors.Mark(errors.Newf("backfill %s after close", r.whom), ErrStaleMutation)
	}
	r.job = job
	r.mu.Unlock()
	r.wake()

	select {
	case <-job.done:
	case <-r.closed:
		return errors.Mark(errors.Newf("%s closed during backfill", r.whom), ErrStaleMutation)
	}
	if job.err != nil {
		metrics.Backfills.WithLabelValues("error").Inc()
		logger.Warn("backfill_failed", "whom", r.whom.String(), "stage", "feed", "error", job.err)
		return job.err
	}
	metrics.Backfills.WithLabelValues("ok").Inc()
	metrics.BackfillDuration.Observe(time.Since(begin).Seconds())
	logger.Info("backfill_done", "whom", r.whom.String(), "writs", len(writs), "took", time.Since(begin))
	return nil
}

func (r *Reconciler) ensureFeed() error {
	r.mu.Lock()
	have := r.feed != nil
	r.mu.Unlock()
	if have {
		return nil
	}
	feed, err := r.tr.OpenFeed(r.ctx, r.whom)
	if err != nil {
		if !transport.IsFailure(err) {
			err = transport.Fail(err, "open feed for %s", r.whom)
		}
		return err
	}
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		_ = feed.Close()
		return errors.Mark(errors.Newf("%s closed while opening feed", r.whom), ErrStaleMutation)
	}
	r.feed = feed
	r.wg.Add(1)
	r.mu.Unlock()
	go r.pump(feed)
	return nil
}

// Submit queues a delta and waits until it has been applied. It returns
// the merge error for that delta, if any.
func (r *Reconciler) Submit(ctx context.Context, d models.Delta) error {
	return r.SubmitBatch(ctx, []models.Delta{d})
}

// SubmitBatch queues deltas back to back and waits for all of them. It
// returns the first merge error; the other deltas still apply.
func (r *Reconciler) SubmitBatch(ctx context.Context, deltas []models.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	acks := make([]chan error, len(deltas))
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return r.stale(deltas[0])
	}
	if len(r.held)+len(r.queue)+len(deltas) > r.opts.QueueCapacity {
		r.mu.Unlock()
		metrics.DeltasDropped.WithLabelValues("queue_full").Add(float64(len(deltas)))
		return errors.Mark(errors.Newf("%d deltas pending for %s", r.opts.QueueCapacity, r.whom), ErrQueueFull)
	}
	for i, d := range deltas {
		acks[i] = make(chan error, 1)
		r.acceptLocked(item{delta: d, ack: acks[i]})
	}
	r.mu.Unlock()
	r.wake()

	var first error
	for i, ack := range acks {
		var err error
		select {
		case err = <-ack:
		case <-r.closed:
			err = r.await(ack, deltas[i])
		case <-ctx.Done():
			return r.abandon(ctx, acks[i:], deltas[i:], first)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// await waits for an accepted delta whose outcome can no longer be
// cancelled.
func (r *Reconciler) await(ack chan error, d models.Delta) error {
	select {
	case err := <-ack:
		return err
	case <-r.closed:
		select {
		case err := <-ack:
			return err
		default:
			return r.stale(d)
		}
	}
}

// abandon withdraws the caller's deltas that have not been applied yet.
// Deltas the apply loop already took are waited for, so a cancelled caller
// never leaves a mutation behind that it believes was dropped.
func (r *Reconciler) abandon(ctx context.Context, acks []chan error, deltas []models.Delta, first error) error {
	removed := r.withdraw(acks)
	for i, ack := range acks {
		if removed[ack] {
			continue
		}
		if err := r.await(ack, deltas[i]); err != nil && first == nil {
			first = err
		}
	}
	if len(removed) > 0 {
		metrics.DeltasDropped.WithLabelValues("cancelled").Add(float64(len(removed)))
		logger.Debug("submit_cancelled", "whom", r.whom.String(), "withdrawn", len(removed))
		return ctx.Err()
	}
	return first
}

func (r *Reconciler) withdraw(acks []chan error) map[chan error]bool {
	mine := make(map[chan error]bool, len(acks))
	for _, ack := range acks {
		mine[ack] = true
	}
	removed := make(map[chan error]bool)
	drop := func(it item) bool {
		if it.ack != nil && mine[it.ack] {
			removed[it.ack] = true
			return true
		}
		return false
	}
	r.mu.Lock()
	r.held = slices.DeleteFunc(r.held, drop)
	r.queue = slices.DeleteFunc(r.queue, drop)
	r.mu.Unlock()
	return removed
}

func (r *Reconciler) acceptLocked(it item) {
	if r.state == Live {
		r.queue = append(r.queue, it)
		return
	}
	r.held = append(r.held, it)
}

func (r *Reconciler) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reconciler) stale(d models.Delta) error {
	metrics.DeltasDropped.WithLabelValues("stale").Inc()
	logger.Debug("delta_dropped", "whom", r.whom.String(), "id", d.ID, "kind", d.Kind.String(), "reason", "closed")
	return errors.Mark(errors.Newf("%s delta for %q after close", d.Kind, d.ID), ErrStaleMutation)
}

// pump moves feed deltas into the mutation queue. It never blocks on the
// apply loop, so a slow conversation cannot stall a shared transport.
func (r *Reconciler) pump(feed transport.Feed) {
	defer r.wg.Done()
	deltas := feed.Deltas()
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				r.feedEnded(feed)
				return
			}
			r.mu.Lock()
			if r.state == Closed {
				r.mu.Unlock()
				_ = r.stale(d)
				continue
			}
			if r.state != Live && len(r.held) >= r.opts.QueueCapacity {
				r.overflow(feed)
				return
			}
			r.acceptLocked(item{delta: d})
			r.mu.Unlock()
			r.wake()
		case <-r.ctx.Done():
			return
		}
	}
}

// overflow gives up on a feed whose deltas pile up while no backfill
// succeeds. The held feed deltas are discarded, local submissions stay, and
// the next Backfill reopens the feed and refetches. Called with r.mu held.
func (r *Reconciler) overflow(feed transport.Feed) {
	before := len(r.held)
	r.held = slices.DeleteFunc(r.held, func(it item) bool { return it.ack == nil })
	dropped := before - len(r.held) + 1
	if r.feed == feed {
		r.feed = nil
	}
	r.mu.Unlock()

	_ = feed.Close()
	metrics.DeltasDropped.WithLabelValues("overflow").Add(float64(dropped))
	logger.Warn("feed_overflow", "whom", r.whom.String(), "dropped", dropped, "capacity", r.opts.QueueCapacity)
}

// feedEnded drops back to Backfilling: deltas may have been missed, so the
// next Backfill reopens the feed and refetches.
func (r *Reconciler) feedEnded(feed transport.Feed) {
	r.mu.Lock()
	if r.state == Closed || r.feed != feed {
		r.mu.Unlock()
		return
	}
	r.feed = nil
	r.state = Backfilling
	r.mu.Unlock()
	logger.Warn("feed_ended", "whom", r.whom.String())
	r.notify()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.signal:
		case <-r.ctx.Done():
			return
		}
		for r.step() {
			if r.ctx.Err() != nil {
				return
			}
		}
	}
}

// step applies the pending backfill or one batch of queued deltas. It
// reports whether more work may be waiting.
func (r *Reconciler) step() bool {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return false
	}
	if job := r.job; job != nil {
		r.job = nil
		r.mu.Unlock()
		r.applyBackfill(job)
		return true
	}
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return false
	}
	n := min(len(r.queue), r.opts.BatchSize)
	batch := r.queue[:n:n]
	r.queue = r.queue[n:]
	r.mu.Unlock()

	r.applyItems(batch)
	return true
}

func (r *Reconciler) applyBackfill(job *backfillJob) {
	r.pact.ApplyBatch(job.deltas, func(i int, changed bool, err error) {
		switch {
		case err != nil:
			r.rejected(job.deltas[i], err)
		case changed:
			metrics.DeltasApplied.WithLabelValues("add", "backfill").Inc()
		}
	})

	r.mu.Lock()
	switch {
	case r.state == Closed:
	case r.feed == nil:
		// the feed went away while fetching; deltas may have been missed
		job.err = transport.Fail(errors.New("feed lost"), "backfill %s", r.whom)
	default:
		r.state = Live
		r.queue = append(r.held, r.queue...)
		r.held = nil
	}
	r.mu.Unlock()
	close(job.done)

	// observers hear about the move to Live even when the backfill was empty
	r.notify()
}

func (r *Reconciler) applyItems(batch []item) {
	deltas := make([]models.Delta, len(batch))
	for i, it := range batch {
		deltas[i] = it.delta
	}
	errs := make([]error, len(batch))
	changed := r.pact.ApplyBatch(deltas, func(i int, changed bool, err error) {
		d := deltas[i]
		switch {
		case err != nil:
			errs[i] = err
			r.rejected(d, err)
		case changed:
			metrics.DeltasApplied.WithLabelValues(d.Kind.String(), d.Origin.String()).Inc()
		default:
			metrics.DeltasDropped.WithLabelValues("noop").Inc()
		}
	})
	for i, it := range batch {
		if it.ack != nil {
			it.ack <- errs[i]
		}
	}
	if changed {
		r.notify()
	}
}

func (r *Reconciler) rejected(d models.Delta, err error) {
	class := "invalid"
	switch {
	case errors.Is(err, pact.ErrKeyCollision):
		class = "key_collision"
	case errors.Is(err, pact.ErrDuplicateInsert):
		class = "duplicate_insert"
	}
	metrics.MergeErrors.WithLabelValues(class).Inc()
	if pact.IsInvariantViolation(err) {
		logger.Error("merge_invariant_violated", "whom", r.whom.String(), "id", d.ID, "kind", d.Kind.String(), "error", err)
		return
	}
	logger.Warn("delta_rejected", "whom", r.whom.String(), "id", d.ID, "kind", d.Kind.String(), "error", err)
}

func (r *Reconciler) notify() {
	if r.opts.Notify != nil {
		r.opts.Notify(r.whom)
	}
}

// Close stops the reconciler and waits for in-flight work to finish. Deltas
// that were accepted but not yet applied are dropped. Close is idempotent.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return nil
	}
	r.state = Closed
	feed := r.feed
	r.feed = nil
	dropped := append(r.held, r.queue...)
	r.held, r.queue, r.job = nil, nil, nil
	close(r.closed)
	r.mu.Unlock()

	r.cancel()
	var err error
	if feed != nil {
		err = feed.Close()
	}
	r.wg.Wait()

	for _, it := range dropped {
		stale := r.stale(it.delta)
		if it.ack != nil {
			it.ack <- stale
		}
	}
	logger.Debug("reconciler_closed", "whom", r.whom.String(), "dropped", len(dropped))
	return err
}
