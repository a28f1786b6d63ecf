// Package chat is the consumer-facing surface of the cache: it owns one
// Pact and reconciler per subscribed conversation, sends optimistic writes
// and fans change notifications out to observers.
package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/logger"
	"pactcache/pkg/metrics"
	"pactcache/pkg/models"
	"pactcache/pkg/pact"
	"pactcache/pkg/reconcile"
	"pactcache/pkg/timekey"
	"pactcache/pkg/transport"
)

// ErrNotSubscribed is returned for operations on a conversation that has no
// live subscription.
var ErrNotSubscribed = errors.New("conversation not subscribed")

// Options configure a Registry.
type Options struct {
	// Our is the local ship; it authors sent messages.
	Our         string
	Reconcile   reconcile.Options
	NotifyDelay time.Duration
	// Clock overrides time.Now for minted keys.
	Clock func() time.Time
}

// Handle is a subscription to one conversation.
type Handle struct {
	whom models.Whom
	rec  *reconcile.Reconciler
}

func (h *Handle) Whom() models.Whom { return h.whom }

// Pact returns the conversation's store for reads.
func (h *Handle) Pact() *pact.Pact { return h.rec.Pact() }

func (h *Handle) State() reconcile.State { return h.rec.State() }

// Backfill retries a failed backfill.
func (h *Handle) Backfill(ctx context.Context) error { return h.rec.Backfill(ctx) }

// Registry tracks subscribed conversations.
type Registry struct {
	tr       transport.Transport
	opts     Options
	gen      *timekey.Generator
	notifier *reconcile.Notifier

	mu      sync.Mutex
	handles map[models.Whom]*Handle
}

// NewRegistry returns an empty Registry backed by tr.
func NewRegistry(tr transport.Transport, opts Options) *Registry {
	if opts.NotifyDelay == 0 {
		opts.NotifyDelay = reconcile.DefaultNotifyDelay
	}
	gen := timekey.NewGenerator()
	if opts.Clock != nil {
		gen = timekey.NewGeneratorWithClock(opts.Clock)
	}
	return &Registry{
		tr:       tr,
		opts:     opts,
		gen:      gen,
		notifier: reconcile.NewNotifier(opts.NotifyDelay),
		handles:  make(map[models.Whom]*Handle),
	}
}

// Subscribe starts mirroring whom. Subscribing to a conversation that is
// already subscribed returns the existing handle. When the backfill fails
// the handle is still returned, with the error, and stays registered so a
// later Subscribe or Handle.Backfill can retry.
func (r *Registry) Subscribe(ctx context.Context, whom models.Whom) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[whom]
	if !ok {
		opts := r.opts.Reconcile
		opts.Notify = r.notifier.Notify
		h = &Handle{
			whom: whom,
			rec:  reconcile.New(pact.New(whom, r.gen), r.tr, opts),
		}
		r.handles[whom] = h
		metrics.LivePacts.Inc()
		logger.Info("conversation_subscribed", "whom", whom.String())
	}
	r.mu.Unlock()

	if err := h.rec.Start(ctx); err != nil {
		return h, err
	}
	return h, nil
}

// Unsubscribe stops mirroring the handle's conversation and discards its
// Pact. Unsubscribing twice is a no-op.
func (r *Registry) Unsubscribe(h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	cur, ok := r.handles[h.whom]
	if ok && cur == h {
		delete(r.handles, h.whom)
		metrics.LivePacts.Dec()
	}
	r.mu.Unlock()

	err := h.rec.Close()
	if ok && cur == h {
		logger.Info("conversation_unsubscribed", "whom", h.whom.String())
		r.notifier.Notify(h.whom)
	}
	return err
}

// Lookup returns the handle for whom.
func (r *Registry) Lookup(whom models.Whom) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[whom]
	return h, ok
}

// Pact returns the store for a subscribed conversation.
func (r *Registry) Pact(whom models.Whom) (*pact.Pact, bool) {
	h, ok := r.Lookup(whom)
	if !ok {
		return nil, false
	}
	return h.Pact(), true
}

// Conversations lists subscribed conversations in key order.
func (r *Registry) Conversations() []models.Whom {
	r.mu.Lock()
	out := make([]models.Whom, 0, len(r.handles))
	for w := range r.handles {
		out = append(out, w)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b models.Whom) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Observe registers fn to be told which conversation changed. Bursts are
// coalesced. The returned func unregisters fn.
func (r *Registry) Observe(fn func(models.Whom)) (cancel func()) {
	return r.notifier.Observe(fn)
}

// Flush delivers pending change notifications immediately.
func (r *Registry) Flush() { r.notifier.Flush() }

func (r *Registry) handle(whom models.Whom) (*Handle, error) {
	h, ok := r.Lookup(whom)
	if !ok {
		return nil, errors.Mark(errors.Newf("%s", whom), ErrNotSubscribed)
	}
	return h, nil
}

// SendMessage writes a new message optimistically and then sends it to the
// backing store. The local copy stays pending until the store echoes it.
func (r *Registry) SendMessage(ctx context.Context, whom models.Whom, content models.Story, replying string) (models.Writ, error) {
	h, err := r.handle(whom)
	if err != nil {
		return models.Writ{}, err
	}
	key := r.gen.Next()
	w := models.Writ{
		ID:       models.MakeID(r.opts.Our, key),
		Author:   r.opts.Our,
		Time:     key,
		Sent:     key.UnixMilli(),
		Content:  content,
		Replying: replying,
	}
	if err := h.rec.Submit(ctx, models.LocalAddDelta(w)); err != nil {
		return models.Writ{}, err
	}
	if err := r.tr.SendAdd(ctx, whom, w); err != nil {
		metrics.Pokes.WithLabelValues("add", "error").Inc()
		logger.Warn("send_failed", "whom", whom.String(), "id", w.ID, "error", err)
		return w, err
	}
	metrics.Pokes.WithLabelValues("add", "ok").Inc()
	return w, nil
}

// DeleteMessage tombstones id locally and asks the backing store to do
// the same.
func (r *Registry) DeleteMessage(ctx context.Context, whom models.Whom, id string) error {
	h, err := r.handle(whom)
	if err != nil {
		return err
	}
	d := models.DeleteDelta(id)
	d.Origin = models.OriginLocal
	if err := h.rec.Submit(ctx, d); err != nil {
		return err
	}
	if err := r.tr.SendDelete(ctx, whom, id); err != nil {
		metrics.Pokes.WithLabelValues("del", "error").Inc()
		logger.Warn("send_failed", "whom", whom.String(), "id", id, "error", err)
		return err
	}
	metrics.Pokes.WithLabelValues("del", "ok").Inc()
	return nil
}

// FetchMessage returns id from the cache, falling back to the backing
// store. A fetched message is merged into the Pact.
func (r *Registry) FetchMessage(ctx context.Context, whom models.Whom, id string) (models.Writ, bool, error) {
	h, err := r.handle(whom)
	if err != nil {
		return models.Writ{}, false, err
	}
	if w, ok := h.Pact().ByID(id); ok {
		return w, true, nil
	}
	w, ok, err := r.tr.FetchByID(ctx, whom, id)
	if err != nil || !ok {
		return models.Writ{}, false, err
	}
	if err := h.rec.Submit(ctx, models.AddDelta(w)); err != nil {
		return models.Writ{}, false, err
	}
	got, ok := h.Pact().ByID(id)
	return got, ok, nil
}

// LoadOlder pages count messages older than the oldest one held and merges
// them. It returns how many the store sent.
func (r *Registry) LoadOlder(ctx context.Context, whom models.Whom, count int) (int, error) {
	h, err := r.handle(whom)
	if err != nil {
		return 0, err
	}
	before, ok := h.Pact().Snapshot().Oldest()
	if !ok {
		before = timekey.Max
	}
	ws, err := r.tr.FetchOlder(ctx, whom, before, count)
	if err != nil {
		return 0, err
	}
	slices.SortStableFunc(ws, func(a, b models.Writ) int { return timekey.Compare(a.Time, b.Time) })
	deltas := make([]models.Delta, len(ws))
	for i, w := range ws {
		deltas[i] = models.AddDelta(w)
	}
	return len(ws), h.rec.SubmitBatch(ctx, deltas)
}

// Resync retries the backfill of every conversation whose feed ended or
// whose first backfill failed. It returns how many were retried.
func (r *Registry) Resync(ctx context.Context) (int, error) {
	r.mu.Lock()
	var stale []*Handle
	for _, h := range r.handles {
		if h.State() == reconcile.Backfilling {
			stale = append(stale, h)
		}
	}
	r.mu.Unlock()

	var errs error
	for _, h := range stale {
		if err := h.Backfill(ctx); err != nil {
			logger.Warn("resync_failed", "whom", h.whom.String(), "error", err)
			errs = errors.CombineErrors(errs, err)
		}
	}
	return len(stale), errs
}

// Close unsubscribes everything and flushes pending notifications.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var errs error
	for _, h := range handles {
		if err := r.Unsubscribe(h); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	r.notifier.Close()
	return errs
}
