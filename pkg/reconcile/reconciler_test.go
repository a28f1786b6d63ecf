package reconcile

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactcache/pkg/models"
	"pactcache/pkg/pact"
	"pactcache/pkg/timekey"
	"pactcache/pkg/transport"
	"pactcache/pkg/transport/transporttest"
)

var general = models.MustParseWhom("~zod/general")

func writ(id string, t uint64) models.Writ {
	return models.Writ{
		ID:      id,
		Author:  "~zod",
		Time:    timekey.FromUint64(t),
		Content: models.Story{Inline: []models.Inline{models.Text(id)}},
	}
}

func ids(ws []models.Writ) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}

func rangeIDs(p *pact.Pact, from, to uint64) []string {
	return ids(slices.Collect(p.Range(timekey.FromUint64(from), timekey.FromUint64(to))))
}

func newReconciler(t *testing.T, tr transport.Transport, opts Options) *Reconciler {
	t.Helper()
	r := New(pact.New(general, nil), tr, opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestConcreteScenario(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100), writ("m2", 200))
	r := newReconciler(t, tr, Options{})

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, Live, r.State())
	assert.Equal(t, []string{"m1", "m2"}, rangeIDs(r.Pact(), 0, 300))

	require.Equal(t, 1, tr.Push(general, models.DeleteDelta("m1")))
	require.Equal(t, 1, tr.Push(general, models.AddDelta(writ("m3", 150))))

	require.Eventually(t, func() bool {
		return r.Pact().Len() == 3
	}, time.Second, 5*time.Millisecond)

	got := slices.Collect(r.Pact().Range(timekey.FromUint64(0), timekey.FromUint64(300)))
	assert.Equal(t, []string{"m1", "m3", "m2"}, ids(got))
	assert.True(t, got[0].Deleted)
	assert.True(t, got[0].Content.IsEmpty())
	assert.False(t, got[1].Deleted)
}

func TestBackfillNormalizesOrder(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("c", 30), writ("a", 10), writ("b", 20))
	r := newReconciler(t, tr, Options{BackfillCount: 2})

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, []string{"b", "c"}, rangeIDs(r.Pact(), 0, 100))
}

func TestFeedDeltasDuringBackfillAreHeld(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	release := tr.BlockFetches()
	r := newReconciler(t, tr, Options{})

	errc := make(chan error, 1)
	go func() { errc <- r.Start(context.Background()) }()

	require.Eventually(t, func() bool { return tr.OpenFeeds(general) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Backfilling, r.State())

	// applied before the backfill this delete would be a no-op and be lost
	require.Equal(t, 1, tr.Push(general, models.DeleteDelta("m1")))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, r.Pact().Len())

	release()
	require.NoError(t, <-errc)

	require.Eventually(t, func() bool {
		w, ok := r.Pact().ByID("m1")
		return ok && w.Deleted
	}, time.Second, 5*time.Millisecond)
}

func TestBackfillFailureLeavesPactEmpty(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	tr.SetFetchErr(transporttest.ErrBoom)
	r := newReconciler(t, tr, Options{})

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsFailure(err))
	assert.True(t, errors.Is(err, transporttest.ErrBoom))
	assert.Equal(t, Backfilling, r.State())
	assert.Equal(t, 0, r.Pact().Len())
	assert.Equal(t, 1, tr.FetchCount())

	tr.SetFetchErr(nil)
	require.NoError(t, r.Backfill(context.Background()))
	assert.Equal(t, Live, r.State())
	assert.Equal(t, 1, r.Pact().Len())
	assert.Equal(t, 2, tr.FetchCount())

	// already live: no further fetch
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, 2, tr.FetchCount())
}

func TestOpenFeedFailureIsTransportFailure(t *testing.T) {
	tr := transporttest.New()
	tr.OpenErr = transporttest.ErrBoom
	r := newReconciler(t, tr, Options{})

	err := r.Start(context.Background())
	assert.True(t, transport.IsFailure(err))
	assert.Equal(t, Backfilling, r.State())
	assert.Equal(t, 0, tr.FetchCount())
}

func TestCloseDropsLateDeltas(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	r := newReconciler(t, tr, Options{})
	require.NoError(t, r.Start(context.Background()))

	before := r.Pact().Snapshot()
	require.NoError(t, r.Close())
	assert.Equal(t, Closed, r.State())
	assert.Equal(t, 0, tr.OpenFeeds(general))

	assert.Equal(t, 0, tr.Push(general, models.AddDelta(writ("late", 150))))
	err := r.Submit(context.Background(), models.AddDelta(writ("late", 150)))
	assert.True(t, errors.Is(err, ErrStaleMutation))

	after := r.Pact().Snapshot()
	assert.Same(t, before, after)
	assert.True(t, pact.Equal(before, after))

	require.NoError(t, r.Close())
	assert.True(t, errors.Is(r.Backfill(context.Background()), ErrStaleMutation))
}

func TestCloseDuringBackfill(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	release := tr.BlockFetches()
	r := newReconciler(t, tr, Options{})

	errc := make(chan error, 1)
	go func() { errc <- r.Start(context.Background()) }()
	require.Eventually(t, func() bool { return tr.FetchCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Close())
	release()

	err := <-errc
	assert.True(t, errors.Is(err, ErrStaleMutation))
	assert.Equal(t, 0, r.Pact().Len())
}

func TestSubmitThenEcho(t *testing.T) {
	tr := transporttest.New()
	r := newReconciler(t, tr, Options{})
	require.NoError(t, r.Start(context.Background()))

	local := writ("~zod/1", 0)
	require.NoError(t, r.Submit(context.Background(), models.LocalAddDelta(local)))
	require.Equal(t, 1, r.Pact().Len())
	slot, ok := r.Pact().Snapshot().KeyOf("~zod/1")
	require.True(t, ok)
	assert.True(t, r.Pact().Snapshot().Pending("~zod/1"))

	echo := local
	echo.Time = slot.Next()
	require.Equal(t, 1, tr.Push(general, models.AddDelta(echo)))
	require.Eventually(t, func() bool { return !r.Pact().Snapshot().Pending("~zod/1") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, r.Pact().Len())
	got, _ := r.Pact().ByID("~zod/1")
	assert.Equal(t, slot, got.Time)
}

func TestSubmitReportsMergeErrors(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	r := newReconciler(t, tr, Options{})
	require.NoError(t, r.Start(context.Background()))

	err := r.Submit(context.Background(), models.AddDelta(writ("other", 100)))
	assert.True(t, errors.Is(err, pact.ErrKeyCollision))

	// later deltas still apply
	require.NoError(t, r.Submit(context.Background(), models.AddDelta(writ("m2", 200))))
	assert.Equal(t, []string{"m1", "m2"}, rangeIDs(r.Pact(), 0, 300))
}

func TestSubmitQueueFull(t *testing.T) {
	tr := transporttest.New()
	r := newReconciler(t, tr, Options{QueueCapacity: 1})

	// not started, so submissions are held
	errc := make(chan error, 1)
	go func() { errc <- r.Submit(context.Background(), models.AddDelta(writ("a", 1))) }()
	require.Eventually(t, func() bool { return heldLen(r) == 1 }, time.Second, time.Millisecond)

	err := r.Submit(context.Background(), models.AddDelta(writ("b", 2)))
	assert.True(t, errors.Is(err, ErrQueueFull))

	require.NoError(t, r.Close())
	assert.True(t, errors.Is(<-errc, ErrStaleMutation))
}

func heldLen(r *Reconciler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func TestCancelledSubmitIsWithdrawn(t *testing.T) {
	tests := []struct {
		name   string
		deltas []models.Delta
	}{
		{"single", []models.Delta{models.LocalAddDelta(writ("a", 1))}},
		{"batch", []models.Delta{models.LocalAddDelta(writ("a", 1)), models.LocalAddDelta(writ("b", 2))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := transporttest.New()
			tr.SetFetchErr(transporttest.ErrBoom)
			r := newReconciler(t, tr, Options{})
			require.Error(t, r.Start(context.Background()))

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			err := r.SubmitBatch(ctx, tt.deltas)
			assert.True(t, errors.Is(err, context.DeadlineExceeded))
			assert.Equal(t, 0, heldLen(r))

			tr.SetFetchErr(nil)
			require.NoError(t, r.Backfill(context.Background()))
			assert.Equal(t, Live, r.State())
			assert.Equal(t, 0, r.Pact().Len())
		})
	}
}

func TestHeldFeedOverflowDropsFeed(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	tr.SetFetchErr(transporttest.ErrBoom)
	r := newReconciler(t, tr, Options{QueueCapacity: 8})
	require.Error(t, r.Start(context.Background()))
	require.Equal(t, 1, tr.OpenFeeds(general))

	for i := range 50 {
		tr.Push(general, models.AddDelta(writ("f", uint64(200+i))))
	}
	require.Eventually(t, func() bool { return tr.OpenFeeds(general) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, heldLen(r))
	assert.Equal(t, Backfilling, r.State())

	// local submissions are not blocked by the discarded feed deltas
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Submit(ctx, models.LocalAddDelta(writ("a", 1)))
	assert.False(t, errors.Is(err, ErrQueueFull))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	tr.SetFetchErr(nil)
	require.NoError(t, r.Backfill(context.Background()))
	assert.Equal(t, Live, r.State())
	assert.Equal(t, 1, tr.OpenFeeds(general))
	assert.Equal(t, []string{"m1"}, rangeIDs(r.Pact(), 0, 1000))
}

func TestFeedLostDuringBackfill(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	release := tr.BlockFetches()
	r := newReconciler(t, tr, Options{})

	errc := make(chan error, 1)
	go func() { errc <- r.Start(context.Background()) }()
	require.Eventually(t, func() bool { return tr.OpenFeeds(general) == 1 }, time.Second, time.Millisecond)

	tr.EndFeeds(general)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.feed == nil
	}, time.Second, time.Millisecond)
	release()

	err := <-errc
	require.Error(t, err)
	assert.True(t, transport.IsFailure(err))
	assert.Equal(t, Backfilling, r.State())

	require.NoError(t, r.Backfill(context.Background()))
	assert.Equal(t, Live, r.State())
	assert.Equal(t, 1, tr.OpenFeeds(general))
	assert.Equal(t, []string{"m1"}, rangeIDs(r.Pact(), 0, 300))
}

func TestFeedEndFallsBackToBackfilling(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	r := newReconciler(t, tr, Options{})
	require.NoError(t, r.Start(context.Background()))

	tr.EndFeeds(general)
	require.Eventually(t, func() bool { return r.State() == Backfilling }, time.Second, time.Millisecond)

	tr.Seed(general, writ("m2", 200))
	require.NoError(t, r.Backfill(context.Background()))
	assert.Equal(t, Live, r.State())
	assert.Equal(t, 1, tr.OpenFeeds(general))
	assert.Equal(t, []string{"m1", "m2"}, rangeIDs(r.Pact(), 0, 300))
}

func TestOutOfOrderFeed(t *testing.T) {
	tr := transporttest.New()
	r := newReconciler(t, tr, Options{})
	require.NoError(t, r.Start(context.Background()))

	tr.Push(general, models.AddDelta(writ("A", 200)))
	tr.Push(general, models.AddDelta(writ("B", 100)))
	tr.Push(general, models.AddDelta(writ("A", 200)))

	require.Eventually(t, func() bool { return r.Pact().Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"B", "A"}, rangeIDs(r.Pact(), 0, 300))
}

func TestNotificationsCoalesce(t *testing.T) {
	n := NewNotifier(30 * time.Millisecond)
	defer n.Close()

	var mu sync.Mutex
	calls := map[models.Whom]int{}
	cancel := n.Observe(func(w models.Whom) {
		mu.Lock()
		calls[w]++
		mu.Unlock()
	})
	defer cancel()

	tr := transporttest.New()
	r := newReconciler(t, tr, Options{Notify: n.Notify})
	require.NoError(t, r.Start(context.Background()))
	n.Flush()
	mu.Lock()
	clear(calls)
	mu.Unlock()

	for i := 1; i <= 100; i++ {
		tr.Push(general, models.AddDelta(writ(string(rune('a'+i%26))+string(rune('a'+i/26)), uint64(i))))
	}
	require.Eventually(t, func() bool { return r.Pact().Len() == 100 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls[general] > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, calls[general], 100)
}

func TestSubmitBatch(t *testing.T) {
	tr := transporttest.New()
	tr.Seed(general, writ("m1", 100))
	r := newReconciler(t, tr, Options{})
	require.NoError(t, r.Start(context.Background()))

	err := r.SubmitBatch(context.Background(), []models.Delta{
		models.AddDelta(writ("a", 10)),
		models.AddDelta(writ("dup", 100)),
		models.AddDelta(writ("b", 20)),
	})
	assert.True(t, errors.Is(err, pact.ErrKeyCollision))
	assert.Equal(t, []string{"a", "b", "m1"}, rangeIDs(r.Pact(), 0, 300))
	assert.NoError(t, r.SubmitBatch(context.Background(), nil))
}
