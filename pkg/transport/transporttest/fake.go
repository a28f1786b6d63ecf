// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
	"pactcache/pkg/transport"
)

// Fake is a scriptable transport. Writs returned by fetches come from
// Seed; feeds receive whatever Push sends. Errors can be injected per call.
type Fake struct {
	mu        sync.Mutex
	writs     map[models.Whom][]models.Writ
	feeds     map[models.Whom][]*Feed
	FetchErr  error
	OpenErr   error
	SendErr   error
	Fetches   int
	Sent      []models.ConversationDelta
	fetchGate chan struct{}
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		writs: make(map[models.Whom][]models.Writ),
		feeds: make(map[models.Whom][]*Feed),
	}
}

// Seed sets the writs the store holds for whom.
func (f *Fake) Seed(whom models.Whom, ws ...models.Writ) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writs[whom] = append(f.writs[whom], ws...)
}

// SetFetchErr makes later fetches fail with err (nil clears it).
func (f *Fake) SetFetchErr(err error) {
	f.mu.Lock()
	f.FetchErr = err
	f.mu.Unlock()
}

// BlockFetches makes FetchNewest wait until the returned func is called.
func (f *Fake) BlockFetches() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.fetchGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// FetchCount returns how many fetches have been made.
func (f *Fake) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fetches
}

// SentDeltas returns the writes sent so far.
func (f *Fake) SentDeltas() []models.ConversationDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Sent)
}

func (f *Fake) FetchNewest(ctx context.Context, whom models.Whom, count int) ([]models.Writ, error) {
	f.mu.Lock()
	gate := f.fetchGate
	f.Fetches++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, transport.Fail(f.FetchErr, "fetch newest")
	}
	ws := slices.Clone(f.writs[whom])
	slices.SortFunc(ws, func(a, b models.Writ) int { return timekey.Compare(b.Time, a.Time) })
	if len(ws) > count {
		ws = ws[:count]
	}
	// newest first, like the scry
	return ws, nil
}

func (f *Fake) FetchOlder(ctx context.Context, whom models.Whom, before timekey.Key, count int) ([]models.Writ, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fetches++
	if f.FetchErr != nil {
		return nil, transport.Fail(f.FetchErr, "fetch older")
	}
	var out []models.Writ
	for _, w := range f.writs[whom] {
		if w.Time.Less(before) {
			out = append(out, w)
		}
	}
	slices.SortFunc(out, func(a, b models.Writ) int { return timekey.Compare(b.Time, a.Time) })
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (f *Fake) FetchByID(ctx context.Context, whom models.Whom, id string) (models.Writ, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fetches++
	if f.FetchErr != nil {
		return models.Writ{}, false, transport.Fail(f.FetchErr, "fetch %q", id)
	}
	for _, w := range f.writs[whom] {
		if w.ID == id {
			return w, true, nil
		}
	}
	return models.Writ{}, false, nil
}

func (f *Fake) OpenFeed(ctx context.Context, whom models.Whom) (transport.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return nil, transport.Fail(f.OpenErr, "open feed")
	}
	feed := &Feed{ch: make(chan models.Delta, 1024)}
	f.feeds[whom] = append(f.feeds[whom], feed)
	return feed, nil
}

func (f *Fake) SendAdd(ctx context.Context, whom models.Whom, w models.Writ) error {
	return f.send(whom, models.AddDelta(w))
}

func (f *Fake) SendDelete(ctx context.Context, whom models.Whom, id string) error {
	return f.send(whom, models.DeleteDelta(id))
}

func (f *Fake) send(whom models.Whom, d models.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return transport.Fail(f.SendErr, "send %s", d.Kind)
	}
	f.Sent = append(f.Sent, models.ConversationDelta{Whom: whom, Delta: d})
	return nil
}

// Push delivers d to every open feed for whom. It reports how many feeds
// accepted it.
func (f *Fake) Push(whom models.Whom, d models.Delta) int {
	f.mu.Lock()
	feeds := slices.Clone(f.feeds[whom])
	f.mu.Unlock()
	n := 0
	for _, feed := range feeds {
		if feed.push(d) {
			n++
		}
	}
	return n
}

// EndFeeds closes every open feed for whom as if the server kicked them.
func (f *Fake) EndFeeds(whom models.Whom) {
	f.mu.Lock()
	feeds := f.feeds[whom]
	f.feeds[whom] = nil
	f.mu.Unlock()
	for _, feed := range feeds {
		_ = feed.Close()
	}
}

// OpenFeeds returns how many feeds for whom are still open.
func (f *Fake) OpenFeeds(whom models.Whom) int {
	f.mu.Lock()
	feeds := slices.Clone(f.feeds[whom])
	f.mu.Unlock()
	n := 0
	for _, feed := range feeds {
		if !feed.isClosed() {
			n++
		}
	}
	return n
}

// Feed is an in-memory delta stream.
type Feed struct {
	mu     sync.Mutex
	ch     chan models.Delta
	closed bool
}

func (f *Feed) Deltas() <-chan models.Delta { return f.ch }

func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.ch)
	return nil
}

func (f *Feed) push(d models.Delta) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- d:
		return true
	default:
		return false
	}
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ErrBoom is a convenient injected failure.
var ErrBoom = errors.New("boom")
