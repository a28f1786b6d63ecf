package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"pactcache/pkg/logger"
	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
	"pactcache/pkg/transport"
)

// feedBuffer is how many deltas a subscriber may lag before it is cut off.
const feedBuffer = 256

// Local serves a Store as a transport. Writes are persisted and then
// broadcast to every open feed for the conversation.
type Local struct {
	st *Store

	mu    sync.Mutex
	feeds map[models.Whom]map[string]*localFeed
}

var _ transport.Transport = (*Local)(nil)

// NewLocal returns a transport over st.
func NewLocal(st *Store) *Local {
	return &Local{st: st, feeds: make(map[models.Whom]map[string]*localFeed)}
}

func (l *Local) Store() *Store { return l.st }

func (l *Local) FetchNewest(ctx context.Context, whom models.Whom, count int) ([]models.Writ, error) {
	ws, err := l.st.Newest(whom, count)
	return ws, transport.Fail(err, "local newest %s", whom)
}

func (l *Local) FetchOlder(ctx context.Context, whom models.Whom, before timekey.Key, count int) ([]models.Writ, error) {
	ws, err := l.st.Older(whom, before, count)
	return ws, transport.Fail(err, "local older %s", whom)
}

func (l *Local) FetchByID(ctx context.Context, whom models.Whom, id string) (models.Writ, bool, error) {
	w, ok, err := l.st.Get(whom, id)
	return w, ok, transport.Fail(err, "local get %s %q", whom, id)
}

func (l *Local) OpenFeed(ctx context.Context, whom models.Whom) (transport.Feed, error) {
	f := &localFeed{
		id:    uuid.NewString(),
		whom:  whom,
		owner: l,
		ch:    make(chan models.Delta, feedBuffer),
	}
	l.mu.Lock()
	if l.feeds[whom] == nil {
		l.feeds[whom] = make(map[string]*localFeed)
	}
	l.feeds[whom][f.id] = f
	l.mu.Unlock()
	logger.Debug("local_feed_opened", "whom", whom.String(), "feed", f.id)
	return f, nil
}

func (l *Local) SendAdd(ctx context.Context, whom models.Whom, w models.Writ) error {
	if err := ctx.Err(); err != nil {
		return transport.Fail(err, "local add %s", whom)
	}
	stored, err := l.st.Put(whom, w)
	if err != nil {
		return transport.Fail(err, "local add %s %q", whom, w.ID)
	}
	l.broadcast(whom, models.AddDelta(stored))
	return nil
}

func (l *Local) SendDelete(ctx context.Context, whom models.Whom, id string) error {
	if err := ctx.Err(); err != nil {
		return transport.Fail(err, "local delete %s", whom)
	}
	if _, err := l.st.Tombstone(whom, id); err != nil {
		return transport.Fail(err, "local delete %s %q", whom, id)
	}
	// broadcast even when nothing changed: the delete may be a replay
	l.broadcast(whom, models.DeleteDelta(id))
	return nil
}

func (l *Local) broadcast(whom models.Whom, d models.Delta) {
	l.mu.Lock()
	var lagging []*localFeed
	for _, f := range l.feeds[whom] {
		select {
		case f.ch <- d:
		default:
			lagging = append(lagging, f)
		}
	}
	l.mu.Unlock()
	for _, f := range lagging {
		// a lagging subscriber is cut off and must resync
		logger.Warn("local_feed_lagging", "whom", whom.String(), "feed", f.id)
		_ = f.Close()
	}
}

// Close ends every open feed.
func (l *Local) Close() error {
	l.mu.Lock()
	var all []*localFeed
	for _, fs := range l.feeds {
		for _, f := range fs {
			all = append(all, f)
		}
	}
	l.mu.Unlock()
	for _, f := range all {
		_ = f.Close()
	}
	return nil
}

type localFeed struct {
	id    string
	whom  models.Whom
	owner *Local
	ch    chan models.Delta
	once  sync.Once
}

func (f *localFeed) Deltas() <-chan models.Delta { return f.ch }

func (f *localFeed) Close() error {
	f.once.Do(func() {
		f.owner.mu.Lock()
		delete(f.owner.feeds[f.whom], f.id)
		if len(f.owner.feeds[f.whom]) == 0 {
			delete(f.owner.feeds, f.whom)
		}
		close(f.ch)
		f.owner.mu.Unlock()
	})
	return nil
}
