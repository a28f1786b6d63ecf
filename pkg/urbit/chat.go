package urbit

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/logger"
	"pactcache/pkg/metrics"
	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
	"pactcache/pkg/transport"
)

const (
	chatApp     = "chat"
	markChat    = "chat-action"
	markDM      = "dm-action"
	feedBuffer  = 256
	deltaAdd    = "add"
	deltaDelete = "del"
)

// Chat implements transport.Transport over the chat agent of our ship.
type Chat struct {
	c *Client
}

var _ transport.Transport = (*Chat)(nil)

func NewChat(c *Client) *Chat { return &Chat{c: c} }

// Client returns the underlying Eyre session.
func (t *Chat) Client() *Client { return t.c }

// prefix is the agent path of a conversation: /chat/~zod/general or /dm/~nec.
func prefix(whom models.Whom) string {
	if whom.IsDM() {
		return "/dm/" + whom.Ship
	}
	return "/chat/" + whom.String()
}

func feedPath(whom models.Whom) string {
	if whom.IsDM() {
		return prefix(whom) + "/ui"
	}
	return prefix(whom) + "/ui/writs"
}

func (t *Chat) FetchNewest(ctx context.Context, whom models.Whom, count int) ([]models.Writ, error) {
	return t.scryWrits(ctx, whom, prefix(whom)+"/writs/newest/"+strconv.Itoa(count))
}

func (t *Chat) FetchOlder(ctx context.Context, whom models.Whom, before timekey.Key, count int) ([]models.Writ, error) {
	return t.scryWrits(ctx, whom, prefix(whom)+"/writs/older/"+before.UD()+"/"+strconv.Itoa(count))
}

func (t *Chat) scryWrits(ctx context.Context, whom models.Whom, path string) ([]models.Writ, error) {
	var page map[string]writJSON
	if err := t.c.Scry(ctx, chatApp, path, &page); err != nil {
		return nil, transport.Fail(err, "scry %s", path)
	}
	ws, err := decodeWrits(page)
	if err != nil {
		return nil, transport.Fail(err, "decode %s", path)
	}
	return ws, nil
}

func (t *Chat) FetchByID(ctx context.Context, whom models.Whom, id string) (models.Writ, bool, error) {
	path := prefix(whom) + "/writs/writ/id/" + id
	var wj writJSON
	if err := t.c.Scry(ctx, chatApp, path, &wj); err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.Writ{}, false, nil
		}
		return models.Writ{}, false, transport.Fail(err, "scry %s", path)
	}
	tk, err := TimeFromID(wj.Seal.ID)
	if err != nil {
		return models.Writ{}, false, transport.Fail(err, "decode %s", path)
	}
	w, err := decodeWrit(tk, wj)
	if err != nil {
		return models.Writ{}, false, transport.Fail(err, "decode %s", path)
	}
	return w, true, nil
}

func (t *Chat) SendAdd(ctx context.Context, whom models.Whom, w models.Writ) error {
	return t.poke(ctx, whom, w.ID, map[string]any{deltaAdd: encodeMemo(w)})
}

func (t *Chat) SendDelete(ctx context.Context, whom models.Whom, id string) error {
	return t.poke(ctx, whom, id, map[string]any{deltaDelete: nil})
}

// poke wraps a writ delta in the chat-action or dm-action envelope.
func (t *Chat) poke(ctx context.Context, whom models.Whom, id string, delta map[string]any) error {
	diff := map[string]any{"id": id, "delta": delta}
	mark := markChat
	var action map[string]any
	if whom.IsDM() {
		mark = markDM
		action = map[string]any{"ship": whom.Ship, "diff": diff}
	} else {
		action = map[string]any{
			"whom": whom.String(),
			"update": map[string]any{
				"time": "",
				"diff": map[string]any{"writs": diff},
			},
		}
	}
	if err := t.c.Poke(ctx, chatApp, mark, action); err != nil {
		return transport.Fail(err, "%s %s", mark, whom)
	}
	return nil
}

func (t *Chat) OpenFeed(ctx context.Context, whom models.Whom) (transport.Feed, error) {
	sub, err := t.c.Subscribe(ctx, chatApp, feedPath(whom))
	if err != nil {
		return nil, transport.Fail(err, "open feed for %s", whom)
	}
	f := &chatFeed{
		whom: whom,
		sub:  sub,
		ch:   make(chan models.Delta, feedBuffer),
		done: make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// chatFeed decodes a writs subscription into deltas.
type chatFeed struct {
	whom models.Whom
	sub  *Subscription
	ch   chan models.Delta
	done chan struct{}
	once sync.Once
}

func (f *chatFeed) Deltas() <-chan models.Delta { return f.ch }

func (f *chatFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.sub.Close()
	})
	return err
}

func (f *chatFeed) run() {
	defer close(f.ch)
	for raw := range f.sub.Data() {
		d, ok, err := decodeDiff(raw)
		if err != nil {
			metrics.DeltasDropped.WithLabelValues("malformed").Inc()
			logger.Warn("feed_diff_malformed", "whom", f.whom.String(), "error", err)
			continue
		}
		if !ok {
			metrics.DeltasDropped.WithLabelValues("untracked").Inc()
			continue
		}
		select {
		case f.ch <- d:
		case <-f.done:
			return
		}
	}
}
