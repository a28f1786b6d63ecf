// Package urbit talks to a ship's Eyre HTTP interface. A Client logs in,
// opens a channel, pokes and subscribes over it and reads the channel's
// event stream back; Chat layers the chat agent's protocol on top.
package urbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pactcache/pkg/logger"
	"pactcache/pkg/metrics"
)

const (
	DefaultAckDelay           = time.Second
	DefaultSubscriptionBuffer = 256

	closeTimeout = 5 * time.Second
)

var (
	// ErrRequestFailed marks a non-2xx reply or a nack from the ship.
	ErrRequestFailed = errors.New("eyre request failed")
	ErrNotFound      = errors.New("not found")
	// ErrStreamClosed is returned to requests still waiting when the
	// channel's event stream ends.
	ErrStreamClosed = errors.New("channel stream closed")
	ErrClosed       = errors.New("client closed")
)

const (
	actionPoke        = "poke"
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionAck         = "ack"
	actionDelete      = "delete"
)

// Options configure Dial.
type Options struct {
	// Ship is our ship name with its leading ~. Empty asks the ship.
	Ship string
	// HTTPClient must carry a cookie jar; nil builds one.
	HTTPClient *http.Client
	// PokeRate caps pokes per second. Zero leaves pokes unlimited.
	PokeRate  float64
	PokeBurst int
	AckDelay  time.Duration
	// SubscriptionBuffer is how many undelivered events a subscription can
	// queue before it is cut off.
	SubscriptionBuffer int
}

// Event is one message on the channel stream.
type Event struct {
	ID       uint64          `json:"id"`
	Response string          `json:"response"`
	Ok       *string         `json:"ok"`
	Err      *string         `json:"err"`
	JSON     json.RawMessage `json:"json"`
}

// request is the union of the channel actions Eyre accepts.
type request struct {
	ID     uint64 `json:"id,omitempty"`
	Action string `json:"action"`

	Ship string `json:"ship,omitempty"`
	App  string `json:"app,omitempty"`

	// subscribe
	Path string `json:"path,omitempty"`

	// poke
	Mark string          `json:"mark,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`

	// unsubscribe
	Subscription uint64 `json:"subscription,omitempty"`

	// ack
	EventID uint64 `json:"event-id,omitempty"`
}

// Client is a logged-in Eyre session with one channel.
type Client struct {
	h       *http.Client
	addr    string
	ship    string
	channel string
	opts    Options
	limiter *rate.Limiter

	nextID atomic.Uint64
	acks   chan uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streamMu sync.Mutex // serializes opening the stream

	mu      sync.Mutex
	stream  io.ReadCloser // nil until the first send
	pending map[uint64]chan error
	subs    map[uint64]*Subscription
	closed  bool
}

// Dial logs in to the ship at addr with its +code. The channel itself is
// created lazily by the first poke or subscribe.
func Dial(ctx context.Context, addr, code string, opts Options) (*Client, error) {
	if opts.HTTPClient == nil {
		jar, _ := cookiejar.New(nil)
		opts.HTTPClient = &http.Client{Jar: jar}
	}
	if opts.AckDelay <= 0 {
		opts.AckDelay = DefaultAckDelay
	}
	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = DefaultSubscriptionBuffer
	}

	c := &Client{
		h:       opts.HTTPClient,
		addr:    strings.TrimRight(addr, "/"),
		ship:    opts.Ship,
		channel: fmt.Sprintf("/~/channel/%d-%s", time.Now().Unix(), uuid.NewString()),
		opts:    opts,
		acks:    make(chan uint64),
		pending: make(map[uint64]chan error),
		subs:    make(map[uint64]*Subscription),
	}
	if opts.PokeRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.PokeRate), max(opts.PokeBurst, 1))
	}

	form := url.Values{"password": {code}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/~/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.h.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "login to %s", c.addr)
	}
	resp.Body.Close()
	if err := checkStatus(resp, "POST", "/~/login"); err != nil {
		return nil, err
	}

	if c.ship == "" {
		name, err := c.askName(ctx)
		if err != nil {
			return nil, err
		}
		c.ship = name
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.acker()

	logger.Info("eyre_connected", "addr", c.addr, "ship", c.ship, "channel", c.channel)
	return c, nil
}

// askName reads our ship name out of the session script served to the web
// client: window.ship = 'zod';
func (c *Client) askName(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/~landscape/js/session.js")
	if err != nil {
		return "", errors.Wrap(err, "find ship name")
	}
	parts := strings.SplitN(string(body), "'", 3)
	if len(parts) != 3 || parts[1] == "" {
		return "", errors.Newf("no ship name in %q", body)
	}
	return "~" + strings.TrimPrefix(parts[1], "~"), nil
}

// Ship returns our ship name, with its leading ~.
func (c *Client) Ship() string { return c.ship }

func (c *Client) patp() string { return strings.TrimPrefix(c.ship, "~") }

func checkStatus(resp *http.Response, method, path string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errors.Mark(errors.Newf("%s %s: %s", method, path, resp.Status), ErrNotFound)
	default:
		return errors.Mark(errors.Newf("%s %s: %s", method, path, resp.Status), ErrRequestFailed)
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.h.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "GET", path); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Scry reads path from app and decodes the JSON result into out. A path
// the ship does not have fails with ErrNotFound.
func (c *Client) Scry(ctx context.Context, app, path string, out any) error {
	logger.Debug("eyre_scry", "app", app, "path", path)
	body, err := c.get(ctx, "/~/scry/"+app+path+".json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decode scry %s%s", app, path)
	}
	return nil
}

// Poke sends data to app on our ship under mark and waits for the ack.
func (c *Client) Poke(ctx context.Context, app, mark string, data any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "poke rate limit")
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "encode %s poke", mark)
	}
	req := request{
		ID:     c.nextID.Add(1),
		Action: actionPoke,
		Ship:   c.patp(),
		App:    app,
		Mark:   mark,
		JSON:   raw,
	}
	ch, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	return c.wait(ctx, req.ID, ch)
}

// Subscription receives the facts of one watch path.
type Subscription struct {
	ID   uint64
	App  string
	Path string

	c    *Client
	data chan json.RawMessage
}

// Data yields each fact's JSON. It is closed when the subscription ends:
// on Close, on a quit from the ship, when the consumer falls too far
// behind or when the stream drops.
func (s *Subscription) Data() <-chan json.RawMessage { return s.data }

// Close unsubscribes. Closing twice is a no-op.
func (s *Subscription) Close() error {
	if !s.c.endSub(s.ID) {
		return nil
	}
	return s.c.unsubscribe(s.ID)
}

// Subscribe watches path on app and waits for the watch ack.
func (c *Client) Subscribe(ctx context.Context, app, path string) (*Subscription, error) {
	sub := &Subscription{
		ID:   c.nextID.Add(1),
		App:  app,
		Path: path,
		c:    c,
		data: make(chan json.RawMessage, c.opts.SubscriptionBuffer),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	req := request{
		ID:     sub.ID,
		Action: actionSubscribe,
		Ship:   c.patp(),
		App:    app,
		Path:   path,
	}
	ch, err := c.send(ctx, req)
	if err == nil {
		err = c.wait(ctx, req.ID, ch)
	}
	if err != nil {
		c.endSub(sub.ID)
		return nil, errors.Wrapf(err, "subscribe %s%s", app, path)
	}
	return sub, nil
}

func (c *Client) unsubscribe(id uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, err := c.send(ctx, request{
		ID:           c.nextID.Add(1),
		Action:       actionUnsubscribe,
		Subscription: id,
	})
	return err
}

// endSub forgets a subscription and closes its data channel. It reports
// whether the subscription was still live.
func (c *Client) endSub(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return false
	}
	delete(c.subs, id)
	close(sub.data)
	return true
}

// send writes req to the channel, registering for its ack when the action
// has one, and makes sure the event stream is being read.
func (c *Client) send(ctx context.Context, req request) (chan error, error) {
	var ch chan error
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if req.Action == actionPoke || req.Action == actionSubscribe {
		ch = make(chan error, 1)
		c.pending[req.ID] = ch
	}
	c.mu.Unlock()

	logger.Debug("eyre_send", "id", req.ID, "action", req.Action, "app", req.App, "mark", req.Mark, "path", req.Path)
	if err := c.put(ctx, []request{req}); err != nil {
		c.forget(req.ID)
		return nil, err
	}
	if err := c.ensureStream(); err != nil {
		c.forget(req.ID)
		return nil, err
	}
	return ch, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) wait(ctx context.Context, id uint64, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) put(ctx context.Context, reqs []request) error {
	body, err := json.Marshal(reqs)
	if err != nil {
		return errors.Wrap(err, "encode channel request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.addr+c.channel, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.h.Do(req)
	if err != nil {
		return errors.Wrapf(err, "PUT %s", c.channel)
	}
	resp.Body.Close()
	return checkStatus(resp, "PUT", c.channel)
}

// ensureStream opens the channel's event stream if it is not being read.
// Eyre only creates the channel on the first PUT, so this runs after one.
func (c *Client) ensureStream() error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	c.mu.Lock()
	closed, open := c.closed, c.stream != nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if open {
		return nil
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.addr+c.channel, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.h.Do(req)
	if err != nil {
		return errors.Wrapf(err, "open stream %s", c.channel)
	}
	if err := checkStatus(resp, "GET", c.channel); err != nil {
		resp.Body.Close()
		return err
	}

	c.mu.Lock()
	c.stream = resp.Body
	c.mu.Unlock()
	c.wg.Add(1)
	go c.readEvents(resp.Body)
	logger.Debug("eyre_stream_opened", "channel", c.channel)
	return nil
}

func (c *Client) readEvents(body io.ReadCloser) {
	defer c.wg.Done()
	sr := newSSEReader(body)
	for sr.Next() {
		var ev Event
		if err := json.Unmarshal(sr.Data, &ev); err != nil {
			logger.Warn("eyre_bad_event", "event_id", string(sr.LastEventID), "error", err)
		} else {
			metrics.EyreEvents.WithLabelValues(ev.Response).Inc()
			c.dispatch(&ev)
		}
		if id, err := strconv.ParseUint(string(sr.LastEventID), 10, 64); err == nil {
			select {
			case c.acks <- id:
			case <-c.ctx.Done():
			}
		}
	}
	body.Close()
	c.streamEnded(body, sr.Err)
}

func (c *Client) dispatch(ev *Event) {
	switch ev.Response {
	case actionPoke, actionSubscribe:
		c.mu.Lock()
		ch, ok := c.pending[ev.ID]
		delete(c.pending, ev.ID)
		c.mu.Unlock()
		if !ok {
			logger.Debug("eyre_unexpected_ack", "id", ev.ID, "response", ev.Response)
			return
		}
		switch {
		case ev.Ok != nil:
			ch <- nil
		case ev.Err != nil:
			ch <- errors.Mark(errors.Newf("%s %d nacked: %s", ev.Response, ev.ID, *ev.Err), ErrRequestFailed)
		default:
			ch <- errors.Mark(errors.Newf("%s %d: malformed ack", ev.Response, ev.ID), ErrRequestFailed)
		}

	case "diff":
		lagging := false
		c.mu.Lock()
		if sub, ok := c.subs[ev.ID]; ok {
			select {
			case sub.data <- ev.JSON:
			default:
				delete(c.subs, ev.ID)
				close(sub.data)
				lagging = true
			}
		}
		c.mu.Unlock()
		if lagging {
			logger.Warn("subscription_lagging", "id", ev.ID)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.unsubscribe(ev.ID); err != nil {
					logger.Debug("eyre_unsubscribe_failed", "id", ev.ID, "error", err)
				}
			}()
		}

	case "quit":
		if c.endSub(ev.ID) {
			logger.Info("subscription_quit", "id", ev.ID)
		}

	default:
		logger.Warn("eyre_unknown_response", "id", ev.ID, "response", ev.Response)
	}
}

// streamEnded fails everything that depended on body. Subscriptions end
// so their owners resubscribe; the next send opens a new stream.
func (c *Client) streamEnded(body io.ReadCloser, err error) {
	c.mu.Lock()
	if c.stream == body {
		c.stream = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan error)
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.data)
	}
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- ErrStreamClosed
	}
	if !closed {
		logger.Warn("eyre_stream_ended", "channel", c.channel, "error", err)
	}
}

// acker coalesces event acks: a burst of events is acked once, with the
// id of the last one, after AckDelay.
func (c *Client) acker() {
	defer c.wg.Done()
	var last, latest uint64
	timer := time.NewTimer(c.opts.AckDelay)
	timer.Stop()
	armed := false
	for {
		select {
		case id := <-c.acks:
			latest = id
			if !armed {
				armed = true
				timer.Reset(c.opts.AckDelay)
			}
		case <-timer.C:
			armed = false
			if latest == last {
				continue
			}
			if err := c.put(c.ctx, []request{{Action: actionAck, EventID: latest}}); err != nil {
				logger.Warn("eyre_ack_failed", "event_id", latest, "error", err)
				continue
			}
			last = latest
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Close ends every subscription, deletes the channel and stops reading.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan error)
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.data)
	}
	used := c.stream != nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- ErrClosed
	}

	var err error
	if used {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		err = c.put(ctx, []request{{ID: c.nextID.Add(1), Action: actionDelete}})
		cancel()
	}

	c.cancel()
	// an ensureStream already past its closed check finishes first
	c.streamMu.Lock()
	c.streamMu.Unlock()
	c.wg.Wait()
	logger.Info("eyre_closed", "ship", c.ship, "channel", c.channel)
	return errors.Wrap(err, "delete channel")
}
