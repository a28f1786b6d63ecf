package urbit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const fakeCode = "lidlut-tabwed-pillex-ridrup"

// fakeShip is a minimal Eyre: it checks the login cookie, acks pokes and
// watches, serves canned scries and streams whatever events a test emits.
type fakeShip struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	actions  []request
	scries   map[string]string
	nack     map[string]string // mark or path -> error text
	events   chan string
	nextID   int
	deleted  bool
	streams  int
	kick     chan struct{}
	quietAck bool
}

func newFakeShip(t *testing.T) *fakeShip {
	t.Helper()
	f := &fakeShip{
		t:      t,
		scries: make(map[string]string),
		nack:   make(map[string]string),
		events: make(chan string, 256),
		kick:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/~/login", f.login)
	mux.HandleFunc("/~landscape/js/session.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "window.ship = 'zod';")
	})
	mux.HandleFunc("/~/scry/", f.scry)
	mux.HandleFunc("/~/channel/", f.channel)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeShip) URL() string { return f.srv.URL }

func (f *fakeShip) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.FormValue("password") != fakeCode {
		http.Error(w, "bad code", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "urbauth-~zod", Value: "0v1.abcde", Path: "/"})
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeShip) authed(r *http.Request) bool {
	_, err := r.Cookie("urbauth-~zod")
	return err == nil
}

func (f *fakeShip) scry(w http.ResponseWriter, r *http.Request) {
	if !f.authed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/~/scry")
	f.mu.Lock()
	body, ok := f.scries[path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

// serve registers a scry result for app and path, e.g. ("chat", "/chat/~zod/general/writs/newest/10").
func (f *fakeShip) serve(app, path, body string) {
	f.mu.Lock()
	f.scries["/"+app+path+".json"] = body
	f.mu.Unlock()
}

func (f *fakeShip) channel(w http.ResponseWriter, r *http.Request) {
	if !f.authed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var reqs []request
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, req := range reqs {
			f.handle(req)
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		f.stream(w, r)
	default:
		http.Error(w, "method", http.StatusMethodNotAllowed)
	}
}

func (f *fakeShip) handle(req request) {
	f.mu.Lock()
	f.actions = append(f.actions, req)
	quiet := f.quietAck
	var nack string
	switch req.Action {
	case actionPoke:
		nack = f.nack[req.Mark]
	case actionSubscribe:
		nack = f.nack[req.Path]
	case actionDelete:
		f.deleted = true
	}
	f.mu.Unlock()

	if quiet || (req.Action != actionPoke && req.Action != actionSubscribe) {
		return
	}
	if nack != "" {
		f.emit(fmt.Sprintf(`{"id":%d,"response":%q,"err":%q}`, req.ID, req.Action, nack))
		return
	}
	f.emit(fmt.Sprintf(`{"id":%d,"response":%q,"ok":"ok"}`, req.ID, req.Action))
}

func (f *fakeShip) stream(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	f.mu.Lock()
	f.streams++
	kick := f.kick
	f.mu.Unlock()
	for {
		select {
		case ev := <-f.events:
			f.mu.Lock()
			f.nextID++
			id := f.nextID
			f.mu.Unlock()
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, ev)
			flusher.Flush()
		case <-kick:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeShip) emit(ev string) { f.events <- ev }

// fact pushes a diff for subscription id.
func (f *fakeShip) fact(id uint64, body string) {
	f.emit(fmt.Sprintf(`{"id":%d,"response":"diff","json":%s}`, id, body))
}

func (f *fakeShip) quit(id uint64) {
	f.emit(fmt.Sprintf(`{"id":%d,"response":"quit"}`, id))
}

// dropStream ends every open event stream as if the connection broke.
func (f *fakeShip) dropStream() {
	f.mu.Lock()
	close(f.kick)
	f.kick = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeShip) setNack(key, msg string) {
	f.mu.Lock()
	f.nack[key] = msg
	f.mu.Unlock()
}

func (f *fakeShip) setQuiet(quiet bool) {
	f.mu.Lock()
	f.quietAck = quiet
	f.mu.Unlock()
}

func (f *fakeShip) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

func (f *fakeShip) channelDeleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

// sent returns the channel actions received so far of the given kind.
func (f *fakeShip) sent(action string) []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []request
	for _, r := range f.actions {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// subscription returns the id of the watch on path.
func (f *fakeShip) subscription(path string) (uint64, bool) {
	for _, r := range f.sent(actionSubscribe) {
		if r.Path == path {
			return r.ID, true
		}
	}
	return 0, false
}

func dialFake(t *testing.T, f *fakeShip, opts Options) *Client {
	t.Helper()
	if opts.AckDelay == 0 {
		opts.AckDelay = 10 * time.Millisecond
	}
	c, err := Dial(t.Context(), f.URL(), fakeCode, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
