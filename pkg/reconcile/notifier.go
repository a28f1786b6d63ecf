package reconcile

import (
	"sync"
	"time"

	"pactcache/pkg/metrics"
	"pactcache/pkg/models"
)

// DefaultNotifyDelay is how long a burst of changes is gathered before
// observers are told.
const DefaultNotifyDelay = 16 * time.Millisecond

// Notifier coalesces change signals. Notify marks a conversation dirty and
// arms a timer; when it fires every observer is called once per dirty
// conversation, however many changes landed in between.
type Notifier struct {
	delay time.Duration

	deliver sync.Mutex // serializes observer calls

	mu        sync.Mutex
	observers map[uint64]func(models.Whom)
	nextID    uint64
	dirty     []models.Whom
	marked    map[models.Whom]struct{}
	timer     *time.Timer
	closed    bool
}

// NewNotifier returns a Notifier that waits delay before delivering.
func NewNotifier(delay time.Duration) *Notifier {
	if delay < 0 {
		delay = 0
	}
	return &Notifier{
		delay:     delay,
		observers: make(map[uint64]func(models.Whom)),
		marked:    make(map[models.Whom]struct{}),
	}
}

// Observe registers fn and returns a function that unregisters it.
func (n *Notifier) Observe(fn func(models.Whom)) (cancel func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

// Notify marks whom as changed. It never blocks on observers.
func (n *Notifier) Notify(whom models.Whom) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if _, ok := n.marked[whom]; !ok {
		n.marked[whom] = struct{}{}
		n.dirty = append(n.dirty, whom)
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.delay, n.Flush)
	}
}

// Flush delivers pending notifications now.
func (n *Notifier) Flush() {
	n.deliver.Lock()
	defer n.deliver.Unlock()

	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	dirty := n.dirty
	n.dirty = nil
	clear(n.marked)
	fns := make([]func(models.Whom), 0, len(n.observers))
	for _, fn := range n.observers {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, whom := range dirty {
		for _, fn := range fns {
			fn(whom)
		}
	}
	metrics.Notifications.Add(float64(len(dirty)))
}

// Close delivers what is pending and stops accepting notifications.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.Flush()
}
