package pact

import (
	"iter"
	"sync"
	"sync/atomic"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

// Pact owns the published snapshot of one conversation. Reads load the
// current State without locking; mutations are serialized and replace the
// State in a single atomic store.
type Pact struct {
	whom models.Whom
	gen  *timekey.Generator

	mu  sync.Mutex
	cur atomic.Pointer[State]
}

// New returns an empty Pact for whom.
func New(whom models.Whom, gen *timekey.Generator) *Pact {
	if gen == nil {
		gen = timekey.NewGenerator()
	}
	p := &Pact{whom: whom, gen: gen}
	p.cur.Store(NewState())
	return p
}

// Whom returns the conversation this Pact mirrors.
func (p *Pact) Whom() models.Whom { return p.whom }

// Snapshot returns the current immutable State.
func (p *Pact) Snapshot() *State { return p.cur.Load() }

// Len returns the number of records, tombstones included.
func (p *Pact) Len() int { return p.Snapshot().Len() }

// ByID looks a record up by message id in the current snapshot.
func (p *Pact) ByID(id string) (models.Writ, bool) { return p.Snapshot().ByID(id) }

// ByTime looks a record up by its time key in the current snapshot.
func (p *Pact) ByTime(key timekey.Key) (models.Writ, bool) { return p.Snapshot().ByTime(key) }

// Range yields [from, to) from the snapshot current at call time.
func (p *Pact) Range(from, to timekey.Key) iter.Seq[models.Writ] {
	return p.Snapshot().Range(from, to)
}

// Newest returns up to n of the latest records, oldest first.
func (p *Pact) Newest(n int) []models.Writ { return p.Snapshot().Newest(n) }

// RepliesTo returns the records whose reply list names id.
func (p *Pact) RepliesTo(id string) []models.Writ { return p.Snapshot().RepliesTo(id) }

// Replies resolves id's RepliedIDs, skipping ids not held.
func (p *Pact) Replies(id string) []models.Writ { return p.Snapshot().Replies(id) }

// Insert adds a record that must not exist yet.
func (p *Pact) Insert(w models.Writ) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn := p.cur.Load().Begin(p.gen)
	if err := txn.Insert(w); err != nil {
		return err
	}
	p.cur.Store(txn.Commit())
	return nil
}

// Apply merges one delta and publishes the result.
func (p *Pact) Apply(d models.Delta) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, changed, err := ApplyDelta(p.cur.Load(), d, p.gen)
	if changed {
		p.cur.Store(next)
	}
	return changed, err
}

// ApplyBatch merges deltas in order and publishes once. A delta that fails
// is skipped; every outcome is reported to onResult when it is set.
func (p *Pact) ApplyBatch(deltas []models.Delta, onResult func(i int, changed bool, err error)) bool {
	if len(deltas) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	txn := p.cur.Load().Begin(p.gen)
	for i, d := range deltas {
		changed, err := txn.Apply(d)
		if onResult != nil {
			onResult(i, changed, err)
		}
	}
	if !txn.Changed() {
		return false
	}
	p.cur.Store(txn.Commit())
	return true
}
