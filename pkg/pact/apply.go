package pact

import (
	"reflect"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

// Txn is a private working copy of a State. Every method either fully
// applies its change or leaves the copy untouched.
type Txn struct {
	st      *State
	gen     *timekey.Generator
	changed bool
}

// Begin starts a transaction on a clone of s. gen mints keys for local
// adds that arrive without one and may be nil when none are expected.
func (s *State) Begin(gen *timekey.Generator) *Txn {
	return &Txn{st: s.clone(), gen: gen}
}

// Changed reports whether any applied delta altered the copy.
func (t *Txn) Changed() bool { return t.changed }

// Commit returns the working copy as a new snapshot. The Txn must not be
// used afterwards.
func (t *Txn) Commit() *State {
	st := t.st
	t.st = nil
	return st
}

// Insert adds a brand-new record at w.Time.
func (t *Txn) Insert(w models.Writ) error {
	if w.ID == "" {
		return invalidDelta("insert without id")
	}
	if w.Time.IsZero() {
		return invalidDelta("insert %q without time key", w.ID)
	}
	if b, ok := t.st.index.Get(binding{id: w.ID}); ok {
		return duplicateInsert(w.ID, b.key)
	}
	if sl, ok := t.st.writs.Get(slot{key: w.Time}); ok {
		return keyCollision(w.Time, sl.writ.ID, w.ID)
	}
	t.bind(w.Clone(), w.Time, false)
	return nil
}

// Apply merges one delta into the copy. It reports whether the observable
// state changed.
func (t *Txn) Apply(d models.Delta) (bool, error) {
	var (
		changed bool
		err     error
	)
	switch d.Kind {
	case models.DeltaAdd:
		changed, err = t.add(d)
	case models.DeltaDelete:
		changed = t.del(d.ID)
	default:
		err = invalidDelta("unknown delta kind %d", d.Kind)
	}
	if changed {
		t.changed = true
	}
	return changed, err
}

func (t *Txn) add(d models.Delta) (bool, error) {
	id := d.ID
	if id == "" {
		id = d.Writ.ID
	}
	if id == "" {
		return false, invalidDelta("add without id")
	}

	if b, ok := t.st.index.Get(binding{id: id}); ok {
		return t.replace(b, d), nil
	}

	key := d.Time
	if key.IsZero() {
		key = d.Writ.Time
	}
	if key.IsZero() {
		if d.Origin != models.OriginLocal || t.gen == nil {
			return false, invalidDelta("remote add %q without time key", id)
		}
		key = t.gen.Next()
	}
	if sl, ok := t.st.writs.Get(slot{key: key}); ok {
		return false, keyCollision(key, sl.writ.ID, id)
	}

	w := d.Writ.Clone()
	w.ID = id
	t.bind(w, key, d.Origin == models.OriginLocal)
	return true, nil
}

// replace rewrites an existing record in its original slot. A remote add
// confirms an optimistic one; the tombstone flag never clears.
func (t *Txn) replace(b binding, d models.Delta) bool {
	old, _ := t.st.writs.Get(slot{key: b.key})

	w := d.Writ.Clone()
	w.ID = b.id
	w.Time = b.key
	w.Deleted = old.writ.Deleted || w.Deleted
	pending := b.pending && d.Origin == models.OriginLocal

	if pending == b.pending && reflect.DeepEqual(old.writ, w) {
		return false
	}
	t.bind(w, b.key, pending)
	return true
}

func (t *Txn) del(id string) bool {
	b, ok := t.st.index.Get(binding{id: id})
	if !ok {
		return false
	}
	sl, _ := t.st.writs.Get(slot{key: b.key})
	if sl.writ.Deleted {
		return false
	}
	w := sl.writ
	w.Deleted = true
	t.st.writs.ReplaceOrInsert(slot{key: b.key, writ: w})
	return true
}

// bind writes the slot and its index entry together.
func (t *Txn) bind(w models.Writ, key timekey.Key, pending bool) {
	w.Time = key
	t.st.writs.ReplaceOrInsert(slot{key: key, writ: w})
	t.st.index.ReplaceOrInsert(binding{id: w.ID, key: key, pending: pending})
	t.changed = true
}

// ApplyDelta computes the state that results from applying d to s. s is
// never modified; on error or no-op the returned state is s itself.
func ApplyDelta(s *State, d models.Delta, gen *timekey.Generator) (*State, bool, error) {
	txn := s.Begin(gen)
	changed, err := txn.Apply(d)
	if err != nil || !changed {
		return s, false, err
	}
	return txn.Commit(), true, nil
}
