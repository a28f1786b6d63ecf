// Package pact holds the per-conversation message store.
//
// A State is an immutable snapshot: an ordered map from time key to writ and
// an index from id to time key, both copy-on-write btrees. Mutations run on
// a Txn, a private clone, and become visible only when the Pact publishes
// the committed State.
package pact

import (
	"iter"
	"reflect"
	"slices"

	"github.com/google/btree"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

const degree = 16

type slot struct {
	key  timekey.Key
	writ models.Writ
}

type binding struct {
	id  string
	key timekey.Key
	// pending is set while the binding comes from an unconfirmed local write.
	pending bool
}

func slotLess(a, b slot) bool       { return a.key.Less(b.key) }
func bindingLess(a, b binding) bool { return a.id < b.id }

// State is a read-only snapshot of one conversation.
type State struct {
	writs *btree.BTreeG[slot]
	index *btree.BTreeG[binding]
}

// NewState returns an empty snapshot.
func NewState() *State {
	return &State{
		writs: btree.NewG(degree, slotLess),
		index: btree.NewG(degree, bindingLess),
	}
}

func (s *State) clone() *State {
	return &State{writs: s.writs.Clone(), index: s.index.Clone()}
}

// Len returns the number of records, tombstones included.
func (s *State) Len() int { return s.writs.Len() }

// ByID resolves id through the index.
func (s *State) ByID(id string) (models.Writ, bool) {
	b, ok := s.index.Get(binding{id: id})
	if !ok {
		return models.Writ{}, false
	}
	sl, ok := s.writs.Get(slot{key: b.key})
	if !ok {
		return models.Writ{}, false
	}
	return sl.writ.Redacted(), true
}

// ByTime returns the record at key.
func (s *State) ByTime(key timekey.Key) (models.Writ, bool) {
	sl, ok := s.writs.Get(slot{key: key})
	if !ok {
		return models.Writ{}, false
	}
	return sl.writ.Redacted(), true
}

// KeyOf returns the time key bound to id.
func (s *State) KeyOf(id string) (timekey.Key, bool) {
	b, ok := s.index.Get(binding{id: id})
	return b.key, ok
}

// Pending reports whether id is bound by an unconfirmed local write.
func (s *State) Pending(id string) bool {
	b, ok := s.index.Get(binding{id: id})
	return ok && b.pending
}

// Range yields records with from <= key < to in ascending key order. The
// sequence reads this snapshot only and may be iterated any number of times.
func (s *State) Range(from, to timekey.Key) iter.Seq[models.Writ] {
	return func(yield func(models.Writ) bool) {
		s.writs.AscendRange(slot{key: from}, slot{key: to}, func(sl slot) bool {
			return yield(sl.writ.Redacted())
		})
	}
}

// All yields every record in ascending key order.
func (s *State) All() iter.Seq[models.Writ] {
	return func(yield func(models.Writ) bool) {
		s.writs.Ascend(func(sl slot) bool {
			return yield(sl.writ.Redacted())
		})
	}
}

// Newest returns up to n of the latest records, oldest first.
func (s *State) Newest(n int) []models.Writ {
	if n <= 0 {
		return nil
	}
	out := make([]models.Writ, 0, min(n, s.writs.Len()))
	s.writs.Descend(func(sl slot) bool {
		out = append(out, sl.writ.Redacted())
		return len(out) < n
	})
	slices.Reverse(out)
	return out
}

// Older returns up to n records strictly before key, oldest first.
func (s *State) Older(key timekey.Key, n int) []models.Writ {
	if n <= 0 {
		return nil
	}
	var out []models.Writ
	s.writs.DescendLessOrEqual(slot{key: key}, func(sl slot) bool {
		if sl.key == key {
			return true
		}
		out = append(out, sl.writ.Redacted())
		return len(out) < n
	})
	slices.Reverse(out)
	return out
}

// Oldest returns the smallest key held, if any.
func (s *State) Oldest() (timekey.Key, bool) {
	sl, ok := s.writs.Min()
	return sl.key, ok
}

// RepliesTo returns, in key order, the records whose reply list names id.
func (s *State) RepliesTo(id string) []models.Writ {
	var out []models.Writ
	s.writs.Ascend(func(sl slot) bool {
		if slices.Contains(sl.writ.RepliedIDs, id) {
			out = append(out, sl.writ.Redacted())
		}
		return true
	})
	return out
}

// Replies resolves the reply list of the record id through the index and
// returns the targets in key order. Ids not present yet are skipped.
func (s *State) Replies(id string) []models.Writ {
	b, ok := s.index.Get(binding{id: id})
	if !ok {
		return nil
	}
	sl, ok := s.writs.Get(slot{key: b.key})
	if !ok {
		return nil
	}
	var out []models.Writ
	seen := make(map[timekey.Key]struct{}, len(sl.writ.RepliedIDs))
	for _, r := range sl.writ.RepliedIDs {
		rb, ok := s.index.Get(binding{id: r})
		if !ok {
			continue
		}
		if _, dup := seen[rb.key]; dup {
			continue
		}
		target, ok := s.writs.Get(slot{key: rb.key})
		if !ok {
			continue
		}
		seen[rb.key] = struct{}{}
		out = append(out, target.writ.Redacted())
	}
	slices.SortFunc(out, func(a, b models.Writ) int { return timekey.Compare(a.Time, b.Time) })
	return out
}

// Equal reports whether two snapshots hold the same records, bindings and
// pending flags.
func Equal(a, b *State) bool {
	if a.writs.Len() != b.writs.Len() || a.index.Len() != b.index.Len() {
		return false
	}
	var as, bs []slot
	a.writs.Ascend(func(sl slot) bool { as = append(as, sl); return true })
	b.writs.Ascend(func(sl slot) bool { bs = append(bs, sl); return true })
	for i := range as {
		if as[i].key != bs[i].key || !reflect.DeepEqual(as[i].writ, bs[i].writ) {
			return false
		}
	}
	var ai, bi []binding
	a.index.Ascend(func(x binding) bool { ai = append(ai, x); return true })
	b.index.Ascend(func(x binding) bool { bi = append(bi, x); return true })
	return slices.Equal(ai, bi)
}
