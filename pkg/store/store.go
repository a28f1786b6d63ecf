// Package store is a pebble-backed conversation log. It is the backing
// store for standalone mode, where it stands in for a remote ship.
package store

import (
	"encoding/json"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"pactcache/pkg/logger"
	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

var (
	ErrNotOpen      = errors.New("store not open")
	ErrTimeConflict = errors.New("time slot taken by another message")
)

// Store persists writs per conversation.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, errors.Wrapf(err, "open store at %s", path)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// IsNotFound reports whether err is pebble's not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func (s *Store) get(key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, ErrNotOpen
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		logger.Error("get_key_failed", "key", key, "error", err)
		return nil, false, err
	}
	defer closer.Close()
	return slices.Clone(v), true, nil
}

func (s *Store) getWrit(key string) (models.Writ, bool, error) {
	raw, ok, err := s.get(key)
	if err != nil || !ok {
		return models.Writ{}, false, err
	}
	var w models.Writ
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Writ{}, false, errors.Wrapf(err, "decode %s", key)
	}
	return w, true, nil
}

// Get returns the writ id in whom.
func (s *Store) Get(whom models.Whom, id string) (models.Writ, bool, error) {
	raw, ok, err := s.get(GenIndexKey(whom, id))
	if err != nil || !ok {
		return models.Writ{}, false, err
	}
	t, err := ParseTime(string(raw))
	if err != nil {
		return models.Writ{}, false, err
	}
	return s.getWrit(GenWritKey(whom, t))
}

// Put stores w. A writ whose id is already stored is rewritten in its
// original slot, keeping a tombstone if there was one. It returns the
// stored version.
func (s *Store) Put(whom models.Whom, w models.Writ) (models.Writ, error) {
	if s.db == nil {
		return models.Writ{}, ErrNotOpen
	}
	if w.ID == "" {
		return models.Writ{}, errors.New("writ without id")
	}
	prev, existed, err := s.Get(whom, w.ID)
	if err != nil {
		return models.Writ{}, err
	}
	if existed {
		w.Time = prev.Time
		w.Deleted = w.Deleted || prev.Deleted
	} else {
		taken, ok, err := s.getWrit(GenWritKey(whom, w.Time))
		if err != nil {
			return models.Writ{}, err
		}
		if ok {
			return models.Writ{}, errors.Mark(
				errors.Newf("%s holds %q, cannot store %q", w.Time, taken.ID, w.ID), ErrTimeConflict)
		}
	}
	return w, s.write(whom, w)
}

func (s *Store) write(whom models.Whom, w models.Writ) error {
	body, err := json.Marshal(w)
	if err != nil {
		return errors.Wrapf(err, "encode %s", w.ID)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(GenWritKey(whom, w.Time)), body, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(GenIndexKey(whom, w.ID)), []byte(PadTime(w.Time)), nil); err != nil {
		return err
	}
	if err := b.Set([]byte(GenConversationKey(whom)), nil, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("store_write_failed", "whom", whom.String(), "id", w.ID, "error", err)
		return err
	}
	logger.Debug("store_write_ok", "whom", whom.String(), "id", w.ID, "len", len(body))
	return nil
}

// Tombstone marks id deleted. It reports false when id is unknown or was
// already deleted.
func (s *Store) Tombstone(whom models.Whom, id string) (bool, error) {
	w, ok, err := s.Get(whom, id)
	if err != nil || !ok || w.Deleted {
		return false, err
	}
	w.Deleted = true
	return true, s.write(whom, w)
}

// Newest returns up to n of the latest writs in whom, newest first.
func (s *Store) Newest(whom models.Whom, n int) ([]models.Writ, error) {
	return s.Older(whom, timekey.Max, n)
}

// Older returns up to n writs strictly before key, newest first.
func (s *Store) Older(whom models.Whom, before timekey.Key, n int) ([]models.Writ, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	if n <= 0 {
		return nil, nil
	}
	prefix := WritPrefix(whom)
	upper := []byte(GenWritKey(whom, before))
	if before == timekey.Max {
		upper = upperBound(prefix)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Writ
	for iter.Last(); iter.Valid() && len(out) < n; iter.Prev() {
		var w models.Writ
		if err := json.Unmarshal(iter.Value(), &w); err != nil {
			return nil, errors.Wrapf(err, "decode %s", iter.Key())
		}
		out = append(out, w)
	}
	return out, iter.Error()
}

// Conversations lists every conversation with stored writs.
func (s *Store) Conversations() ([]models.Whom, error) {
	keys, err := s.ListKeys("c:")
	if err != nil {
		return nil, err
	}
	out := make([]models.Whom, 0, len(keys))
	for _, k := range keys {
		w, err := models.ParseWhom(k[2:])
		if err != nil {
			logger.Warn("store_bad_conversation_key", "key", k, "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// ListKeys returns all keys with prefix.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()))
	}
	return out, iter.Error()
}

// PurgeResult summarizes a tombstone purge.
type PurgeResult struct {
	Scanned int `json:"scanned"`
	Purged  int `json:"purged"`
}

// PurgeTombstones physically removes deleted writs older than cutoff, at
// most limit per call (0 means no limit). With dryRun nothing is removed.
func (s *Store) PurgeTombstones(cutoff timekey.Key, limit int, dryRun bool) (PurgeResult, error) {
	var res PurgeResult
	if s.db == nil {
		return res, ErrNotOpen
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte("w:"), UpperBound: upperBound("w:")})
	if err != nil {
		return res, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && res.Purged >= limit {
			break
		}
		res.Scanned++
		whom, t, err := ParseWritKey(string(iter.Key()))
		if err != nil {
			logger.Warn("purge_bad_key", "key", string(iter.Key()), "error", err)
			continue
		}
		if !t.Less(cutoff) {
			continue
		}
		var w models.Writ
		if err := json.Unmarshal(iter.Value(), &w); err != nil {
			return res, errors.Wrapf(err, "decode %s", iter.Key())
		}
		if !w.Deleted {
			continue
		}
		res.Purged++
		if dryRun {
			continue
		}
		if err := b.Delete(slices.Clone(iter.Key()), nil); err != nil {
			return res, err
		}
		if err := b.Delete([]byte(GenIndexKey(whom, w.ID)), nil); err != nil {
			return res, err
		}
	}
	if err := iter.Error(); err != nil {
		return res, err
	}
	if dryRun || res.Purged == 0 {
		return res, nil
	}
	return res, b.Commit(pebble.Sync)
}
