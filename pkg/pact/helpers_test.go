package pact

import (
	"fmt"
	"slices"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

func writ(id string, t uint64) models.Writ {
	return models.Writ{
		ID:      id,
		Author:  "~zod",
		Time:    timekey.FromUint64(t),
		Content: models.Story{Inline: []models.Inline{models.Text("body of " + id)}},
	}
}

func ids(ws []models.Writ) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func collect(s *State, from, to uint64) []models.Writ {
	return slices.Collect(s.Range(timekey.FromUint64(from), timekey.FromUint64(to)))
}

// check verifies that index and writs agree.
func check(s *State) error {
	if s.writs.Len() != s.index.Len() {
		return fmt.Errorf("writs hold %d records, index %d", s.writs.Len(), s.index.Len())
	}
	var err error
	s.index.Ascend(func(b binding) bool {
		sl, ok := s.writs.Get(slot{key: b.key})
		switch {
		case !ok:
			err = fmt.Errorf("index entry %q points at empty slot %s", b.id, b.key)
		case sl.writ.ID != b.id:
			err = fmt.Errorf("slot %s holds %q, index says %q", b.key, sl.writ.ID, b.id)
		case sl.writ.Time != b.key:
			err = fmt.Errorf("slot %s holds writ timed %s", b.key, sl.writ.Time)
		}
		return err == nil
	})
	return err
}
