package pact

import (
	"github.com/cockroachdb/errors"

	"pactcache/pkg/timekey"
)

var (
	// ErrDuplicateInsert is returned by Insert for an id that already exists.
	ErrDuplicateInsert = errors.New("duplicate insert")
	// ErrKeyCollision means a time key is already bound to a different id.
	ErrKeyCollision = errors.New("time key collision")
	// ErrInvalidDelta is returned for deltas that cannot be applied at all.
	ErrInvalidDelta = errors.New("invalid delta")
)

func duplicateInsert(id string, at timekey.Key) error {
	return errors.WithAssertionFailure(
		errors.Mark(errors.Newf("id %q already bound to %s", id, at), ErrDuplicateInsert))
}

func keyCollision(at timekey.Key, holder, incoming string) error {
	return errors.WithAssertionFailure(
		errors.Mark(errors.Newf("slot %s holds %q, cannot bind %q", at, holder, incoming), ErrKeyCollision))
}

func invalidDelta(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidDelta)
}

// IsInvariantViolation reports whether err signals a broken store invariant
// rather than a bad input.
func IsInvariantViolation(err error) bool {
	return errors.HasAssertionFailure(err)
}
