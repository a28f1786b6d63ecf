// Package transport defines what the cache needs from a backing store.
package transport

import (
	"context"

	"github.com/cockroachdb/errors"

	"pactcache/pkg/models"
	"pactcache/pkg/timekey"
)

// ErrTransportFailure marks errors raised while talking to the backing store.
var ErrTransportFailure = errors.New("transport failure")

// Transport is the source of truth for conversations.
type Transport interface {
	// FetchNewest returns up to count of the latest writs in any order.
	FetchNewest(ctx context.Context, whom models.Whom, count int) ([]models.Writ, error)
	// FetchOlder returns up to count writs strictly before the given key.
	FetchOlder(ctx context.Context, whom models.Whom, before timekey.Key, count int) ([]models.Writ, error)
	// FetchByID returns a single writ; ok is false if the store has none.
	FetchByID(ctx context.Context, whom models.Whom, id string) (w models.Writ, ok bool, err error)
	// OpenFeed starts the push stream of deltas for whom. Deltas may arrive
	// out of order or more than once.
	OpenFeed(ctx context.Context, whom models.Whom) (Feed, error)
	SendAdd(ctx context.Context, whom models.Whom, w models.Writ) error
	SendDelete(ctx context.Context, whom models.Whom, id string) error
}

// Feed is an open delta stream. Deltas is closed once the feed ends.
type Feed interface {
	Deltas() <-chan models.Delta
	Close() error
}

// Fail wraps err with context and marks it as a transport failure.
func Fail(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrTransportFailure)
}

// IsFailure reports whether err came from a transport.
func IsFailure(err error) bool { return errors.Is(err, ErrTransportFailure) }
