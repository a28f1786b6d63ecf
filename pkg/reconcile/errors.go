package reconcile

import "github.com/cockroachdb/errors"

var (
	// ErrStaleMutation is returned for mutations submitted after Close.
	ErrStaleMutation = errors.New("stale mutation")
	// ErrQueueFull is returned when local submissions outpace the apply loop.
	ErrQueueFull = errors.New("mutation queue full")
)
