// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeltasApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pactcache_deltas_applied_total",
			Help: "Deltas that changed a conversation, by kind and origin.",
		},
		[]string{"kind", "origin"},
	)

	DeltasDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pactcache_deltas_dropped_total",
			Help: "Deltas discarded without being applied, by reason.",
		},
		[]string{"reason"},
	)

	MergeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pactcache_merge_errors_total",
			Help: "Deltas rejected by the merge, by error class.",
		},
		[]string{"class"},
	)

	Backfills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pactcache_backfills_total",
			Help: "Backfill attempts, by result.",
		},
		[]string{"result"},
	)

	BackfillDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pactcache_backfill_duration_seconds",
			Help:    "Time spent fetching and applying a backfill.",
			Buckets: prometheus.DefBuckets,
		},
	)

	Notifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pactcache_notifications_total",
			Help: "Coalesced change notifications delivered to observers.",
		},
	)

	LivePacts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pactcache_live_pacts",
			Help: "Conversations currently subscribed.",
		},
	)

	Pokes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pactcache_transport_sends_total",
			Help: "Writes sent to the backing store, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	EyreEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pactcache_eyre_events_total",
			Help: "Channel events received from the ship, by response type.",
		},
		[]string{"response"},
	)
)

func init() {
	prometheus.MustRegister(DeltasApplied)
	prometheus.MustRegister(DeltasDropped)
	prometheus.MustRegister(MergeErrors)
	prometheus.MustRegister(Backfills)
	prometheus.MustRegister(BackfillDuration)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(LivePacts)
	prometheus.MustRegister(Pokes)
	prometheus.MustRegister(EyreEvents)
}
