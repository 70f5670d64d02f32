// Package metrics exposes the Prometheus collectors updated by docsync
// components. Collectors are always live; they are only exported once
// registered with RegisterCoreMetrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ReadCounter counts document reads by the tier that served them.
	ReadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_reads_total",
		Help: "Total number of document reads by serving source",
	}, []string{"source"})
	// WriteCounter counts successful document writes.
	WriteCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_writes_total",
		Help: "Total number of successful document writes",
	})
	// ConflictCounter counts rejected compare-and-swap writes.
	ConflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_conflicts_total",
		Help: "Total number of rejected conditional writes",
	}, []string{"kind"})
	// LockAcquireCounter counts lock acquisitions by outcome.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_lock_acquire_total",
		Help: "Total number of lock acquisition attempts by outcome",
	}, []string{"outcome"})
	// HeartbeatCounter counts lock heartbeats by outcome.
	HeartbeatCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_lock_heartbeats_total",
		Help: "Total number of lock heartbeats by outcome",
	}, []string{"outcome"})
	// LockLostCounter counts leases found reclaimed by another client.
	LockLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_lock_lost_total",
		Help: "Total number of locks lost to another client",
	})
	// CacheDegradedCounter counts memory table failures turned into misses.
	CacheDegradedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_cache_degraded_total",
		Help: "Total number of memory table operations that failed and were skipped",
	}, []string{"op"})
	// WatcherGauge reports the number of active watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_watchers",
		Help: "Current number of active watchers",
	})
	// WatchChangeCounter counts remote revision changes seen by watchers.
	WatchChangeCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsync_watch_changes_total",
		Help: "Total number of remote revision changes detected",
	})
)

// Outcome labels.
const (
	OutcomeAcquired = "acquired"
	OutcomeBusy     = "busy"
	OutcomeTimeout  = "timeout"
	OutcomeError    = "error"
	OutcomeOK       = "ok"
	OutcomeLost     = "lost"
)

// RegisterCoreMetrics registers docsync metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ReadCounter,
		WriteCounter,
		ConflictCounter,
		LockAcquireCounter,
		HeartbeatCounter,
		LockLostCounter,
		CacheDegradedCounter,
		WatcherGauge,
		WatchChangeCounter,
	)
}
