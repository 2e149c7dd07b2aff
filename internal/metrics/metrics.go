// Package metrics exposes Prometheus instrumentation for the count core.
//
// A nil *Metrics is valid and records nothing, so components can take
// one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reconcile results.
const (
	ResultBound     = "bound"
	ResultUpdated   = "updated"
	ResultNoop      = "noop"
	ResultDeleted   = "deleted"
	ResultTransient = "transient"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

// Restore results.
const (
	RestoreHit     = "hit"
	RestoreMiss    = "miss"
	RestoreStale   = "stale"
	RestoreRefetch = "refetch"
)

// Metrics holds the collectors.
type Metrics struct {
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	transitions       *prometheus.CounterVec
	restores          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorcount_reconcile_total",
			Help: "Entry reconciliations against the sync gateway by result.",
		}, []string{"result"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sectorcount_reconcile_duration_seconds",
			Help:    "Duration of one entry reconciliation including gateway round trip.",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorcount_transitions_total",
			Help: "Session lifecycle transitions.",
		}, []string{"from", "to"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorcount_journal_restore_total",
			Help: "Local journal snapshot restores by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconcileTotal, m.reconcileDuration, m.transitions, m.restores)
	}
	return m
}

// ObserveReconcile records one reconciliation.
func (m *Metrics) ObserveReconcile(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
	m.reconcileDuration.Observe(d.Seconds())
}

// Transition records a lifecycle change.
func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Restore records a journal restore outcome.
func (m *Metrics) Restore(result string) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(result).Inc()
}
