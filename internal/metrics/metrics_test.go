package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveReconcile(ResultBound, 20*time.Millisecond)
	m.ObserveReconcile(ResultBound, 10*time.Millisecond)
	m.ObserveReconcile(ResultTransient, time.Second)
	m.Transition("PENDING", "IN_PROGRESS")
	m.Transition("IN_PROGRESS", "IN_PROGRESS")
	m.Restore(RestoreStale)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues(ResultBound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues(ResultTransient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("PENDING", "IN_PROGRESS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.transitions.WithLabelValues("IN_PROGRESS", "IN_PROGRESS")),
		"self transitions are not recorded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restores.WithLabelValues(RestoreStale)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReconcile(ResultNoop, time.Millisecond)
		m.Transition("A", "B")
		m.Restore(RestoreHit)
	})
}
