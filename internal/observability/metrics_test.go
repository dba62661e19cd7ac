package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncAdmitted()
	m.IncAdmitted()
	m.IncRejected(ReasonCapacity)
	m.IncRejected(ReasonPerIPCap)
	m.IncRejected(ReasonPerIPCap)
	m.IncThrottled(CategoryChat)
	m.IncHeartbeatTimeout()
	m.IncIdleClosed()
	m.IncRedisErrors()
	m.IncFallbackUsed()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Admitted)
	assert.Equal(t, int64(3), snap.Rejected)
	assert.Equal(t, int64(1), snap.Active)
	assert.Equal(t, int64(1), snap.Throttled)
	assert.Equal(t, int64(1), snap.HeartbeatTimeouts)
	assert.Equal(t, int64(1), snap.IdleClosed)
	assert.Equal(t, int64(1), snap.RedisErrors)
	assert.Equal(t, int64(1), snap.FallbackUsed)

	// Prometheus side mirrors the atomics.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.promAdmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.promRejected.WithLabelValues(ReasonPerIPCap)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promActive))
}

func TestMetricsDegradationGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetDegradationLevel(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.promDegradeLevel))
	m.SetDegradationLevel(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.promDegradeLevel))
}

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.IncAdmitted()

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP signalgate_connections_admitted_total Total connections that passed all admission tiers.
# TYPE signalgate_connections_admitted_total counter
signalgate_connections_admitted_total 1
`), "signalgate_connections_admitted_total")
	require.NoError(t, err)
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	first := m.Snapshot()
	m.IncAdmitted()
	assert.Equal(t, int64(0), first.Admitted)
	assert.Equal(t, int64(1), m.Snapshot().Admitted)
}
