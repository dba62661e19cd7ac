// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for signalgate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as the `reason` label on the rejected counter.
// Bounded set, safe for a Prometheus label.
const (
	ReasonCapacity   = "capacity"
	ReasonPerIPCap   = "per_ip_cap"
	ReasonPerIPRate  = "per_ip_rate"
	ReasonPerUser    = "per_user_rate"
	ReasonOrigin     = "origin"
	ReasonDegraded   = "degraded"
	ReasonCritical   = "critical"
	ReasonAuthexpire = "auth_timeout"
)

// Message categories used as the `category` label on the throttled counter.
const (
	CategorySignal = "signal"
	CategoryJoin   = "join"
	CategoryChat   = "chat"
)

// Metrics holds Prometheus collectors plus plain atomic counters for the
// admission hot path. The atomics feed the degradation controller via
// Snapshot without touching the Prometheus registry.
type Metrics struct {
	admitted          int64
	rejected          int64
	active            int64
	throttled         int64
	heartbeatTimeouts int64
	idleClosed        int64
	redisErrors       int64
	fallbackUsed      int64

	promAdmitted     prometheus.Counter
	promRejected     *prometheus.CounterVec
	promActive       prometheus.Gauge
	promThrottled    *prometheus.CounterVec
	promHBTimeouts   prometheus.Counter
	promIdleClosed   prometheus.Counter
	promRedisErrors  prometheus.Counter
	promFallbackUsed prometheus.Counter
	promDegradeLevel prometheus.Gauge
	promDrained      prometheus.Counter
	promEventsDrop   prometheus.Counter

	// PromHandshakeDuration tracks upgrade latency from request arrival to
	// successful WebSocket upgrade.
	PromHandshakeDuration prometheus.Histogram

	// PromConnDuration tracks connection lifetimes from admission to close.
	PromConnDuration prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics. Passing nil uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "connections_admitted_total",
			Help:      "Total connections that passed all admission tiers.",
		}),
		promRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "connections_rejected_total",
			Help:      "Total connections rejected at admission, by reason.",
		}, []string{"reason"}),
		promActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalgate",
			Name:      "active_connections",
			Help:      "Connections currently holding an admission permit.",
		}),
		promThrottled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "messages_throttled_total",
			Help:      "Messages dropped by per-connection throttles, by category.",
		}, []string{"category"}),
		promHBTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed because a pong did not arrive in time.",
		}),
		promIdleClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "idle_closures_total",
			Help:      "Connections closed for exceeding the idle timeout.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "redis_errors_total",
			Help:      "Total Redis errors from the distributed limiter tier.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "fallback_used_total",
			Help:      "Limiter checks served by the in-memory fallback.",
		}),
		promDegradeLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalgate",
			Name:      "degradation_level",
			Help:      "Current degradation level (0=healthy, 1=degraded, 2=critical).",
		}),
		promDrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "connections_drained_total",
			Help:      "Connections force-closed by the degradation controller.",
		}),
		promEventsDrop: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "signalgate",
			Name:      "events_dropped_total",
			Help:      "Connection events dropped because the emit buffer was full.",
		}),
		PromHandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signalgate",
			Name:      "handshake_duration_seconds",
			Help:      "WebSocket upgrade latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromConnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signalgate",
			Name:      "connection_duration_seconds",
			Help:      "Connection lifetime from admission to close.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}),
	}
}

// IncAdmitted records a connection passing all admission tiers.
func (m *Metrics) IncAdmitted() {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.Inc()
}

// IncRejected records an admission rejection with its reason.
func (m *Metrics) IncRejected(reason string) {
	atomic.AddInt64(&m.rejected, 1)
	m.promRejected.WithLabelValues(reason).Inc()
}

// ConnOpened increments the active connection gauge.
func (m *Metrics) ConnOpened() {
	atomic.AddInt64(&m.active, 1)
	m.promActive.Inc()
}

// ConnClosed decrements the active connection gauge.
func (m *Metrics) ConnClosed() {
	atomic.AddInt64(&m.active, -1)
	m.promActive.Dec()
}

// IncThrottled records a message dropped by a category throttle.
func (m *Metrics) IncThrottled(category string) {
	atomic.AddInt64(&m.throttled, 1)
	m.promThrottled.WithLabelValues(category).Inc()
}

// IncHeartbeatTimeout records a connection closed for a missed pong.
func (m *Metrics) IncHeartbeatTimeout() {
	atomic.AddInt64(&m.heartbeatTimeouts, 1)
	m.promHBTimeouts.Inc()
}

// IncIdleClosed records a connection closed for inactivity.
func (m *Metrics) IncIdleClosed() {
	atomic.AddInt64(&m.idleClosed, 1)
	m.promIdleClosed.Inc()
}

// IncRedisErrors records a Redis error in the limiter tier.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncFallbackUsed records a limiter check served by the in-memory fallback.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// IncEventsDropped records a connection event lost to a full emit buffer.
func (m *Metrics) IncEventsDropped() {
	m.promEventsDrop.Inc()
}

// IncDrained records a connection force-closed during load shedding.
func (m *Metrics) IncDrained() {
	m.promDrained.Inc()
}

// SetDegradationLevel publishes the current degradation level.
func (m *Metrics) SetDegradationLevel(level int) {
	m.promDegradeLevel.Set(float64(level))
}

// Snapshot is a point-in-time copy of the atomic counters. The degradation
// controller diffs successive snapshots to compute windowed rates.
type Snapshot struct {
	Admitted          int64
	Rejected          int64
	Active            int64
	Throttled         int64
	HeartbeatTimeouts int64
	IdleClosed        int64
	RedisErrors       int64
	FallbackUsed      int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Admitted:          atomic.LoadInt64(&m.admitted),
		Rejected:          atomic.LoadInt64(&m.rejected),
		Active:            atomic.LoadInt64(&m.active),
		Throttled:         atomic.LoadInt64(&m.throttled),
		HeartbeatTimeouts: atomic.LoadInt64(&m.heartbeatTimeouts),
		IdleClosed:        atomic.LoadInt64(&m.idleClosed),
		RedisErrors:       atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:      atomic.LoadInt64(&m.fallbackUsed),
	}
}
