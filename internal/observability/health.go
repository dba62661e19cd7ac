package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","redis":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger is implemented by any type that can check connectivity (e.g. a
// Redis client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource reports the current degradation state for /statusz.
type StatusSource interface {
	// Level returns the numeric degradation level (0=healthy, 1=degraded,
	// 2=critical) and its string name.
	Level() (int, string)
}

// HealthChecker provides startup, liveness, readiness, and status endpoints.
type HealthChecker struct {
	started int32 // atomic: 0 = not started, 1 = started
	ready   int32 // atomic: 0 = not ready, 1 = ready

	mu          sync.RWMutex
	redisPinger Pinger       // may be nil if no Redis is configured
	status      StatusSource // may be nil before the controller starts
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks the service as having completed startup. Kubernetes uses
// this via the startup probe to know when to begin liveness and readiness
// probes.
func (h *HealthChecker) SetStarted() {
	atomic.StoreInt32(&h.started, 1)
}

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool {
	return atomic.LoadInt32(&h.started) == 1
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetRedisPinger registers a Redis client for deep readiness checks.
// Pass nil to clear it.
func (h *HealthChecker) SetRedisPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redisPinger = p
}

// SetStatusSource registers the degradation controller for /statusz.
func (h *HealthChecker) SetStatusSource(s StatusSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

// StartzHandler returns 200 once the service has completed startup, 503
// otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise. With
// `?deep=true` and a registered Redis pinger it actively PINGs Redis and
// returns 503 if unreachable.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") == "true" {
			h.mu.RLock()
			pinger := h.redisPinger
			h.mu.RUnlock()

			if pinger != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if err := pinger.Ping(ctx); err != nil {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write(jsonDeepFail)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonDeepOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}

// StatuszHandler reports the degradation state. Healthy and degraded return
// 200 so load balancers keep routing; critical returns 503 so upstream can
// shed traffic to other instances.
func (h *HealthChecker) StatuszHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		h.mu.RLock()
		status := h.status
		h.mu.RUnlock()

		level, name := 0, "healthy"
		if status != nil {
			level, name = status.Level()
		}

		code := http.StatusOK
		if level >= 2 {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": name,
			"level":  level,
		})
	}
}
