package server

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalfish/signalgate/internal/admission"
	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/degrade"
	"github.com/signalfish/signalgate/internal/events"
	"github.com/signalfish/signalgate/internal/observability"
	"github.com/signalfish/signalgate/internal/ratelimit"
)

var tracer = otel.Tracer("signalgate.server")

// handshakeTimeout bounds the WebSocket upgrade itself, separate from the
// post-upgrade auth deadline.
const handshakeTimeout = 10 * time.Second

// Gateway is the admission pipeline in front of every WebSocket connection.
// It runs the tiers in order (origin, degradation state, global ceiling,
// per-IP cap, per-IP rate, per-user rate) and hands admitted connections to
// a session for supervision. It also implements degrade.Drainer so the
// controller can shed idle connections under critical load.
type Gateway struct {
	cfg       atomic.Pointer[config.Config]
	logger    *slog.Logger
	metrics   *observability.Metrics
	emitter   *events.Emitter
	health    *degrade.Controller
	gate      *admission.Gate
	extractor atomic.Pointer[admission.IPExtractor]

	// userLimiter is the distributed per-user tier. nil when Redis is
	// disabled; the tier is then served by userFallback alone.
	userLimiter  *ratelimit.RedisLimiter
	userFallback atomic.Pointer[ratelimit.LocalLimiter]

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// NewGateway wires the admission tiers from config. health may be nil (the
// gate then never degrades), userLimiter may be nil (per-user tier falls
// back to local memory or is skipped when the quota is disabled).
func NewGateway(cfg *config.Config, gate *admission.Gate, health *degrade.Controller, userLimiter *ratelimit.RedisLimiter, emitter *events.Emitter, metrics *observability.Metrics, logger *slog.Logger) (*Gateway, error) {
	extractor, err := admission.NewIPExtractor(cfg.Admission.TrustedProxies, cfg.Admission.TrustedIPDepth)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	gw := &Gateway{
		logger:      logger,
		metrics:     metrics,
		emitter:     emitter,
		health:      health,
		gate:        gate,
		userLimiter: userLimiter,
		sessions:    make(map[*session]struct{}),
	}
	gw.cfg.Store(cfg)
	gw.extractor.Store(extractor)
	if q := cfg.RateLimit.PerUser; q.Enabled() {
		gw.userFallback.Store(ratelimit.NewLocalLimiter(q.Rate, q.Burst, KeyTTL(cfg.RateLimit, q)))
	}
	return gw, nil
}

// KeyTTL resolves the idle-state lifetime for a quota's limiter keys. An
// unset config value derives it from the time a full burst takes to refill,
// doubled, floored at one minute.
func KeyTTL(cfg config.RateLimitConfig, q config.Quota) time.Duration {
	if d, err := time.ParseDuration(cfg.KeyTTL); err == nil && d > 0 {
		return d
	}
	if q.Rate <= 0 {
		return time.Minute
	}
	refill := time.Duration(float64(q.Burst) / q.Rate * 2 * float64(time.Second))
	if refill < time.Minute {
		return time.Minute
	}
	return refill
}

func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := gw.cfg.Load()

	ip := gw.extractor.Load().ClientIP(r)

	_, span := tracer.Start(r.Context(), "signalgate.admit",
		trace.WithAttributes(attribute.String("client.ip", ip)))
	defer span.End()

	dec := gw.gate.Admit(ip)
	span.SetAttributes(attribute.Bool("admission.allowed", dec.Admitted))
	if !dec.Admitted {
		span.SetAttributes(attribute.String("admission.reason", dec.Reason))
		status := http.StatusTooManyRequests
		if dec.Reason == observability.ReasonCapacity || dec.Reason == observability.ReasonCritical {
			status = http.StatusServiceUnavailable
		}
		gw.rejectHTTP(w, r, status, dec.Reason, dec.RetryAfter)
		return
	}

	// Origin validation is the last admission tier; roll back the permit on
	// failure.
	if !originAllowed(r, cfg.Server.AllowedOrigins) {
		span.SetAttributes(attribute.String("admission.reason", observability.ReasonOrigin))
		dec.Release()
		gw.rejectHTTP(w, r, http.StatusForbidden, observability.ReasonOrigin, 0)
		gw.metrics.IncRejected(observability.ReasonOrigin)
		return
	}

	user := userID(r)
	if !gw.allowUser(r.Context(), user) {
		span.SetAttributes(attribute.String("admission.reason", observability.ReasonPerUser))
		dec.Release()
		gw.rejectHTTP(w, r, http.StatusTooManyRequests, observability.ReasonPerUser, time.Second)
		gw.metrics.IncRejected(observability.ReasonPerUser)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		// Origin was checked above against the configured allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		dec.Release()
		gw.logger.Debug("websocket upgrade failed", "ip", ip, "error", err)
		return
	}
	gw.metrics.PromHandshakeDuration.Observe(time.Since(start).Seconds())

	s := newSession(gw, conn, ip, user, dec, cfg)
	gw.metrics.ConnOpened()
	if !gw.register(s) {
		// Shutting down; refuse the connection after the fact.
		s.closeWith(websocket.CloseGoingAway, "shutting down")
		return
	}
	go s.writePump()
	go s.readPump()
}

// allowUser runs the distributed per-user tier. A missing user identity or
// disabled quota admits. Redis failures apply the configured failure policy
// and never panic the handshake.
func (gw *Gateway) allowUser(ctx context.Context, user string) bool {
	cfg := gw.cfg.Load()
	if user == "" || !cfg.RateLimit.PerUser.Enabled() {
		return true
	}
	cost := int64(1)
	if gw.health != nil {
		cost = gw.health.QuotaCost()
	}
	if gw.userLimiter != nil {
		res, err := gw.userLimiter.AllowN(ctx, "user:"+user, cost)
		if err == nil {
			return res.Allowed
		}
		gw.metrics.IncRedisErrors()
		gw.logger.Warn("per-user limiter unavailable", "error", err, "policy", cfg.RateLimit.FailurePolicy)
		switch cfg.RateLimit.FailurePolicy {
		case config.FailurePolicyFailClosed:
			return false
		case config.FailurePolicyPassThrough:
			return true
		}
		gw.metrics.IncFallbackUsed()
	}
	if fb := gw.userFallback.Load(); fb != nil {
		return fb.AllowN("user:"+user, cost).Allowed
	}
	return true
}

func (gw *Gateway) register(s *session) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.closed {
		return false
	}
	gw.sessions[s] = struct{}{}
	return true
}

func (gw *Gateway) unregister(s *session) {
	gw.mu.Lock()
	delete(gw.sessions, s)
	gw.mu.Unlock()
}

// Drain closes up to n connections, longest idle first, and reports how many
// it closed. Called by the degradation controller at critical level.
func (gw *Gateway) Drain(n int) int {
	if n <= 0 {
		return 0
	}
	gw.mu.Lock()
	candidates := make([]*session, 0, len(gw.sessions))
	for s := range gw.sessions {
		candidates = append(candidates, s)
	}
	gw.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActivity.Load() < candidates[j].lastActivity.Load()
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, s := range candidates[:n] {
		s.drain()
	}
	return n
}

// Shutdown closes every active session and stops accepting new ones.
func (gw *Gateway) Shutdown() {
	gw.mu.Lock()
	gw.closed = true
	open := make([]*session, 0, len(gw.sessions))
	for s := range gw.sessions {
		open = append(open, s)
	}
	gw.mu.Unlock()

	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// ActiveSessions returns the number of supervised connections.
func (gw *Gateway) ActiveSessions() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.sessions)
}

// Reload applies a new configuration to the admission pipeline. Established
// sessions keep the settings they were admitted under; new connections pick
// up the new quotas, origins, and timeouts.
func (gw *Gateway) Reload(cfg *config.Config) error {
	extractor, err := admission.NewIPExtractor(cfg.Admission.TrustedProxies, cfg.Admission.TrustedIPDepth)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	old := gw.cfg.Swap(cfg)
	gw.extractor.Store(extractor)

	if cfg.RateLimit.PerIP != old.RateLimit.PerIP {
		q := cfg.RateLimit.PerIP
		var next *ratelimit.LocalLimiter
		if q.Enabled() {
			next = ratelimit.NewLocalLimiter(q.Rate, q.Burst, KeyTTL(cfg.RateLimit, q))
		}
		if prev := gw.gate.SwapIPRate(next); prev != nil {
			prev.Close()
		}
	}
	if cfg.RateLimit.PerUser != old.RateLimit.PerUser {
		q := cfg.RateLimit.PerUser
		var next *ratelimit.LocalLimiter
		if q.Enabled() {
			next = ratelimit.NewLocalLimiter(q.Rate, q.Burst, KeyTTL(cfg.RateLimit, q))
		}
		if prev := gw.userFallback.Swap(next); prev != nil {
			prev.Close()
		}
	}
	return nil
}

// Close releases the limiters owned by the gateway. Sessions must already
// be shut down.
func (gw *Gateway) Close() {
	if prev := gw.gate.SwapIPRate(nil); prev != nil {
		prev.Close()
	}
	if prev := gw.userFallback.Swap(nil); prev != nil {
		prev.Close()
	}
}

// rejectHTTP answers a refused handshake before the upgrade with a JSON body
// and, when a retry hint exists, a jittered Retry-After header. It also
// ships a rejection event when an emitter is configured.
func (gw *Gateway) rejectHTTP(w http.ResponseWriter, r *http.Request, status int, reason string, retryAfter time.Duration) {
	retrySeconds := 0.0
	if retryAfter > 0 {
		// +/-10% jitter: clients retrying after a mass rejection must not
		// arrive back in lockstep.
		jitter := 0.9 + cryptoRandFloat64()*0.2
		retrySeconds = math.Ceil(time.Duration(float64(retryAfter) * jitter).Seconds())
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
	}

	body, _ := json.Marshal(map[string]any{
		"error":       reason,
		"message":     http.StatusText(status),
		"retry_after": retrySeconds,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)

	gw.emitter.Emit(events.ConnectionEvent{
		Type:       events.TypeRejected,
		IP:         gw.extractor.Load().ClientIP(r),
		Reason:     reason,
		RetryAfter: retryAfter.Milliseconds(),
		Active:     gw.gate.Active(),
	})
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin; the header only defends
		// against cross-site browser connections.
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// userID extracts the caller's identity for the per-user tier. Header first
// (set by an authenticating proxy), query parameter as a fallback for
// browser clients that cannot set headers on WebSocket handshakes.
func userID(r *http.Request) string {
	if u := r.Header.Get("X-User-Id"); u != "" {
		return u
	}
	return r.URL.Query().Get("user_id")
}

// cryptoRandFloat64 returns a random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) / (1 << 53)
}
