// Package server wires the signalgate admission pipeline into HTTP servers:
// the main WebSocket listener and the admin server for health, status, and
// metrics. It owns startup ordering, config hot-reload, TLS certificate
// rotation, and graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalfish/signalgate/internal/admission"
	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/degrade"
	"github.com/signalfish/signalgate/internal/events"
	"github.com/signalfish/signalgate/internal/observability"
	"github.com/signalfish/signalgate/internal/ratelimit"
	"github.com/signalfish/signalgate/internal/redis"
)

// Server is the top-level signalgate process: the WebSocket listener, the
// admin listener, the degradation controller, and the shared state they
// hang off.
type Server struct {
	mu  sync.Mutex
	cfg *config.Config

	logger  *slog.Logger
	version string

	wsServer    *http.Server
	adminServer *http.Server

	gateway    *Gateway
	tracker    *admission.Tracker
	controller *degrade.Controller
	emitter    *events.Emitter
	rdb        redis.Client

	health  *observability.HealthChecker
	metrics *observability.Metrics

	certs           *certHolder
	tracingShutdown func(context.Context) error
}

// redisPinger adapts the go-redis command result to the health checker's
// error-returning Pinger.
type redisPinger struct {
	c redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

// drainProxy forwards controller drain requests to the gateway. The
// controller is constructed before the gateway exists.
type drainProxy struct {
	gw atomic.Pointer[Gateway]
}

func (d *drainProxy) Drain(n int) int {
	if gw := d.gw.Load(); gw != nil {
		return gw.Drain(n)
	}
	return 0
}

// New builds a fully wired but not yet listening Server from config.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
		certs:   &certHolder{},
	}

	var userLimiter *ratelimit.RedisLimiter
	if cfg.Redis.Enabled {
		redis.WarnInsecureRedis(cfg.Redis.TLS, logger)
		rdb, err := redis.NewClient(cfg.Redis)
		if err != nil {
			if cfg.RateLimit.FailurePolicy == config.FailurePolicyFailClosed {
				return nil, fmt.Errorf("redis: %w", err)
			}
			logger.Warn("redis unavailable at startup, per-user tier degraded to fallback",
				"error", err, "policy", cfg.RateLimit.FailurePolicy)
			rdb, err = redis.NewClientWithoutPing(cfg.Redis)
			if err != nil {
				return nil, fmt.Errorf("redis: %w", err)
			}
		}
		s.rdb = rdb
		health.SetRedisPinger(redisPinger{rdb})
		if q := cfg.RateLimit.PerUser; q.Enabled() {
			ttl := int(KeyTTL(cfg.RateLimit, q).Seconds())
			userLimiter = ratelimit.NewRedisLimiter(rdb, q.Rate, q.Burst, ttl, cfg.RateLimit.KeyPrefix, logger)
		}
	}

	sem := admission.NewSemaphore(cfg.Admission.MaxConnections)
	s.tracker = admission.NewTracker(cfg.Admission.MaxPerIP)
	var ipRate *ratelimit.LocalLimiter
	if q := cfg.RateLimit.PerIP; q.Enabled() {
		ipRate = ratelimit.NewLocalLimiter(q.Rate, q.Burst, KeyTTL(cfg.RateLimit, q))
	}

	proxy := &drainProxy{}
	s.controller = degrade.NewController(
		degrade.BuildOptions(cfg.Degradation),
		degrade.MetricsFunc(func() (observability.Snapshot, error) {
			return metrics.Snapshot(), nil
		}),
		sem.Occupancy,
		metrics,
		proxy,
		logger,
	)
	health.SetStatusSource(s.controller)

	gate := admission.NewGate(sem, s.tracker, ipRate, s.controller, metrics)

	s.emitter = events.NewEmitter(cfg.Events, logger, metrics)

	gw, err := NewGateway(cfg, gate, s.controller, userLimiter, s.emitter, metrics, logger)
	if err != nil {
		return nil, err
	}
	s.gateway = gw
	proxy.gw.Store(gw)

	s.wsServer = s.buildWSServer(cfg)
	s.adminServer = s.buildAdminServer(cfg, reg)

	if cfg.Server.TLS.Enabled {
		if err := s.certs.Reload(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile); err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
	}
	return s, nil
}

func (s *Server) buildWSServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.gateway)

	return &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		// Header timeout only: connections are hijacked after the upgrade
		// and supervised by the session's own deadlines.
		ReadHeaderTimeout: config.MustParseDuration(cfg.Server.ReadTimeout, 10*time.Second),
		MaxHeaderBytes:    1 << 20,
	}
}

func (s *Server) buildAdminServer(cfg *config.Config, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/startz", s.health.StartzHandler())
	mux.HandleFunc("/healthz", s.health.HealthzHandler())
	mux.HandleFunc("/readyz", s.health.ReadyzHandler())
	mux.HandleFunc("/statusz", s.health.StatuszHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:         cfg.Admin.Address,
		Handler:      mux,
		ReadTimeout:  config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout: config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:  config.MustParseDuration(cfg.Admin.IdleTimeout, 60*time.Second),
	}
}

// Run starts both servers and blocks until ctx is canceled or a server
// fails. Readiness flips only after both listeners are bound.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	s.tracingShutdown = shutdownTracing

	go s.controller.Run(ctx)
	go s.maintenanceLoop(ctx)

	if cfg.Server.TLS.Enabled {
		cw := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			func(certFile, keyFile string) {
				if rerr := s.certs.Reload(certFile, keyFile); rerr != nil {
					s.logger.Error("certificate reload failed", "error", rerr)
				}
			}, s.logger)
		go func() {
			if werr := cw.Start(ctx); werr != nil {
				s.logger.Error("cert watcher error", "error", werr)
			}
		}()
		defer cw.Stop()
	}

	errCh := make(chan error, 2)
	wsReady := make(chan struct{})
	adminReady := make(chan struct{})

	go s.serve(s.wsServer, cfg.Server.TLS.Enabled, wsReady, errCh)
	go s.serve(s.adminServer, false, adminReady, errCh)

	s.health.SetStarted()
	s.logger.Info("signalgate started",
		"version", s.version,
		"address", cfg.Server.Address,
		"admin", cfg.Admin.Address,
		"max_connections", cfg.Admission.MaxConnections,
		"max_per_ip", cfg.Admission.MaxPerIP)

	for _, ready := range []chan struct{}{wsReady, adminReady} {
		select {
		case <-ready:
		case err := <-errCh:
			s.shutdown()
			return err
		case <-ctx.Done():
			s.shutdown()
			return nil
		}
	}
	s.health.SetReady()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		s.shutdown()
		return nil
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

// serve binds the listener, signals readiness, and serves. Bind errors and
// serve errors both land on errCh.
func (s *Server) serve(srv *http.Server, useTLS bool, ready chan struct{}, errCh chan<- error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
		return
	}
	if useTLS {
		ln = tls.NewListener(ln, &tls.Config{
			GetCertificate: s.certs.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		})
	}
	close(ready)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
}

// Reload applies a changed configuration without dropping established
// connections. Fields that need a restart are logged and skipped.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	oldCfg := s.cfg
	s.cfg = newCfg
	s.mu.Unlock()

	if restart := newCfg.RequiresRestart(oldCfg); len(restart) > 0 {
		s.logger.Warn("config fields changed that need a restart to apply", "fields", restart)
	}

	s.tracker.SetMax(newCfg.Admission.MaxPerIP)
	if err := s.gateway.Reload(newCfg); err != nil {
		return err
	}

	if newCfg.Server.TLS.Enabled && oldCfg.Server.TLS.Enabled {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("certificate reload failed, keeping previous certificate", "error", err)
		}
	}

	s.logger.Info("configuration reloaded",
		"max_per_ip", newCfg.Admission.MaxPerIP,
		"per_ip_rate", newCfg.RateLimit.PerIP.Rate,
		"per_user_rate", newCfg.RateLimit.PerUser.Rate)
	return nil
}

func (s *Server) shutdown() {
	s.health.SetNotReady()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	drainTimeout := config.MustParseDuration(cfg.Server.DrainTimeout, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Stop accepting new handshakes, then close established sessions.
	// Hijacked WebSocket connections are not covered by http.Server
	// shutdown and must be closed by the gateway.
	if err := s.wsServer.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown", "error", err)
	}
	s.gateway.Shutdown()
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Warn("admin server shutdown", "error", err)
	}

	s.gateway.Close()
	if err := s.emitter.Close(); err != nil {
		s.logger.Warn("event emitter close", "error", err)
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Warn("redis close", "error", err)
		}
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracing shutdown", "error", err)
		}
	}
	s.logger.Info("shutdown complete", "active_sessions", s.gateway.ActiveSessions())
}

// maintenanceInterval is the cadence of the periodic state sweep.
const maintenanceInterval = time.Minute

// maintenanceLoop reports limiter and tracker table sizes on a fixed
// cadence. Stale bucket state is evicted by TTL; the sweep only observes,
// and warns when occupancy runs close to the ceiling.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.metrics.Snapshot()
			s.logger.Debug("admission state sweep",
				"tracked_ips", s.tracker.Len(),
				"active_sessions", s.gateway.ActiveSessions(),
				"active_permits", snap.Active,
				"degradation", s.controller.Current().String())
			if occ := s.gateway.gate.Occupancy(); occ >= 0.9 {
				s.logger.Warn("connection ceiling nearly exhausted",
					"occupancy", occ, "active", snap.Active)
			}
		}
	}
}

// certHolder serves the current TLS certificate and swaps it atomically on
// rotation, so in-flight handshakes never see a torn read.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func (c *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	c.cert.Store(&cert)
	return nil
}

func (c *certHolder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := c.cert.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}
