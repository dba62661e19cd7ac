// Package degrade implements the tri-state load controller. It watches
// rejection ratios and semaphore occupancy, escalates through healthy,
// degraded, and critical, and steps back down only after a sustained calm
// period so the level cannot flap at a threshold boundary.
package degrade

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/observability"
)

// Level is the instance health state.
type Level int32

const (
	Healthy Level = iota
	Degraded
	Critical
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// MetricsSource supplies counter snapshots for windowed rate computation.
// A snapshot failure must never influence admission: the controller logs it
// and holds the current level.
type MetricsSource interface {
	Snapshot() (observability.Snapshot, error)
}

// MetricsFunc adapts a plain snapshot function to MetricsSource.
type MetricsFunc func() (observability.Snapshot, error)

func (f MetricsFunc) Snapshot() (observability.Snapshot, error) { return f() }

// Drainer force-closes connections to relieve pressure at critical. The
// server implements this by closing its longest-idle connections.
type Drainer interface {
	// Drain closes up to n connections and returns how many were closed.
	Drain(n int) int
}

// Options tunes the controller. All fields are required; BuildOptions fills
// them from config with defaults applied.
type Options struct {
	// RejectionThreshold escalates to degraded when the rejection ratio over
	// RejectionWindow exceeds it.
	RejectionThreshold float64
	RejectionWindow    time.Duration

	// AlertThreshold is the lower, sustained ratio over AlertWindow.
	AlertThreshold float64
	AlertWindow    time.Duration

	// OccupancyThreshold escalates to critical when active/ceiling exceeds it.
	OccupancyThreshold float64

	// EvalInterval is the evaluation cadence.
	EvalInterval time.Duration

	// RecoveryWindow is how long every signal must stay inside the
	// hysteresis band before the level steps down by one.
	RecoveryWindow time.Duration

	// RecoveryFactor scales each escalation threshold to form the band.
	RecoveryFactor float64

	// DrainBatch is the number of connections drained per evaluation while
	// critical. Zero disables draining.
	DrainBatch int
}

// sample is one point of the cumulative counters.
type sample struct {
	at       time.Time
	admitted int64
	rejected int64
}

// Controller evaluates load on a fixed cadence and publishes the level
// through an atomic so admission reads never contend.
type Controller struct {
	opts      Options
	metrics   MetricsSource
	occupancy func() float64
	gauge     interface{ SetDegradationLevel(int) }
	drainer   Drainer
	logger    *slog.Logger

	level atomic.Int32

	mu        sync.Mutex
	history   []sample
	calmSince time.Time

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewController wires the controller. occupancy reports the semaphore fill
// ratio; gauge and drainer may be nil.
func NewController(opts Options, metrics MetricsSource, occupancy func() float64, gauge interface{ SetDegradationLevel(int) }, drainer Drainer, logger *slog.Logger) *Controller {
	return &Controller{
		opts:      opts,
		metrics:   metrics,
		occupancy: occupancy,
		gauge:     gauge,
		drainer:   drainer,
		logger:    logger,
		now:       time.Now,
	}
}

// Run evaluates on the configured cadence until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Current returns the level as a typed value.
func (c *Controller) Current() Level {
	return Level(c.level.Load())
}

// Level implements the status and admission health interfaces.
func (c *Controller) Level() (int, string) {
	l := c.Current()
	return int(l), l.String()
}

// QuotaCost doubles the per-check token cost while degraded or worse,
// halving effective quotas without rewriting bucket state.
func (c *Controller) QuotaCost() int64 {
	if c.Current() >= Degraded {
		return 2
	}
	return 1
}

// ChatEnabled reports whether chat traffic is currently served. Degraded
// operation sheds chat first; signaling and joins keep flowing.
func (c *Controller) ChatEnabled() bool {
	return c.Current() == Healthy
}

// Evaluate runs one evaluation step. Exported for tests and for the admin
// surface; Run calls it on the ticker.
func (c *Controller) Evaluate() {
	now := c.now()

	snap, err := c.metrics.Snapshot()
	if err != nil {
		// Collection failures hold the current level. Admission keeps
		// running on whatever state we last knew.
		c.logger.Warn("metrics snapshot failed, holding degradation level",
			"level", c.Current().String(), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, sample{at: now, admitted: snap.Admitted, rejected: snap.Rejected})
	c.prune(now)

	occ := c.occupancy()
	rejRatio := c.ratioOver(now, c.opts.RejectionWindow)
	alertRatio := c.ratioOver(now, c.opts.AlertWindow)

	target := Healthy
	switch {
	case occ > c.opts.OccupancyThreshold:
		target = Critical
	case rejRatio > c.opts.RejectionThreshold || alertRatio > c.opts.AlertThreshold:
		target = Degraded
	}

	current := c.Current()

	if target > current {
		c.setLevel(target, occ, rejRatio, alertRatio)
		c.calmSince = time.Time{}
	} else if current > Healthy {
		c.maybeRecover(now, current, occ, rejRatio, alertRatio)
	}

	if c.Current() == Critical && c.drainer != nil && c.opts.DrainBatch > 0 {
		if n := c.drainer.Drain(c.opts.DrainBatch); n > 0 {
			c.logger.Info("drained connections under critical load", "count", n)
		}
	}
}

// maybeRecover steps the level down one notch once every signal has stayed
// inside the hysteresis band for the recovery window. Any excursion resets
// the calm clock.
func (c *Controller) maybeRecover(now time.Time, current Level, occ, rejRatio, alertRatio float64) {
	f := c.opts.RecoveryFactor
	calm := occ < c.opts.OccupancyThreshold*f &&
		rejRatio < c.opts.RejectionThreshold*f &&
		alertRatio < c.opts.AlertThreshold*f

	if !calm {
		c.calmSince = time.Time{}
		return
	}

	if c.calmSince.IsZero() {
		c.calmSince = now
		return
	}

	if now.Sub(c.calmSince) >= c.opts.RecoveryWindow {
		c.setLevel(current-1, occ, rejRatio, alertRatio)
		// One level per window; the next step-down needs its own calm run.
		c.calmSince = now
	}
}

func (c *Controller) setLevel(l Level, occ, rejRatio, alertRatio float64) {
	old := Level(c.level.Swap(int32(l)))
	if old == l {
		return
	}
	if c.gauge != nil {
		c.gauge.SetDegradationLevel(int(l))
	}
	c.logger.Warn("degradation level changed",
		"from", old.String(), "to", l.String(),
		"occupancy", occ, "rejection_ratio", rejRatio, "alert_ratio", alertRatio)
}

// ratioOver computes rejected/(admitted+rejected) over the trailing window
// by diffing the newest sample against the oldest one inside the window.
func (c *Controller) ratioOver(now time.Time, window time.Duration) float64 {
	if len(c.history) < 2 {
		return 0
	}
	newest := c.history[len(c.history)-1]

	cutoff := now.Add(-window)
	base := c.history[0]
	for _, s := range c.history {
		if s.at.After(cutoff) {
			break
		}
		base = s
	}

	admitted := newest.admitted - base.admitted
	rejected := newest.rejected - base.rejected
	total := admitted + rejected
	if total <= 0 {
		return 0
	}
	return float64(rejected) / float64(total)
}

// prune drops samples older than the longest window plus one interval.
func (c *Controller) prune(now time.Time) {
	keep := c.opts.RejectionWindow
	if c.opts.AlertWindow > keep {
		keep = c.opts.AlertWindow
	}
	cutoff := now.Add(-keep - c.opts.EvalInterval)

	// Keep one sample at or before the cutoff so window diffs always have
	// a baseline.
	i := 0
	for i+1 < len(c.history) && !c.history[i+1].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.history = append(c.history[:0], c.history[i:]...)
	}
}

// ErrNoMetrics is returned by metrics sources that have nothing to report.
var ErrNoMetrics = errors.New("no metrics available")

// defaultDrainBatch caps how many connections one critical evaluation may
// force-close. Bounded so a single tick cannot dump the whole instance.
const defaultDrainBatch = 100

// BuildOptions resolves the config into controller options. An empty
// recovery window falls back to the alert window, the shorter of the two
// escalation windows, so recovery reacts on the same timescale as the
// fastest escalation path.
func BuildOptions(cfg config.DegradationConfig) Options {
	rejectionWindow := config.MustParseDuration(cfg.RejectionWindow, 5*time.Minute)
	alertWindow := config.MustParseDuration(cfg.AlertWindow, 2*time.Minute)
	recoveryWindow := config.MustParseDuration(cfg.RecoveryWindow, alertWindow)

	return Options{
		RejectionThreshold: cfg.RejectionThreshold,
		RejectionWindow:    rejectionWindow,
		AlertThreshold:     cfg.AlertThreshold,
		AlertWindow:        alertWindow,
		OccupancyThreshold: cfg.OccupancyThreshold,
		EvalInterval:       config.MustParseDuration(cfg.EvalInterval, 10*time.Second),
		RecoveryWindow:     recoveryWindow,
		RecoveryFactor:     cfg.RecoveryFactor,
		DrainBatch:         defaultDrainBatch,
	}
}
