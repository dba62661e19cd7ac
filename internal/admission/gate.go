package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalfish/signalgate/internal/observability"
	"github.com/signalfish/signalgate/internal/ratelimit"
)

// HealthSource reports the degradation state the gate folds into its
// decisions. Implemented by the degrade controller.
type HealthSource interface {
	// Level returns the numeric degradation level (0=healthy, 1=degraded,
	// 2=critical) and its name.
	Level() (int, string)
	// QuotaCost returns the token cost charged per admission check; above
	// 1 it shrinks effective quotas without touching bucket state.
	QuotaCost() int64
}

// healthyAlways is the HealthSource used when no controller is wired.
type healthyAlways struct{}

func (healthyAlways) Level() (int, string) { return 0, "healthy" }
func (healthyAlways) QuotaCost() int64     { return 1 }

// Decision is the outcome of an admission check. A denied Decision carries
// the rejection reason and an advisory retry hint; an admitted one carries
// the resources to return on disconnect via Release.
type Decision struct {
	Admitted   bool
	Reason     string        // one of the observability.Reason* values when denied
	RetryAfter time.Duration // advisory; zero when no retry hint applies

	release sync.Once
	cleanup func()
}

// Release returns the permit and per-IP slot held by an admitted Decision.
// Idempotent; a no-op for denied Decisions.
func (d *Decision) Release() {
	if d.cleanup != nil {
		d.release.Do(d.cleanup)
	}
}

// Gate runs the admission tiers in order, cheapest and most load-shedding
// first: degradation state, then the global ceiling, then the per-IP cap,
// then the per-IP admission rate. The first failing tier rejects; earlier
// reservations are rolled back.
type Gate struct {
	sem     *Semaphore
	tracker *Tracker
	ipRate  atomic.Pointer[ratelimit.LocalLimiter]
	health  HealthSource
	metrics *observability.Metrics
}

// NewGate assembles the admission tiers. health may be nil, in which case
// the gate treats the instance as permanently healthy.
func NewGate(sem *Semaphore, tracker *Tracker, ipRate *ratelimit.LocalLimiter, health HealthSource, metrics *observability.Metrics) *Gate {
	if health == nil {
		health = healthyAlways{}
	}
	g := &Gate{
		sem:     sem,
		tracker: tracker,
		health:  health,
		metrics: metrics,
	}
	if ipRate != nil {
		g.ipRate.Store(ipRate)
	}
	return g
}

// SwapIPRate replaces the per-IP admission limiter and returns the previous
// one so the caller can close it. Used on config reload.
func (g *Gate) SwapIPRate(l *ratelimit.LocalLimiter) *ratelimit.LocalLimiter {
	return g.ipRate.Swap(l)
}

// Admit runs the tiers for a connection attempt from ip.
func (g *Gate) Admit(ip string) *Decision {
	if level, _ := g.health.Level(); level >= 2 {
		return g.deny(observability.ReasonCritical, 5*time.Second)
	}

	permit, ok := g.sem.TryAcquire()
	if !ok {
		return g.deny(observability.ReasonCapacity, 2*time.Second)
	}

	if !g.tracker.Acquire(ip) {
		permit.Release()
		return g.deny(observability.ReasonPerIPCap, 0)
	}

	if ipRate := g.ipRate.Load(); ipRate != nil {
		if res := ipRate.AllowN(ip, g.health.QuotaCost()); !res.Allowed {
			g.tracker.Release(ip)
			permit.Release()
			return g.deny(observability.ReasonPerIPRate, res.RetryAfter)
		}
	}

	g.metrics.IncAdmitted()
	return &Decision{
		Admitted: true,
		cleanup: func() {
			g.tracker.Release(ip)
			permit.Release()
		},
	}
}

func (g *Gate) deny(reason string, retryAfter time.Duration) *Decision {
	g.metrics.IncRejected(reason)
	return &Decision{
		Admitted:   false,
		Reason:     reason,
		RetryAfter: retryAfter,
	}
}

// Occupancy exposes the global semaphore's fill ratio for the degradation
// controller.
func (g *Gate) Occupancy() float64 {
	return g.sem.Occupancy()
}

// Active returns the number of admitted connections.
func (g *Gate) Active() int64 {
	return g.sem.Active()
}
