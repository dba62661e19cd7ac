package degrade

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/observability"
)

// harness drives a controller through synthetic time and metrics.
type harness struct {
	mu        sync.Mutex
	t         time.Time
	snap      observability.Snapshot
	snapErr   error
	occ       float64
	drained   []int
	ctrl      *Controller
	levelsSet []int
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

func (h *harness) Snapshot() (observability.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap, h.snapErr
}

func (h *harness) occupancy() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.occ
}

func (h *harness) SetDegradationLevel(l int) {
	h.levelsSet = append(h.levelsSet, l)
}

func (h *harness) Drain(n int) int {
	h.drained = append(h.drained, n)
	return n
}

// tick advances time by the eval interval, applies the given counter deltas
// and occupancy, and runs one evaluation.
func (h *harness) tick(admitted, rejected int64, occ float64) {
	h.mu.Lock()
	h.t = h.t.Add(h.ctrl.opts.EvalInterval)
	h.snap.Admitted += admitted
	h.snap.Rejected += rejected
	h.occ = occ
	h.mu.Unlock()
	h.ctrl.Evaluate()
}

func testOpts() Options {
	return Options{
		RejectionThreshold: 0.20,
		RejectionWindow:    5 * time.Minute,
		AlertThreshold:     0.05,
		AlertWindow:        2 * time.Minute,
		OccupancyThreshold: 0.80,
		EvalInterval:       10 * time.Second,
		RecoveryWindow:     2 * time.Minute,
		RecoveryFactor:     0.75,
		DrainBatch:         50,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{t: time.Unix(1700000000, 0)}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h.ctrl = NewController(opts, h, h.occupancy, h, h, logger)
	h.ctrl.now = h.now
	return h
}

func TestStaysHealthyUnderNormalLoad(t *testing.T) {
	h := newHarness(t, testOpts())

	for i := 0; i < 40; i++ {
		h.tick(100, 1, 0.30) // ~1% rejection
	}

	assert.Equal(t, Healthy, h.ctrl.Current())
	assert.True(t, h.ctrl.ChatEnabled())
	assert.Equal(t, int64(1), h.ctrl.QuotaCost())
}

func TestEscalatesOnRejectionRatio(t *testing.T) {
	h := newHarness(t, testOpts())

	// 30% rejections, well over the 20% threshold. The 5m window needs
	// enough samples to accumulate signal; escalation happens as soon as
	// the windowed ratio crosses.
	h.tick(70, 30, 0.30)
	h.tick(70, 30, 0.30)

	assert.Equal(t, Degraded, h.ctrl.Current())
	assert.False(t, h.ctrl.ChatEnabled())
	assert.Equal(t, int64(2), h.ctrl.QuotaCost())
	assert.Contains(t, h.levelsSet, 1)
}

func TestEscalatesOnSustainedAlertRatio(t *testing.T) {
	h := newHarness(t, testOpts())

	// 8% rejection: under the 20% hard threshold, over the 5% alert one.
	for i := 0; i < 3; i++ {
		h.tick(92, 8, 0.30)
	}

	assert.Equal(t, Degraded, h.ctrl.Current())
}

func TestEscalatesToCriticalOnOccupancy(t *testing.T) {
	h := newHarness(t, testOpts())

	h.tick(100, 0, 0.85)

	require.Equal(t, Critical, h.ctrl.Current())
	// Critical ticks drain.
	assert.Equal(t, []int{50}, h.drained)

	h.tick(0, 50, 0.85)
	assert.Len(t, h.drained, 2)
}

func TestRecoveryRequiresSustainedCalm(t *testing.T) {
	h := newHarness(t, testOpts())

	h.tick(70, 30, 0.30)
	h.tick(70, 30, 0.30)
	require.Equal(t, Degraded, h.ctrl.Current())

	// Calm traffic, but the 5m rejection window still carries the spike,
	// and recovery additionally needs 2m inside the band. No instant drop.
	h.tick(100, 0, 0.30)
	assert.Equal(t, Degraded, h.ctrl.Current())

	// 40 ticks = ~6m40s of clean traffic: window flushes, calm clock runs.
	for i := 0; i < 40; i++ {
		h.tick(100, 0, 0.30)
	}
	assert.Equal(t, Healthy, h.ctrl.Current())
}

func TestRecoveryResetOnExcursion(t *testing.T) {
	opts := testOpts()
	// Short windows keep the test readable.
	opts.RejectionWindow = 30 * time.Second
	opts.AlertWindow = 30 * time.Second
	opts.RecoveryWindow = 30 * time.Second
	h := newHarness(t, opts)

	h.tick(70, 30, 0.30)
	h.tick(70, 30, 0.30)
	require.Equal(t, Degraded, h.ctrl.Current())

	// A couple of quiet ticks, then a fresh burst of rejections keeps the
	// controller pinned at degraded.
	h.tick(100, 0, 0.30)
	h.tick(100, 0, 0.30)
	h.tick(50, 50, 0.30)
	require.Equal(t, Degraded, h.ctrl.Current())

	// Calm must run the full window again before recovery: the burst has to
	// age out of the 30s ratio window, then the 30s calm clock must elapse.
	for i := 0; i < 8; i++ {
		h.tick(100, 0, 0.30)
	}
	assert.Equal(t, Healthy, h.ctrl.Current())
}

func TestRecoveryStepsOneLevelPerWindow(t *testing.T) {
	opts := testOpts()
	opts.RejectionWindow = 30 * time.Second
	opts.AlertWindow = 30 * time.Second
	opts.RecoveryWindow = 30 * time.Second
	h := newHarness(t, opts)

	h.tick(100, 0, 0.90)
	require.Equal(t, Critical, h.ctrl.Current())

	// Occupancy falls below band (0.80*0.75=0.60). First full calm window
	// steps to degraded, not straight to healthy.
	h.tick(100, 0, 0.30)
	h.tick(100, 0, 0.30)
	h.tick(100, 0, 0.30)
	h.tick(100, 0, 0.30)
	require.Equal(t, Degraded, h.ctrl.Current())

	h.tick(100, 0, 0.30)
	h.tick(100, 0, 0.30)
	h.tick(100, 0, 0.30)
	assert.Equal(t, Healthy, h.ctrl.Current())
}

func TestMetricsFailureHoldsLevel(t *testing.T) {
	h := newHarness(t, testOpts())

	h.tick(70, 30, 0.30)
	h.tick(70, 30, 0.30)
	require.Equal(t, Degraded, h.ctrl.Current())

	h.mu.Lock()
	h.snapErr = errors.New("registry gather failed")
	h.mu.Unlock()

	for i := 0; i < 20; i++ {
		h.ctrl.Evaluate()
	}
	// Neither escalates nor recovers on blind ticks.
	assert.Equal(t, Degraded, h.ctrl.Current())
}

func TestBuildOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts := BuildOptions(config.Defaults().Degradation)
		assert.Equal(t, 0.20, opts.RejectionThreshold)
		assert.Equal(t, 5*time.Minute, opts.RejectionWindow)
		assert.Equal(t, 2*time.Minute, opts.AlertWindow)
		// Empty recovery window falls back to the alert window.
		assert.Equal(t, 2*time.Minute, opts.RecoveryWindow)
		assert.Equal(t, 10*time.Second, opts.EvalInterval)
		assert.Equal(t, defaultDrainBatch, opts.DrainBatch)
	})

	t.Run("explicit recovery window", func(t *testing.T) {
		cfg := config.Defaults().Degradation
		cfg.RecoveryWindow = "90s"
		assert.Equal(t, 90*time.Second, BuildOptions(cfg).RecoveryWindow)
	})
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "unknown", Level(7).String())
}
