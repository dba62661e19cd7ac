package ratelimit

import (
	"sync"
	"time"

	"github.com/signalfish/signalgate/internal/config"
)

// Category identifies a message class with its own throttle bucket.
type Category string

const (
	CategorySignal Category = "signal"
	CategoryJoin   Category = "join"
	CategoryChat   Category = "chat"
)

// Categories lists all message categories in a stable order.
var Categories = []Category{CategorySignal, CategoryJoin, CategoryChat}

// Throttle rate-limits messages on a single connection, one independent
// token bucket per category. A client flooding chat burns only the chat
// bucket; signaling proceeds untouched.
//
// State lives on the connection, not in a shared cache: buckets die with
// the connection and nothing is keyed or evicted.
type Throttle struct {
	mu      sync.Mutex
	buckets map[Category]*throttleBucket

	// now is swappable for deterministic tests.
	now func() time.Time
}

type throttleBucket struct {
	rate     float64 // tokens per second; <= 0 disables the category
	burst    float64
	tokens   float64
	lastTime time.Time
}

// NewThrottle builds a Throttle from the configured per-category quotas.
func NewThrottle(quotas config.MessageQuotas) *Throttle {
	t := &Throttle{
		buckets: make(map[Category]*throttleBucket, len(Categories)),
		now:     time.Now,
	}
	for cat, q := range map[Category]config.Quota{
		CategorySignal: quotas.Signal,
		CategoryJoin:   quotas.Join,
		CategoryChat:   quotas.Chat,
	} {
		t.buckets[cat] = &throttleBucket{
			rate:   q.Rate,
			burst:  float64(q.Burst),
			tokens: float64(q.Burst),
		}
	}
	return t
}

// Allow checks and consumes cost tokens from the category's bucket. Unknown
// categories are allowed; the caller decides how to treat unrecognized
// message types. A disabled category (rate <= 0) always allows.
func (t *Throttle) Allow(cat Category, cost int64) *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[cat]
	if !ok || b.rate <= 0 {
		return &Result{Allowed: true}
	}
	if cost < 1 {
		cost = 1
	}

	now := t.now()
	if b.lastTime.IsZero() {
		b.lastTime = now
	}
	b.tokens += b.rate * now.Sub(b.lastTime).Seconds()
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastTime = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return &Result{
			Allowed:   true,
			Remaining: int64(b.tokens),
			Limit:     int64(b.burst),
		}
	}

	return &Result{
		Allowed:    false,
		RetryAfter: durationFor(float64(cost)-b.tokens, b.rate),
		Remaining:  0,
		Limit:      int64(b.burst),
	}
}
