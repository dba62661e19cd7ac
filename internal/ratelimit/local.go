package ratelimit

import (
	"hash/fnv"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the local cache (64 MiB).
const defaultMaxCost = 64 << 20

// initShards is the shard count for the bucket-creation locks.
const initShards = 64

// bucketCost is the approximate memory footprint of a single bucket entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var bucketCost = int64(unsafe.Sizeof(bucket{}))

// LocalLimiter provides per-key token-bucket rate limiting in local memory.
// It backs the per-IP admission tier (always local; admission must never
// block on the network) and serves as the fallback for the per-user tier
// when Redis is unreachable under the inmemoryfallback policy.
//
// Not globally consistent: each signalgate instance maintains independent
// counters, so a fronting load balancer sees the limit per-instance.
//
// Ristretto handles concurrency, TTL-based expiry, and eviction (TinyLFU)
// within the configured memory budget. Token bucket state is stored per key
// with a per-bucket mutex so hot paths only contend on the individual key.
type LocalLimiter struct {
	disabled bool // true when rate <= 0; Allow always permits
	cache    *ristretto.Cache[string, *bucket]
	rate     float64 // tokens per second
	burst    int64
	ttl      time.Duration

	// init serializes bucket creation per key so concurrent first checks for
	// the same key all land on one bucket instead of each minting a private
	// full-burst copy.
	init [initShards]sync.Mutex

	// now is swappable for deterministic tests.
	now func() time.Time
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastTime time.Time
}

// NewLocalLimiter creates an in-memory limiter backed by ristretto.
func NewLocalLimiter(ratePerSecond float64, burst int64, ttl time.Duration) *LocalLimiter {
	// Size the frequency sketch at ~10x the expected max item count.
	estimatedItems := defaultMaxCost / bucketCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &LocalLimiter{
		disabled: ratePerSecond <= 0,
		cache:    cache,
		rate:     ratePerSecond,
		burst:    burst,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow checks and consumes one token for key.
func (l *LocalLimiter) Allow(key string) *Result {
	return l.AllowN(key, 1)
}

// AllowN checks and consumes cost tokens for key. When denied, RetryAfter
// holds the time until cost tokens will have replenished; callers report it
// and move on, nothing waits on the bucket.
func (l *LocalLimiter) AllowN(key string, cost int64) *Result {
	if l.disabled {
		return &Result{Allowed: true, Remaining: l.burst, Limit: l.burst}
	}
	if cost < 1 {
		cost = 1
	}

	now := l.now()

	b, found := l.cache.Get(key)
	if !found {
		b = l.loadOrStore(key, now)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += l.rate * elapsed
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastTime = now

	resetAfter := time.Duration(0)
	if b.tokens < float64(l.burst) {
		resetAfter = durationFor(float64(l.burst)-b.tokens, l.rate)
	}

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return &Result{
			Allowed:    true,
			Remaining:  int64(b.tokens),
			Limit:      l.burst,
			ResetAfter: resetAfter,
		}
	}

	return &Result{
		Allowed:    false,
		RetryAfter: durationFor(float64(cost)-b.tokens, l.rate),
		Remaining:  0,
		Limit:      l.burst,
		ResetAfter: resetAfter,
	}
}

// loadOrStore returns the bucket for key, creating it at full burst when no
// other goroutine has already done so. Creation is guarded by a sharded lock
// so that racing first checks for a cold key share one bucket and the token
// count never exceeds burst.
func (l *LocalLimiter) loadOrStore(key string, now time.Time) *bucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.init[h.Sum32()%initShards]

	mu.Lock()
	defer mu.Unlock()

	if b, found := l.cache.Get(key); found {
		return b
	}
	b := &bucket{
		tokens:   float64(l.burst),
		lastTime: now,
	}
	l.cache.SetWithTTL(key, b, bucketCost, l.ttl)
	// Wait makes the bucket visible to subsequent Gets. Only blocks on the
	// first check for a key; cache hits pay nothing extra.
	l.cache.Wait()
	return b
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *LocalLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}

// durationFor returns the time needed to replenish `tokens` at `rate`
// tokens/second, rounded up to the next microsecond.
func durationFor(tokens, rate float64) time.Duration {
	micros := math.Ceil(tokens / rate * 1e6)
	return time.Duration(micros) * time.Microsecond
}
