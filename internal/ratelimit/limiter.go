// Package ratelimit implements token-bucket rate limiting for admission and
// message throttling: a Redis-backed limiter (atomic via Lua) for limits that
// must hold across instances, an in-memory limiter for per-IP admission
// checks, and per-connection category throttles.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/signalfish/signalgate/internal/redis"
)

// ErrLimiterClosed is returned when Allow is called after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// tokenBucketLua is the Lua source for atomic token-bucket rate limiting.
//
// Uses HMGET for deterministic field ordering.
// Returns {allowed (0|1), retry_after_micros, remaining_tokens, limit, reset_after_micros}.
//
// Token bucket semantics with a configurable cost:
//   - Replenish: tokens = min(burst, tokens + rate * elapsed)
//   - If tokens >= cost: consume cost, allow, retry_after = 0
//   - Else: deny, retry_after = ceil((cost - tokens) / rate) in microseconds
//
// retry_after is advisory. Callers report it to the client and move on; the
// bucket is never waited on server-side.
//
// Keys: KEYS[1] = rate-limit key.
// Args: ARGV[1] = rate (tokens/μs), ARGV[2] = burst, ARGV[3] = TTL (s),
// ARGV[4] = now (μs), ARGV[5] = cost.
const tokenBucketLua = `
local key   = KEYS[1]
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl   = tonumber(ARGV[3])
local now   = tonumber(ARGV[4])
local cost  = tonumber(ARGV[5]) or 1

if rate <= 0 then
  return {1, 0, burst, burst, 0}
end

local vals = redis.call('hmget', key, 'last', 'tokens', 'last_expire')
local last        = tonumber(vals[1]) or 0
local tokens      = tonumber(vals[2]) or burst
local last_expire = tonumber(vals[3]) or 0

if now < last then
  last = now
end

local elapsed = now - last
tokens = math.min(burst, tokens + rate * elapsed)

local reset_after = 0
if tokens < burst then
  reset_after = math.ceil((burst - tokens) / rate)
end

-- Only refresh EXPIRE when the last EXPIRE was issued more than ttl/2
-- seconds ago (converted to microseconds since now is in microseconds).
-- Avoids the extra TTL command on every check while keeping keys alive
-- under steady traffic. EXPIREAT with an absolute timestamp eliminates
-- drift from the relative EXPIRE command.
local ttl_half_us = ttl * 500000
local needs_expire = (now - last_expire) > ttl_half_us
local expire_at = math.floor(now / 1000000) + ttl

if tokens >= cost then
  tokens = tokens - cost
  if needs_expire then
    redis.call('hset', key, 'last', now, 'tokens', tokens, 'last_expire', now)
    redis.call('expireat', key, expire_at)
  else
    redis.call('hset', key, 'last', now, 'tokens', tokens)
  end
  return {1, 0, math.floor(tokens), burst, reset_after}
end

if needs_expire then
  redis.call('hset', key, 'last', now, 'tokens', tokens, 'last_expire', now)
  redis.call('expireat', key, expire_at)
else
  redis.call('hset', key, 'last', now, 'tokens', tokens)
end
local retry = math.ceil((cost - tokens) / rate)
return {0, retry, 0, burst, reset_after}
`

// tokenBucketScript uses go-redis to compute the SHA1 hash that Redis expects
// for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var tokenBucketScript = goredis.NewScript(tokenBucketLua)

// Result holds the parsed outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when Allowed == false
	Remaining  int64         // remaining tokens in the bucket
	Limit      int64         // bucket capacity (burst)
	ResetAfter time.Duration // time until the bucket is fully replenished
}

// RedisLimiter performs token-bucket rate limiting against Redis so that a
// key's quota holds across all signalgate instances.
type RedisLimiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string  // Lua source text (for EVAL fallback)
	hash      string  // SHA1 hex digest (for EVALSHA)
	rate      float64 // tokens per microsecond
	burst     int64
	ttl       int // seconds
	keyPrefix string
	closed    atomic.Bool
}

// NewRedisLimiter creates a Redis-backed rate limiter.
func NewRedisLimiter(client redis.Client, ratePerSecond float64, burst int64, ttl int, prefix string, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		logger:    logger,
		src:       tokenBucketLua,
		hash:      tokenBucketScript.Hash(),
		rate:      ratePerSecond / 1e6, // convert to per-microsecond
		burst:     burst,
		ttl:       ttl,
		keyPrefix: prefix,
	}
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the full script on every check.
func (l *RedisLimiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Allow checks whether one token's worth of work identified by key should
// proceed. Equivalent to AllowN(ctx, key, 1).
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN checks and consumes cost tokens for key. Degraded operation charges
// a higher cost to halve effective quotas without rewriting bucket state.
func (l *RedisLimiter) AllowN(ctx context.Context, key string, cost int64) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	if cost < 1 {
		cost = 1
	}
	fullKey := l.keyPrefix + key
	now := time.Now().UnixMicro()

	cmd, err := l.evalScript(ctx, []string{fullKey}, l.rate, l.burst, l.ttl, now, cost)
	if err != nil {
		return nil, err
	}

	return parseScriptResult(cmd)
}

// Close marks the limiter as closed and closes the underlying Redis client.
// Subsequent Allow calls return ErrLimiterClosed.
func (l *RedisLimiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client (used for lifecycle management
// and deep health checks).
func (l *RedisLimiter) Client() redis.Client {
	return l.client
}

// parseScriptResult parses the Lua {allowed, retry_after_micros, remaining,
// limit, reset_after_micros} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	vals := make([]int64, 5)
	names := []string{"allowed", "retry_after", "remaining", "limit", "reset_after"}
	for i, raw := range arr {
		v, err := toInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", names[i], err)
		}
		vals[i] = v
	}

	return &Result{
		Allowed:    vals[0] == 1,
		RetryAfter: time.Duration(vals[1]) * time.Microsecond,
		Remaining:  vals[2],
		Limit:      vals[3],
		ResetAfter: time.Duration(vals[4]) * time.Microsecond,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
