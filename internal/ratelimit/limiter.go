package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter performs sliding-window rate limiting backed by Redis sorted sets,
// or by an in-process window when no Redis client is configured.
type Limiter struct {
	rdb *redis.Client
	now func() time.Time

	mu  sync.Mutex
	mem map[string][]time.Time
}

// NewLimiter creates a new rate limiter. If rdb is nil, windows are kept in
// memory.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now, mem: make(map[string][]time.Time)}
}

// slidingWindowScript atomically: removes expired entries, adds current, counts.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro), used as both score and member uniqueness
// ARGV[3] = limit
// ARGV[4] = TTL seconds for the key
// Returns: [current_count, 1=allowed/0=denied, oldest score when denied]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    redis.call('EXPIRE', key, ttl)
    return {count + 1, 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
redis.call('EXPIRE', key, ttl)
return {count, 0, tonumber(oldest[2])}
`)

// Check performs a sliding-window rate limit check.
// key: the rate limit bucket identifier
// limit: maximum allowed requests in the window
// window: the sliding window duration
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (LimitResult, error) {
	now := l.now()
	if l.rdb == nil {
		return l.checkMemory(key, limit, window, now), nil
	}

	windowStart := now.Add(-window).UnixMicro()
	nowMicro := now.UnixMicro()
	ttlSecs := int64(window.Seconds()) + 1

	redisKey := fmt.Sprintf("copilot-bridge:rl:%s", key)

	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{redisKey},
		windowStart, nowMicro, limit, ttlSecs,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		// Fail open on Redis errors
		slog.Warn("rate limit store unavailable, allowing request", "key", key, "error", err)
		return LimitResult{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}, nil
	}

	count := result[0]
	allowed := result[1] == 1
	remaining := max(limit-count, 0)

	res := LimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}
	if !allowed {
		res.ResetAt = time.UnixMicro(result[2]).Add(window)
		res.RetryAfter = max(res.ResetAt.Sub(now), 0)
	}
	return res, nil
}

func (l *Limiter) checkMemory(key string, limit int64, window time.Duration, now time.Time) LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Add(-window)
	kept := l.mem[key][:0]
	for _, t := range l.mem[key] {
		if t.After(start) {
			kept = append(kept, t)
		}
	}

	if int64(len(kept)) < limit {
		kept = append(kept, now)
		l.mem[key] = kept
		return LimitResult{Allowed: true, Remaining: limit - int64(len(kept)), ResetAt: now.Add(window)}
	}
	l.mem[key] = kept

	res := LimitResult{Allowed: false, ResetAt: now.Add(window)}
	if len(kept) > 0 {
		res.ResetAt = kept[0].Add(window)
		res.RetryAfter = res.ResetAt.Sub(now)
	}
	return res
}
