package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const keyPrefix = "webhook_rate_limit:"

// window is the sliding-window span. One second keeps bursty TradingView
// alerts flowing while capping per-source throughput.
const window = time.Second

// slidingWindowScript prunes, counts and records in one atomic step so
// concurrent deliveries cannot race between the count and the insert.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
	return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window + 10000)
return 1`)

// Limiter admits or rejects webhook deliveries per source key using a Redis
// sliding window. When Redis is unreachable it degrades to a best-effort
// in-process limiter rather than rejecting all traffic.
type Limiter struct {
	client *redis.Client

	mu    sync.Mutex
	local map[string]*localLimiter
}

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	l := &Limiter{
		client: client,
		local:  make(map[string]*localLimiter),
	}
	go l.cleanupLocal()
	return l
}

// Allow reports whether a delivery from sourceKey is within perSecond. The
// sourceKey combines webhook token and client IP so one noisy source cannot
// starve another.
func (l *Limiter) Allow(ctx context.Context, sourceKey string, perSecond int) bool {
	if perSecond <= 0 {
		return true
	}

	key := keyPrefix + sourceKey
	nowMs := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%s", nowMs, uuid.New().String())

	allowed, err := slidingWindowScript.Run(ctx, l.client,
		[]string{key}, nowMs, window.Milliseconds(), perSecond, member).Int()
	if err != nil {
		log.Warn().Err(err).Str("source_key", sourceKey).
			Msg("rate limit cache unreachable, falling back to local limiter (degraded mode)")
		return l.allowLocal(sourceKey, perSecond)
	}

	if allowed != 1 {
		log.Warn().Str("source_key", sourceKey).Int("limit_per_second", perSecond).
			Msg("rate limit exceeded")
		return false
	}
	return true
}

// allowLocal is the degraded-mode path: a per-source token bucket local to
// this process. Looser than the shared window when several workers run, but
// keeps traffic flowing through a cache outage.
func (l *Limiter) allowLocal(sourceKey string, perSecond int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.local[sourceKey]
	if !ok {
		v = &localLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
		l.local[sourceKey] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (l *Limiter) cleanupLocal() {
	for {
		time.Sleep(time.Minute)

		l.mu.Lock()
		for key, v := range l.local {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.local, key)
			}
		}
		l.mu.Unlock()
	}
}
