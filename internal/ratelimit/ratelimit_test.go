package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(client), mr
}

func TestAllowExactLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow(ctx, "tok:1.2.3.4", 10) {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed, "exactly the configured limit passes within one window")
}

func TestAllowRecoversAfterWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the rate window to slide")
	}
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow(ctx, "tok:1.2.3.4", 10))
	}
	assert.False(t, limiter.Allow(ctx, "tok:1.2.3.4", 10))

	time.Sleep(window + 100*time.Millisecond)

	assert.True(t, limiter.Allow(ctx, "tok:1.2.3.4", 10), "window slides after a second")
}

func TestAllowIsolatesSources(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ctx, "tok:1.1.1.1", 5))
	}
	assert.False(t, limiter.Allow(ctx, "tok:1.1.1.1", 5))

	assert.True(t, limiter.Allow(ctx, "tok:2.2.2.2", 5), "each source key has its own window")
	assert.True(t, limiter.Allow(ctx, "other:1.1.1.1", 5))
}

func TestAllowFallsBackLocallyWhenCacheDown(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	assert.True(t, limiter.Allow(context.Background(), "tok:1.2.3.4", 10),
		"cache outage must not reject traffic outright")
}

func TestAllowLocalEnforcesBurst(t *testing.T) {
	limiter := NewLimiter(nil)

	// a tight loop refills no tokens, so exactly the burst passes
	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.allowLocal("tok:1.2.3.4", 10) {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed, "degraded-mode bucket admits exactly the burst")

	assert.True(t, limiter.allowLocal("tok:5.6.7.8", 10), "each source key has its own bucket")
}
