package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/tradehook/internal/types"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewGuard(client, 5*time.Minute), mr
}

func TestFingerprintStability(t *testing.T) {
	payload := []byte(`{"action":"BUY"}`)

	assert.Equal(t, Fingerprint("tok", payload), Fingerprint("tok", payload))
	assert.NotEqual(t, Fingerprint("tok", payload), Fingerprint("other", payload))
	assert.NotEqual(t, Fingerprint("tok", payload), Fingerprint("tok", []byte(`{"action":"SELL"}`)))
}

func TestClaimOrReplayFirstClaim(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	placeholder := &types.SignalResult{Status: types.SignalProcessing, CorrelationID: "corr-1"}
	first, cached := guard.ClaimOrReplay(ctx, "fp-1", placeholder)

	assert.True(t, first)
	assert.Nil(t, cached)
}

func TestClaimOrReplayDuplicateReturnsPlaceholder(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	placeholder := &types.SignalResult{Status: types.SignalProcessing, CorrelationID: "corr-1"}
	first, _ := guard.ClaimOrReplay(ctx, "fp-1", placeholder)
	require.True(t, first)

	second, cached := guard.ClaimOrReplay(ctx, "fp-1", &types.SignalResult{Status: types.SignalProcessing, CorrelationID: "corr-2"})
	assert.False(t, second)
	require.NotNil(t, cached)
	assert.Equal(t, "corr-1", cached.CorrelationID)
	assert.False(t, cached.Completed())
}

func TestStoreResultReplaysTerminalOutcome(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	first, _ := guard.ClaimOrReplay(ctx, "fp-1", &types.SignalResult{Status: types.SignalProcessing, CorrelationID: "corr-1"})
	require.True(t, first)

	now := time.Now()
	final := &types.SignalResult{
		Status:        types.SignalAccepted,
		CorrelationID: "corr-1",
		ExecutedCount: 2,
		CompletedAt:   &now,
	}
	require.NoError(t, guard.StoreResult(ctx, "fp-1", final))

	replayed, cached := guard.ClaimOrReplay(ctx, "fp-1", &types.SignalResult{Status: types.SignalProcessing})
	assert.False(t, replayed)
	require.NotNil(t, cached)
	assert.True(t, cached.Completed())
	assert.Equal(t, 2, cached.ExecutedCount)
}

func TestConcurrentClaimsYieldOneFirst(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	firsts := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, _ := guard.ClaimOrReplay(ctx, "fp-race", &types.SignalResult{Status: types.SignalProcessing})
			firsts[i] = first
		}(i)
	}
	wg.Wait()

	count := 0
	for _, first := range firsts {
		if first {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent claim must win")
}

func TestClaimFailsOpenWhenCacheDown(t *testing.T) {
	guard, mr := newTestGuard(t)
	mr.Close()

	first, cached := guard.ClaimOrReplay(context.Background(), "fp-1", &types.SignalResult{Status: types.SignalProcessing})
	assert.True(t, first, "cache outage must not block processing")
	assert.Nil(t, cached)
}

func TestClaimAfterTTLExpiryIsFresh(t *testing.T) {
	guard, mr := newTestGuard(t)
	ctx := context.Background()

	first, _ := guard.ClaimOrReplay(ctx, "fp-1", &types.SignalResult{Status: types.SignalProcessing})
	require.True(t, first)

	mr.FastForward(10 * time.Minute)

	again, _ := guard.ClaimOrReplay(ctx, "fp-1", &types.SignalResult{Status: types.SignalProcessing})
	assert.True(t, again, "expired fingerprints are processed fresh")
}
