package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ksred/tradehook/internal/types"
)

// keyPrefix namespaces idempotency records in the cache.
const keyPrefix = "webhook_idempotency:"

// Guard deduplicates webhook deliveries. The first delivery of a fingerprint
// claims processing rights; byte-identical retries within the TTL replay the
// stored result instead of executing again.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGuard creates a guard with the given replay window.
func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	return &Guard{client: client, ttl: ttl}
}

// Fingerprint hashes the webhook token together with the raw payload bytes.
// Hashing raw bytes rather than parsed fields means byte-identical retries
// dedupe even if parsing were non-deterministic.
func Fingerprint(webhookToken string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(webhookToken))
	h.Write([]byte{0})
	h.Write(payload)
	return webhookToken + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ClaimOrReplay atomically claims the right to process a fingerprint. When the
// claim succeeds the placeholder (a "processing" result) is stored under the
// TTL and (true, nil) is returned; the caller must eventually StoreResult.
// When the fingerprint was already claimed the stored result is returned,
// which may still be the placeholder if the first delivery has not finished.
//
// When the cache is unreachable the guard fails open: the delivery is treated
// as first and a degraded-mode warning is logged. Availability is favoured
// over strict once-only processing here; the account lock still serializes
// actual order placement.
func (g *Guard) ClaimOrReplay(ctx context.Context, fingerprint string, placeholder *types.SignalResult) (bool, *types.SignalResult) {
	data, err := json.Marshal(placeholder)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal idempotency placeholder")
		return true, nil
	}

	key := keyPrefix + fingerprint
	claimed, err := g.client.SetNX(ctx, key, data, g.ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).
			Msg("idempotency cache unreachable, failing open (degraded mode)")
		return true, nil
	}
	if claimed {
		return true, nil
	}

	stored, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("fingerprint", fingerprint).
				Msg("idempotency replay fetch failed, failing open (degraded mode)")
		}
		// Key expired between SETNX and GET, or cache degraded: process fresh.
		return true, nil
	}

	var cached types.SignalResult
	if err := json.Unmarshal(stored, &cached); err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("corrupt idempotency record, failing open")
		return true, nil
	}

	log.Info().Str("fingerprint", fingerprint).Str("status", cached.Status).
		Msg("duplicate webhook delivery, replaying cached result")
	return false, &cached
}

// StoreResult replaces the placeholder with the terminal result so later
// retries replay the real outcome. The TTL window restarts from now.
func (g *Guard) StoreResult(ctx context.Context, fingerprint string, result *types.SignalResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := g.client.Set(ctx, keyPrefix+fingerprint, data, g.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("failed to store idempotency result")
		return err
	}
	return nil
}
