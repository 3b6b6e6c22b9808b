package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// ErrLockTimeout is returned when the lock could not be acquired within
	// the configured retry budget because another holder owns it.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockUnavailable is returned when the lock backend cannot be reached.
	// Acquisition fails closed: placing orders without mutual exclusion risks
	// duplicate trades, so the operation is rejected instead.
	ErrLockUnavailable = errors.New("lock backend unavailable")

	// ErrNotHeld is returned when releasing or extending a lock that is not
	// currently held by this owner.
	ErrNotHeld = errors.New("lock not held")
)

// releaseScript deletes the lock key only if it still carries our owner token,
// so a holder whose lease expired can never delete a newer holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// extendScript refreshes the lease only while we still own the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Manager hands out per-account distributed locks backed by Redis.
type Manager struct {
	client     *redis.Client
	leaseTTL   time.Duration
	maxRetries int
	retryDelay time.Duration
}

// NewManager creates a lock manager with the given lease and retry settings.
func NewManager(client *redis.Client, leaseTTL time.Duration, maxRetries int, retryDelay time.Duration) *Manager {
	return &Manager{
		client:     client,
		leaseTTL:   leaseTTL,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Key returns the standardized lock key for a broker account.
func Key(accountID string) string {
	return "account_lock:" + accountID
}

// Lock is a single acquisition attempt against one account key. The owner
// token identifies this holder for safe release and extension.
type Lock struct {
	client   *redis.Client
	key      string
	token    string
	leaseTTL time.Duration
	acquired bool
}

// NewLock creates an unacquired lock for the given account.
func (m *Manager) NewLock(accountID string) *Lock {
	return &Lock{
		client:   m.client,
		key:      Key(accountID),
		token:    uuid.New().String(),
		leaseTTL: m.leaseTTL,
	}
}

// Acquire attempts to take the lock with exponential backoff and jitter.
// Returns ErrLockTimeout when another holder keeps the key for the whole
// retry budget, ErrLockUnavailable when Redis cannot be reached.
func (m *Manager) acquire(ctx context.Context, l *Lock) error {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.leaseTTL).Result()
		if err != nil {
			log.Warn().Err(err).Str("lock_key", l.key).Msg("lock backend unreachable, rejecting operation")
			return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
		}
		if ok {
			l.acquired = true
			log.Debug().Str("lock_key", l.key).Msg("lock acquired")
			return nil
		}

		if attempt == m.maxRetries-1 {
			break
		}
		delay := m.retryDelay*time.Duration(1<<uint(attempt)) + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	log.Warn().Str("lock_key", l.key).Int("attempts", m.maxRetries).Msg("failed to acquire lock")
	return ErrLockTimeout
}

// Release gives up the lock using an atomic compare-and-delete. Releasing a
// key that has since been re-acquired by another holder is a no-op and
// returns ErrNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		log.Warn().Err(err).Str("lock_key", l.key).Msg("lock release failed, lease will expire naturally")
		return nil
	}
	l.acquired = false
	if res != 1 {
		log.Warn().Str("lock_key", l.key).Msg("lock release skipped, key owned by another holder")
		return ErrNotHeld
	}
	log.Debug().Str("lock_key", l.key).Msg("lock released")
	return nil
}

// Extend refreshes the lease for a long-running critical section.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return ErrNotHeld
	}
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if res != 1 {
		return ErrNotHeld
	}
	return nil
}

// WithAccountLock runs fn while holding the account's distributed lock. The
// lock is always released on exit, including when fn panics.
func (m *Manager) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	l := m.NewLock(accountID)

	start := time.Now()
	if err := m.acquire(ctx, l); err != nil {
		return err
	}
	log.Debug().
		Str("account_id", accountID).
		Dur("acquisition_time", time.Since(start)).
		Msg("account lock held")

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		//nolint:errcheck // release failures degrade to lease expiry
		_ = l.Release(releaseCtx)
	}()

	return fn(ctx)
}

// Info describes the current state of an account lock, for the admin surface.
type Info struct {
	AccountID string        `json:"account_id"`
	Locked    bool          `json:"locked"`
	TTL       time.Duration `json:"ttl_seconds,omitempty"`
}

// Info reports whether the account is currently locked and the remaining lease.
func (m *Manager) Info(ctx context.Context, accountID string) (*Info, error) {
	key := Key(accountID)
	exists, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	info := &Info{AccountID: accountID, Locked: exists == 1}
	if info.Locked {
		ttl, err := m.client.TTL(ctx, key).Result()
		if err == nil {
			info.TTL = ttl
		}
	}
	return info, nil
}

// ForceUnlock removes an account lock regardless of owner. Admin operation
// for recovering from a wedged holder; normal code paths must never call it.
func (m *Manager) ForceUnlock(ctx context.Context, accountID string) (bool, error) {
	removed, err := m.client.Del(ctx, Key(accountID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	log.Info().Str("account_id", accountID).Bool("removed", removed == 1).Msg("account force unlocked")
	return removed == 1, nil
}
