package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// compensationRetries bounds the retry budget for each cleanup action.
const compensationRetries = 3

// Coordinator wraps execution units in a database transaction with registered
// compensating actions. On failure the transaction rolls back and all
// compensations run in reverse registration order; on success compensations
// are discarded with the commit.
type Coordinator struct {
	db *gorm.DB
}

// NewCoordinator creates a coordinator over the given database handle.
func NewCoordinator(db *gorm.DB) *Coordinator {
	return &Coordinator{db: db}
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Scope is the transactional context handed to the execution unit. The unit
// performs its writes through Tx and registers cleanups for side effects that
// live outside the transaction, such as orders already sent to the broker.
type Scope struct {
	tx            *gorm.DB
	compensations []compensation
}

// Tx returns the scoped database transaction.
func (s *Scope) Tx() *gorm.DB {
	return s.tx
}

// RegisterCompensation adds a cleanup to run if the unit fails after this
// point. Compensations run LIFO, each independently retried, so a later
// cleanup failing never blocks an earlier one.
func (s *Scope) RegisterCompensation(name string, fn func(ctx context.Context) error) {
	s.compensations = append(s.compensations, compensation{name: name, fn: fn})
}

// RunInTransaction executes fn within a transaction scope. The transaction is
// committed when fn returns nil; on error or panic it is rolled back and the
// registered compensations run. A commit failure also triggers compensations,
// which is how a broker order that can no longer be recorded gets cancelled.
func (c *Coordinator) RunInTransaction(ctx context.Context, operation string, fn func(scope *Scope) error) (err error) {
	tx := c.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	scope := &Scope{tx: tx}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			c.runCompensations(ctx, operation, scope.compensations)
			err = fmt.Errorf("panic during %s: %v", operation, r)
			log.Error().Str("operation", operation).Interface("panic", r).
				Msg("recovered panic in transaction scope")
		}
	}()

	if err := fn(scope); err != nil {
		tx.Rollback()
		c.runCompensations(ctx, operation, scope.compensations)
		return err
	}

	if commitErr := tx.Commit().Error; commitErr != nil {
		c.runCompensations(ctx, operation, scope.compensations)
		return fmt.Errorf("commit failed for %s: %w", operation, commitErr)
	}

	return nil
}

// runCompensations executes cleanups LIFO. Each runs to completion with its
// own retry budget; failures are logged and do not stop the remainder.
func (c *Coordinator) runCompensations(ctx context.Context, operation string, comps []compensation) {
	if len(comps) == 0 {
		return
	}

	logger := log.With().Str("operation", operation).Logger()
	logger.Info().Int("count", len(comps)).Msg("running rollback compensations")

	for i := len(comps) - 1; i >= 0; i-- {
		comp := comps[i]
		if err := c.runWithRetry(ctx, comp); err != nil {
			logger.Error().Err(err).Str("compensation", comp.name).
				Msg("compensation failed after retries, manual intervention may be required")
			continue
		}
		logger.Debug().Str("compensation", comp.name).Msg("compensation completed")
	}
}

func (c *Coordinator) runWithRetry(ctx context.Context, comp compensation) error {
	var lastErr error
	delay := 50 * time.Millisecond

	for attempt := 0; attempt < compensationRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if lastErr = comp.fn(ctx); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Str("compensation", comp.name).Int("attempt", attempt+1).
			Msg("compensation attempt failed")
	}
	return lastErr
}
