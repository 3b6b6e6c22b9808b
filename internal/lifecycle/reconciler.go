package lifecycle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tradehook/internal/alerts"
)

// Reconciler periodically scans for work left behind by crashed processes:
// open registrations whose heartbeat has expired, and orders stuck in
// PENDING. It only detects and alerts; resolving the true broker state of
// flagged work is a manual operation.
type Reconciler struct {
	db             *Database
	client         *redis.Client
	alerts         alerts.Emitter
	interval       time.Duration
	staleThreshold time.Duration
}

// NewReconciler creates a reconciler over the shared store and cache.
func NewReconciler(db *gorm.DB, client *redis.Client, emitter alerts.Emitter, interval, staleThreshold time.Duration) *Reconciler {
	return &Reconciler{
		db:             NewDatabase(db),
		client:         client,
		alerts:         emitter,
		interval:       interval,
		staleThreshold: staleThreshold,
	}
}

// Start begins the reconciliation loop. It may run in the serving process or
// a dedicated one; the scan only reads shared state.
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciler").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting reconciliation loop")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciler")
			return
		case <-ticker.C:
			if err := r.Scan(ctx); err != nil {
				logger.Error().Err(err).Msg("reconciliation scan failed")
			}
		}
	}
}

// Scan runs one reconciliation pass.
func (r *Reconciler) Scan(ctx context.Context) error {
	logger := log.With().Str("component", "reconciler").Logger()

	regs, err := r.db.GetOpenRegistrations()
	if err != nil {
		return err
	}

	for _, reg := range regs {
		exists, err := r.client.Exists(ctx, heartbeatPrefix+reg.TaskID).Result()
		if err != nil {
			logger.Warn().Err(err).Str("task_id", reg.TaskID).Msg("heartbeat check failed, skipping")
			continue
		}
		if exists == 1 {
			continue
		}
		// Give brand-new registrations a beat to publish their heartbeat.
		if time.Since(reg.StartedAt) < r.staleThreshold {
			continue
		}

		logger.Warn().
			Str("task_id", reg.TaskID).
			Str("task_type", reg.TaskType).
			Str("worker_id", reg.WorkerID).
			Msg("orphaned work detected")
		alerts.OrphanedWork(ctx, r.alerts, reg.TaskID, reg.TaskType, reg.WorkerID)

		if err := r.db.MarkOrphaned(reg.TaskID); err != nil {
			logger.Error().Err(err).Str("task_id", reg.TaskID).Msg("failed to flag orphaned work")
		}
	}

	orders, err := r.db.GetStalePendingOrders(r.staleThreshold)
	if err != nil {
		return err
	}
	for _, order := range orders {
		logger.Warn().
			Str("order_id", order.OrderID).
			Str("account_id", order.AccountID).
			Time("created_at", order.CreatedAt).
			Msg("order stuck in PENDING state")
		alerts.StalePendingOrder(ctx, r.alerts, order.OrderID, order.AccountID, time.Since(order.CreatedAt))
	}

	return nil
}
