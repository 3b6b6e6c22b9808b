package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/tradehook/internal/alerts"
	"github.com/ksred/tradehook/internal/breaker"
	"github.com/ksred/tradehook/internal/broker"
	"github.com/ksred/tradehook/internal/idempotency"
	"github.com/ksred/tradehook/internal/lock"
	"github.com/ksred/tradehook/internal/ratelimit"
	"github.com/ksred/tradehook/internal/rollback"
	"github.com/ksred/tradehook/internal/types"
)

var (
	// ErrRateLimited is returned when a delivery exceeds the webhook's
	// per-source ceiling. Retryable by the caller.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidPayload is returned for payloads that cannot be normalized
	// into a signal. Never retried.
	ErrInvalidPayload = errors.New("invalid signal payload")

	// ErrDuplicateInFlight is returned when a byte-identical delivery is
	// still being processed by its first claim.
	ErrDuplicateInFlight = errors.New("duplicate delivery still processing")
)

// brokerCallTimeout bounds each PlaceOrder call so a hung broker surfaces as
// a typed failure that triggers the compensation path.
const brokerCallTimeout = 10 * time.Second

// TriggerLogger records one webhook delivery attempt for the audit trail.
// Implemented by the webhook package's database layer.
type TriggerLogger interface {
	LogTrigger(webhookToken, correlationID string, success bool, payload []byte, errMsg, clientIP string, processingTime float64)
}

// SourceMeta carries request-level metadata through the execution path.
type SourceMeta struct {
	ClientIP string
}

// Service is the fan-out engine: it resolves a webhook delivery to its
// (strategy, account) targets and drives one execution attempt per target
// through the breaker, the account lock, the rollback scope and the broker.
type Service struct {
	db          *Database
	guard       *idempotency.Guard
	limiter     *ratelimit.Limiter
	locks       *lock.Manager
	breakers    *breaker.Manager
	coordinator *rollback.Coordinator
	broker      broker.Client
	alerts      alerts.Emitter
	triggerLog  TriggerLogger
	defaultRPS  int
}

// NewService wires the orchestrator from its collaborators.
func NewService(
	db *Database,
	guard *idempotency.Guard,
	limiter *ratelimit.Limiter,
	locks *lock.Manager,
	breakers *breaker.Manager,
	coordinator *rollback.Coordinator,
	brokerClient broker.Client,
	emitter alerts.Emitter,
	triggerLog TriggerLogger,
	defaultRPS int,
) *Service {
	return &Service{
		db:          db,
		guard:       guard,
		limiter:     limiter,
		locks:       locks,
		breakers:    breakers,
		coordinator: coordinator,
		broker:      brokerClient,
		alerts:      emitter,
		triggerLog:  triggerLog,
		defaultRPS:  defaultRPS,
	}
}

// Admission is the outcome of the synchronous admission phase. When Replay is
// set the delivery is a duplicate and no execution must happen.
type Admission struct {
	CorrelationID string
	Fingerprint   string
	Signal        *Signal
	Replay        *types.SignalResult
}

// Admit runs the admission pipeline for one delivery: rate limit, payload
// normalization, idempotency claim. It never touches the broker, so the HTTP
// layer can run it synchronously and answer quickly.
func (s *Service) Admit(ctx context.Context, webhook *types.Webhook, raw []byte, meta SourceMeta) (*Admission, error) {
	limit := webhook.MaxPerSecond
	if limit <= 0 {
		limit = s.defaultRPS
	}

	sourceKey := webhook.Token + ":" + meta.ClientIP
	if !s.limiter.Allow(ctx, sourceKey, limit) {
		return nil, ErrRateLimited
	}

	signal, err := ParseSignal(raw)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	fingerprint := idempotency.Fingerprint(webhook.Token, raw)

	placeholder := &types.SignalResult{
		Status:        types.SignalProcessing,
		CorrelationID: correlationID,
		WebhookToken:  webhook.Token,
	}
	first, cached := s.guard.ClaimOrReplay(ctx, fingerprint, placeholder)
	if !first {
		return &Admission{CorrelationID: cached.CorrelationID, Replay: cached}, nil
	}

	return &Admission{
		CorrelationID: correlationID,
		Fingerprint:   fingerprint,
		Signal:        signal,
	}, nil
}

// Execute fans the admitted signal out to every active (strategy, account)
// target, aggregates the per-target outcomes, stores the terminal result for
// replay and writes the webhook trigger log. Individual target failures never
// abort sibling targets.
func (s *Service) Execute(ctx context.Context, webhook *types.Webhook, adm *Admission, raw []byte, meta SourceMeta) *types.SignalResult {
	start := time.Now()
	logger := log.With().
		Str("correlation_id", adm.CorrelationID).
		Str("webhook_token", webhook.Token).
		Logger()

	result := &types.SignalResult{
		Status:        types.SignalAccepted,
		CorrelationID: adm.CorrelationID,
		WebhookToken:  webhook.Token,
	}

	strategies, err := s.db.GetActiveStrategies(webhook.Token)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve strategies for webhook")
		alerts.WebhookFailure(ctx, s.alerts, adm.CorrelationID, webhook.Token, err)
		s.finish(ctx, webhook, adm, raw, meta, result, start, err)
		return result
	}

	if len(strategies) == 0 {
		logger.Warn().Msg("no active strategies found for webhook")
		result.Status = types.SignalNoTargets
		s.finish(ctx, webhook, adm, raw, meta, result, start, nil)
		return result
	}

	logger.Info().
		Int("strategy_count", len(strategies)).
		Str("action", adm.Signal.Action).
		Msg("fanning signal out to strategies")

	// Targets for different accounts execute concurrently; same-account
	// targets serialize through the distributed lock.
	targets := make([]types.TargetResult, len(strategies))
	var wg sync.WaitGroup
	for i := range strategies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			targets[i] = s.executeTarget(ctx, &strategies[i], adm.Signal, adm.CorrelationID)
		}(i)
	}
	wg.Wait()

	for _, tr := range targets {
		result.Targets = append(result.Targets, tr)
		switch tr.Outcome {
		case types.TargetExecuted:
			result.ExecutedCount++
		case types.TargetSkipped:
			result.SkippedCount++
		default:
			result.FailedCount++
		}
	}

	logger.Info().
		Int("executed", result.ExecutedCount).
		Int("skipped", result.SkippedCount).
		Int("failed", result.FailedCount).
		Dur("processing_time", time.Since(start)).
		Msg("signal fan-out completed")

	s.finish(ctx, webhook, adm, raw, meta, result, start, nil)
	return result
}

// HandleSignal runs admission and execution synchronously. The HTTP layer
// prefers Admit plus a tracked asynchronous Execute; this entry point serves
// callers that need the aggregate result inline.
func (s *Service) HandleSignal(ctx context.Context, webhook *types.Webhook, raw []byte, meta SourceMeta) (*types.SignalResult, error) {
	adm, err := s.Admit(ctx, webhook, raw, meta)
	if err != nil {
		return nil, err
	}
	if adm.Replay != nil {
		if !adm.Replay.Completed() {
			return adm.Replay, ErrDuplicateInFlight
		}
		return adm.Replay, nil
	}
	return s.Execute(ctx, webhook, adm, raw, meta), nil
}

// finish seals the result, stores it for duplicate replay and records the
// trigger in the audit log.
func (s *Service) finish(ctx context.Context, webhook *types.Webhook, adm *Admission, raw []byte, meta SourceMeta, result *types.SignalResult, start time.Time, procErr error) {
	now := time.Now()
	result.CompletedAt = &now
	result.ProcessingTime = now.Sub(start).Seconds()

	if err := s.guard.StoreResult(ctx, adm.Fingerprint, result); err != nil {
		log.Warn().Err(err).Str("correlation_id", adm.CorrelationID).Msg("failed to cache signal result")
	}

	if s.triggerLog != nil {
		errMsg := ""
		if procErr != nil {
			errMsg = procErr.Error()
		}
		s.triggerLog.LogTrigger(webhook.Token, adm.CorrelationID, procErr == nil && result.FailedCount == 0, raw, errMsg, meta.ClientIP, result.ProcessingTime)
	}
}

// executeTarget drives one (strategy, account) execution attempt. A panic in
// a target is contained here and converted into a failure outcome so it can
// never take down sibling targets or the process.
func (s *Service) executeTarget(ctx context.Context, strategy *types.Strategy, signal *Signal, correlationID string) (tr types.TargetResult) {
	tr = types.TargetResult{
		StrategyID: strategy.StrategyID,
		AccountID:  strategy.AccountID,
		StartedAt:  time.Now(),
	}

	b := s.breakers.Get(strategy.StrategyID)
	admitted := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("correlation_id", correlationID).
				Str("strategy_id", strategy.StrategyID).
				Interface("panic", r).
				Msg("recovered panic in target execution")
			tr.Outcome = types.TargetFailed
			tr.Reason = fmt.Sprintf("panic: %v", r)
			// An admitted attempt must always report an outcome, or a
			// half-open trial permit would leak and wedge the breaker.
			if admitted {
				b.RecordFailure()
			}
		}
		tr.FinishedAt = time.Now()
	}()

	if err := b.Allow(); err != nil {
		tr.Outcome = types.TargetFailed
		tr.Reason = err.Error()
		return tr
	}
	admitted = true

	err := s.locks.WithAccountLock(ctx, strategy.AccountID, func(ctx context.Context) error {
		return s.executeLocked(ctx, strategy, signal, correlationID, &tr)
	})

	switch {
	case err == nil && tr.Outcome == types.TargetSkipped:
		// A skip is no attempt at all; the breaker window ignores it, and a
		// half-open trial permit is returned for the next real attempt.
		b.CancelTrial()
	case err == nil:
		tr.Outcome = types.TargetExecuted
		b.RecordSuccess()
	default:
		if errors.Is(err, lock.ErrLockTimeout) {
			alerts.LockContention(ctx, s.alerts, correlationID, strategy.AccountID)
		}
		tr.Outcome = types.TargetFailed
		tr.Reason = err.Error()
		b.RecordFailure()
		alerts.StrategyFailure(ctx, s.alerts, correlationID, strategy.StrategyID, err, map[string]interface{}{
			"account_id": strategy.AccountID,
			"action":     signal.Action,
		})
	}
	return tr
}

// executeLocked runs the critical section: position-aware intent resolution,
// order row insert, broker call and status update, all while holding the
// account lock.
func (s *Service) executeLocked(ctx context.Context, strategy *types.Strategy, signal *Signal, correlationID string, tr *types.TargetResult) error {
	account, err := s.db.GetAccount(strategy.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", strategy.AccountID, err)
	}
	if account == nil {
		return fmt.Errorf("unknown broker account %s", strategy.AccountID)
	}

	position, err := s.db.GetPosition(account.AccountID, strategy.Symbol)
	if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}

	intent, skipReason := resolveOrderIntent(strategy, signal, position)
	if intent == nil {
		log.Info().
			Str("correlation_id", correlationID).
			Str("strategy_id", strategy.StrategyID).
			Str("reason", skipReason).
			Msg("signal skipped for strategy")
		tr.Outcome = types.TargetSkipped
		tr.Reason = skipReason
		return nil
	}

	// The order row is created before the broker call with every
	// trade-identifying field populated, and is never deleted. Failures past
	// this point move it to a terminal status instead.
	now := time.Now()
	order := &types.Order{
		OrderID:       uuid.New().String(),
		CorrelationID: correlationID,
		StrategyID:    strategy.StrategyID,
		AccountID:     account.AccountID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		Quantity:      intent.Quantity,
		TimeInForce:   intent.TimeInForce,
		Status:        types.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.CreateOrder(order); err != nil {
		return fmt.Errorf("failed to create order row: %w", err)
	}
	tr.OrderID = order.OrderID

	return s.coordinator.RunInTransaction(ctx, "order_execution", func(scope *rollback.Scope) error {
		scope.RegisterCompensation("mark_order_rejected", func(ctx context.Context) error {
			return s.db.MarkOrderRejected(order.OrderID, "execution failed, see logs for correlation "+correlationID)
		})

		callCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
		defer cancel()
		brokerOrderID, err := s.broker.PlaceOrder(callCtx, account, broker.OrderSpec{
			Symbol:      intent.Symbol,
			Side:        intent.Side,
			Quantity:    intent.Quantity,
			OrderType:   intent.OrderType,
			TimeInForce: intent.TimeInForce,
		})
		if err != nil {
			return fmt.Errorf("broker call failed: %w", err)
		}

		// The broker accepted the order. If recording that fact fails from
		// here on, the best-effort undo is cancelling it at the broker.
		scope.RegisterCompensation("cancel_broker_order", func(ctx context.Context) error {
			return s.broker.CancelOrder(ctx, account, brokerOrderID)
		})

		if err := scope.Tx().Model(&types.Order{}).
			Where("order_id = ?", order.OrderID).
			Updates(map[string]interface{}{
				"status":          types.OrderSubmitted,
				"broker_order_id": brokerOrderID,
				"updated_at":      time.Now(),
			}).Error; err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		delta := intent.Quantity
		if intent.Side == types.SideSell {
			delta = -delta
		}
		if err := s.db.UpsertPosition(scope.Tx(), account.AccountID, intent.Symbol, delta); err != nil {
			return fmt.Errorf("failed to update position snapshot: %w", err)
		}

		log.Info().
			Str("correlation_id", correlationID).
			Str("order_id", order.OrderID).
			Str("broker_order_id", brokerOrderID).
			Str("symbol", intent.Symbol).
			Str("side", intent.Side).
			Float64("quantity", intent.Quantity).
			Msg("order submitted to broker")
		return nil
	})
}
