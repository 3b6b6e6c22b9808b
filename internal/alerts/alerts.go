package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Severity levels
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event types emitted by the execution core
const (
	TypeStrategyFailure   = "STRATEGY_FAILURE"
	TypeWebhookFailure    = "WEBHOOK_FAILURE"
	TypeOrphanedWork      = "ORPHANED_WORK"
	TypeLockContention    = "LOCK_CONTENTION"
	TypeStalePendingOrder = "STALE_PENDING_ORDER"
)

// Event is a structured alert delivered to the external alerting sink.
type Event struct {
	Type          string                 `json:"type"`
	Severity      string                 `json:"severity"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Message       string                 `json:"message"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Emitter delivers events to a sink. Emission is fire-and-forget: the core
// never depends on the sink's availability for correctness.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// LogEmitter writes alert events to the structured log. Always active so
// alerts survive even when no external sink is configured.
type LogEmitter struct{}

// Emit logs the event at a level matching its severity.
func (LogEmitter) Emit(_ context.Context, event Event) {
	logger := log.With().
		Str("alert_type", event.Type).
		Str("severity", event.Severity).
		Str("correlation_id", event.CorrelationID).
		Interface("context", event.Context).
		Logger()

	if event.Severity == SeverityCritical {
		logger.Error().Msg(event.Message)
		return
	}
	logger.Warn().Msg(event.Message)
}

// NATSEmitter publishes alert events to a JetStream subject so downstream
// consumers (paging, dashboards) can subscribe without coupling to this
// process.
type NATSEmitter struct {
	js      nats.JetStreamContext
	subject string
}

// NewNATSEmitter connects the emitter to a JetStream context.
func NewNATSEmitter(nc *nats.Conn, subject string) (*NATSEmitter, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &NATSEmitter{js: js, subject: subject}, nil
}

// Emit publishes the event as JSON. Publish failures are logged and dropped.
func (e *NATSEmitter) Emit(_ context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("alert_type", event.Type).Msg("failed to marshal alert event")
		return
	}
	if _, err := e.js.Publish(e.subject, data); err != nil {
		log.Warn().Err(err).Str("alert_type", event.Type).Msg("failed to publish alert event")
	}
}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit delivers the event to every emitter in order.
func (m Multi) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		e.Emit(ctx, event)
	}
}

// StrategyFailure reports a failed strategy execution.
func StrategyFailure(ctx context.Context, e Emitter, correlationID, strategyID string, err error, context map[string]interface{}) {
	if context == nil {
		context = map[string]interface{}{}
	}
	context["strategy_id"] = strategyID
	e.Emit(ctx, Event{
		Type:          TypeStrategyFailure,
		Severity:      SeverityWarning,
		CorrelationID: correlationID,
		Message:       "strategy execution failed: " + err.Error(),
		Context:       context,
		Timestamp:     time.Now(),
	})
}

// WebhookFailure reports a webhook delivery whose processing failed outright.
func WebhookFailure(ctx context.Context, e Emitter, correlationID, webhookToken string, err error) {
	e.Emit(ctx, Event{
		Type:          TypeWebhookFailure,
		Severity:      SeverityCritical,
		CorrelationID: correlationID,
		Message:       "webhook processing failed: " + err.Error(),
		Context:       map[string]interface{}{"webhook_token": webhookToken},
		Timestamp:     time.Now(),
	})
}

// OrphanedWork reports a worker registration whose heartbeat expired without
// a terminal outcome.
func OrphanedWork(ctx context.Context, e Emitter, taskID, taskType, workerID string) {
	e.Emit(ctx, Event{
		Type:     TypeOrphanedWork,
		Severity: SeverityCritical,
		Message:  "orphaned work detected, manual reconciliation required",
		Context: map[string]interface{}{
			"task_id":   taskID,
			"task_type": taskType,
			"worker_id": workerID,
		},
		Timestamp: time.Now(),
	})
}

// LockContention reports repeated lock timeouts for an account.
func LockContention(ctx context.Context, e Emitter, correlationID, accountID string) {
	e.Emit(ctx, Event{
		Type:          TypeLockContention,
		Severity:      SeverityWarning,
		CorrelationID: correlationID,
		Message:       "account lock acquisition timed out",
		Context:       map[string]interface{}{"account_id": accountID},
		Timestamp:     time.Now(),
	})
}

// StalePendingOrder reports an order stuck in PENDING past the staleness
// threshold.
func StalePendingOrder(ctx context.Context, e Emitter, orderID, accountID string, age time.Duration) {
	e.Emit(ctx, Event{
		Type:     TypeStalePendingOrder,
		Severity: SeverityCritical,
		Message:  "order stuck in PENDING state",
		Context: map[string]interface{}{
			"order_id":    orderID,
			"account_id":  accountID,
			"age_seconds": age.Seconds(),
		},
		Timestamp: time.Now(),
	})
}
