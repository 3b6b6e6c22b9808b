package types

import "time"

// Target outcome values aggregated into a SignalResult
const (
	TargetExecuted = "EXECUTED"
	TargetSkipped  = "SKIPPED"
	TargetFailed   = "FAILED"
)

// SignalResult statuses
const (
	SignalAccepted   = "ACCEPTED"
	SignalProcessing = "PROCESSING"
	SignalNoTargets  = "NO_TARGETS"
)

// TargetResult is the per-(strategy, account) outcome of one signal delivery.
type TargetResult struct {
	StrategyID string    `json:"strategy_id"`
	AccountID  string    `json:"account_id"`
	Outcome    string    `json:"outcome"` // EXECUTED, SKIPPED, FAILED
	OrderID    string    `json:"order_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SignalResult is the aggregate outcome of one webhook delivery. It is what
// the idempotency guard caches and replays for duplicate deliveries.
type SignalResult struct {
	Status         string         `json:"status"`
	CorrelationID  string         `json:"correlation_id"`
	WebhookToken   string         `json:"webhook_token"`
	Targets        []TargetResult `json:"targets,omitempty"`
	ExecutedCount  int            `json:"executed_count"`
	SkippedCount   int            `json:"skipped_count"`
	FailedCount    int            `json:"failed_count"`
	ProcessingTime float64        `json:"processing_time"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Completed reports whether processing has reached a terminal state. A cached
// result without a completion timestamp means the first delivery is still in
// flight and duplicates must be told to retry.
func (r *SignalResult) Completed() bool {
	return r != nil && r.CompletedAt != nil
}
