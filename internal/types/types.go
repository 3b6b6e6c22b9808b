package types

import (
	"time"

	"gorm.io/gorm"
)

// Order side values
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order status values
const (
	OrderPending   = "PENDING"
	OrderSubmitted = "SUBMITTED"
	OrderFilled    = "FILLED"
	OrderRejected  = "REJECTED"
	OrderCancelled = "CANCELLED"
)

// Webhook is the inbound trigger definition. It is created and managed by the
// CRUD layer; the execution core only ever reads it. The secret is excluded
// from JSON so it can never leak through a read/list endpoint.
type Webhook struct {
	gorm.Model     `json:"-"`
	Token          string     `gorm:"uniqueIndex" json:"token"`
	UserID         string     `json:"user_id"`
	Secret         string     `json:"-"`
	IsActive       bool       `json:"is_active"`
	SourceType     string     `json:"source_type"` // e.g. TRADINGVIEW
	AllowedSources string     `json:"allowed_sources"` // comma-separated IPs/CIDRs, empty = any
	MaxPerSecond   int        `json:"max_per_second"`
	LastTriggered  *time.Time `json:"last_triggered,omitempty"`
}

// Strategy maps a webhook signal to an order intent for one broker account.
// Many strategies may share a single webhook token.
type Strategy struct {
	gorm.Model   `json:"-"`
	StrategyID   string  `gorm:"uniqueIndex" json:"strategy_id"`
	UserID       string  `json:"user_id"`
	WebhookToken string  `gorm:"index" json:"webhook_token"`
	AccountID    string  `json:"account_id"`
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	OrderType    string  `json:"order_type"`    // MARKET or LIMIT
	TimeInForce  string  `json:"time_in_force"` // GTC, DAY
	IsActive     bool    `json:"is_active"`
}

// BrokerAccount holds the opaque connection handle passed through to the
// broker client. Position rows keyed on it are the shared state the
// distributed lock protects.
type BrokerAccount struct {
	gorm.Model       `json:"-"`
	AccountID        string `gorm:"uniqueIndex" json:"account_id"`
	UserID           string `json:"user_id"`
	BrokerName       string `json:"broker_name"`
	ConnectionHandle string `json:"-"`
	IsActive         bool   `json:"is_active"`
}

// Position is the last known signed quantity per (account, symbol). Read and
// written only while holding the account lock.
type Position struct {
	gorm.Model `json:"-"`
	AccountID  string  `gorm:"index:idx_account_symbol,unique" json:"account_id"`
	Symbol     string  `gorm:"index:idx_account_symbol,unique" json:"symbol"`
	Quantity   float64 `json:"quantity"`
}

// OrderIntent is the resolved decision a strategy wants executed for a given
// signal. It is never persisted on its own; accepting it for submission
// creates an Order row.
type OrderIntent struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	OrderType   string  `json:"order_type"`
	TimeInForce string  `json:"time_in_force"`
}

// Order is the audit record of one execution attempt. Every trade-identifying
// column is populated at insert time and rows are never deleted.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string    `gorm:"uniqueIndex" json:"order_id"`
	CorrelationID string    `gorm:"index" json:"correlation_id"`
	StrategyID    string    `gorm:"index" json:"strategy_id"`
	AccountID     string    `gorm:"index" json:"account_id"`
	Symbol        string    `gorm:"not null" json:"symbol"`
	Side          string    `gorm:"not null" json:"side"`
	OrderType     string    `gorm:"not null" json:"order_type"`
	Quantity      float64   `gorm:"not null" json:"quantity"`
	TimeInForce   string    `gorm:"not null" json:"time_in_force"`
	BrokerOrderID *string   `json:"broker_order_id,omitempty"`
	Status        string    `json:"status"` // PENDING, SUBMITTED, FILLED, REJECTED, CANCELLED
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WebhookLog records one delivery attempt against a webhook token.
type WebhookLog struct {
	gorm.Model     `json:"-"`
	WebhookToken   string    `gorm:"index" json:"webhook_token"`
	CorrelationID  string    `json:"correlation_id"`
	Success        bool      `json:"success"`
	Payload        string    `json:"payload"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ClientIP       string    `json:"client_ip"`
	ProcessingTime float64   `json:"processing_time"`
	TriggeredAt    time.Time `gorm:"index" json:"triggered_at"`
}

// WorkerRegistration tracks a unit of in-flight work so a reconciliation pass
// can detect orphans after a process crash. Heartbeats live in the cache; this
// row is the durable anchor.
type WorkerRegistration struct {
	gorm.Model    `json:"-"`
	TaskID        string    `gorm:"uniqueIndex" json:"task_id"`
	TaskType      string    `json:"task_type"`
	WorkerID      string    `gorm:"index" json:"worker_id"`
	CorrelationID string    `json:"correlation_id"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Orphaned      bool       `json:"orphaned"`
}
