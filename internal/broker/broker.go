package broker

import (
	"context"
	"errors"

	"github.com/ksred/tradehook/internal/types"
)

var (
	// ErrOrderRejected indicates the broker refused the order. Not retried;
	// recorded against the order and reported to the strategy's breaker.
	ErrOrderRejected = errors.New("order rejected by broker")

	// ErrBrokerTimeout indicates the broker call exceeded its deadline. The
	// order's fate is unknown, so the compensation path runs.
	ErrBrokerTimeout = errors.New("broker call timed out")
)

// OrderSpec is the broker-facing shape of an accepted order intent.
type OrderSpec struct {
	Symbol      string
	Side        string
	Quantity    float64
	OrderType   string
	TimeInForce string
}

// Client is the external broker abstraction the execution core drives. The
// remote call is assumed idempotent enough to tolerate a retry of CancelOrder
// but PlaceOrder is invoked at most once per order row.
type Client interface {
	// PlaceOrder submits an order on the account's connection and returns the
	// broker-assigned order id.
	PlaceOrder(ctx context.Context, account *types.BrokerAccount, spec OrderSpec) (string, error)

	// CancelOrder attempts a best-effort cancel of a previously placed order.
	CancelOrder(ctx context.Context, account *types.BrokerAccount, brokerOrderID string) error
}
