package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/tradehook/internal/types"
)

// Simulated is a mock broker used for local development and the simulation
// driver. It models latency and a configurable rejection rate so the breaker,
// rollback and lock paths all get exercised without a live brokerage.
type Simulated struct {
	Name        string
	MinLatency  int     // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of accepting an order

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewSimulated creates a simulated broker with sensible development defaults.
func NewSimulated() *Simulated {
	return &Simulated{
		Name:        "Simulated Broker",
		MinLatency:  5,
		MaxLatency:  50,
		SuccessRate: 0.95,
		cancelled:   make(map[string]bool),
	}
}

// PlaceOrder simulates order submission with random latency and occasional
// rejection.
func (s *Simulated) PlaceOrder(ctx context.Context, account *types.BrokerAccount, spec OrderSpec) (string, error) {
	logger := log.With().
		Str("broker", s.Name).
		Str("account_id", account.AccountID).
		Str("symbol", spec.Symbol).
		Str("side", spec.Side).
		Float64("quantity", spec.Quantity).
		Logger()

	logger.Info().Msg("submitting order to broker")

	latency := rand.Intn(s.MaxLatency-s.MinLatency+1) + s.MinLatency
	select {
	case <-ctx.Done():
		logger.Warn().Msg("broker call deadline exceeded")
		return "", ErrBrokerTimeout
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	if rand.Float64() > s.SuccessRate {
		logger.Warn().Float64("success_rate", s.SuccessRate).Msg("broker rejected order")
		return "", fmt.Errorf("%w: simulated rejection", ErrOrderRejected)
	}

	brokerOrderID := fmt.Sprintf("SIM-%d", rand.Int63())
	logger.Info().Str("broker_order_id", brokerOrderID).Msg("order accepted by broker")
	return brokerOrderID, nil
}

// CancelOrder simulates a best-effort cancel.
func (s *Simulated) CancelOrder(ctx context.Context, account *types.BrokerAccount, brokerOrderID string) error {
	s.mu.Lock()
	s.cancelled[brokerOrderID] = true
	s.mu.Unlock()

	log.Info().
		Str("broker", s.Name).
		Str("account_id", account.AccountID).
		Str("broker_order_id", brokerOrderID).
		Msg("order cancelled at broker")
	return nil
}

// Cancelled reports whether an order id was cancelled. Used by the simulation
// driver to verify compensation behaviour.
func (s *Simulated) Cancelled(brokerOrderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[brokerOrderID]
}
