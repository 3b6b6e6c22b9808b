package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ksred/tradehook/internal/types"
)

// Signal is the normalized form of an inbound webhook payload. Only the
// action matters to the core; sizing and symbol come from the strategy.
type Signal struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp,omitempty"`
	Source    string `json:"source,omitempty"`
}

// ParseSignal decodes and normalizes a raw webhook payload. The action is
// upper-cased and enum-style prefixes ("WebhookAction.BUY") are stripped,
// matching what alert platforms actually send.
func ParseSignal(raw []byte) (*Signal, error) {
	var signal Signal
	if err := json.Unmarshal(raw, &signal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	action := strings.TrimSpace(signal.Action)
	if idx := strings.LastIndex(action, "."); idx >= 0 {
		action = action[idx+1:]
	}
	action = strings.ToUpper(action)

	if action != types.SideBuy && action != types.SideSell {
		return nil, fmt.Errorf("%w: action must be BUY or SELL, got %q", ErrInvalidPayload, signal.Action)
	}

	signal.Action = action
	return &signal, nil
}

// resolveOrderIntent applies a strategy's sizing rules to a signal given the
// account's current position. A nil intent with a reason means skip: a SELL
// against a flat or short book places no order, and a SELL never flips the
// position past flat.
func resolveOrderIntent(strategy *types.Strategy, signal *Signal, position float64) (*types.OrderIntent, string) {
	quantity := strategy.Quantity

	if signal.Action == types.SideSell {
		if position <= 0 {
			return nil, "no open position to sell"
		}
		if quantity > position {
			quantity = position
		}
	}

	if quantity <= 0 {
		return nil, "strategy resolves to zero quantity"
	}

	orderType := strategy.OrderType
	if orderType == "" {
		orderType = "MARKET"
	}
	timeInForce := strategy.TimeInForce
	if timeInForce == "" {
		timeInForce = "GTC"
	}

	return &types.OrderIntent{
		Symbol:      strategy.Symbol,
		Side:        signal.Action,
		Quantity:    quantity,
		OrderType:   orderType,
		TimeInForce: timeInForce,
	}, ""
}
