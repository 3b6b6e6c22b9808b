package main

import (
	"errors"

	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tradehook/internal/types"
)

// seedDemoData creates a webhook, two strategies and two broker accounts for
// local development and the simulation driver. Idempotent across restarts.
func seedDemoData(db *gorm.DB) error {
	var existing types.Webhook
	err := db.Where("token = ?", "demo-token").First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	webhook := types.Webhook{
		Token:        "demo-token",
		UserID:       "demo-user",
		Secret:       "demo-secret",
		IsActive:     true,
		SourceType:   "TRADINGVIEW",
		MaxPerSecond: 10,
	}
	if err := db.Create(&webhook).Error; err != nil {
		return err
	}

	accounts := []types.BrokerAccount{
		{AccountID: "demo-account-1", UserID: "demo-user", BrokerName: "simulated", ConnectionHandle: "sim://1", IsActive: true},
		{AccountID: "demo-account-2", UserID: "demo-user", BrokerName: "simulated", ConnectionHandle: "sim://2", IsActive: true},
	}
	for i := range accounts {
		if err := db.Create(&accounts[i]).Error; err != nil {
			return err
		}
	}

	strategies := []types.Strategy{
		{StrategyID: "demo-strategy-1", UserID: "demo-user", WebhookToken: "demo-token", AccountID: "demo-account-1", Symbol: "AAPL", Quantity: 10, OrderType: "MARKET", TimeInForce: "GTC", IsActive: true},
		{StrategyID: "demo-strategy-2", UserID: "demo-user", WebhookToken: "demo-token", AccountID: "demo-account-2", Symbol: "MSFT", Quantity: 5, OrderType: "MARKET", TimeInForce: "GTC", IsActive: true},
	}
	for i := range strategies {
		if err := db.Create(&strategies[i]).Error; err != nil {
			return err
		}
	}

	zlog.Info().Msg("Seeded demo webhook, strategies and accounts")
	return nil
}
