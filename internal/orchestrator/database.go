package orchestrator

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/tradehook/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for the rollback coordinator.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// GetActiveStrategies returns the strategies wired to a webhook token that
// are currently enabled.
func (d *Database) GetActiveStrategies(webhookToken string) ([]types.Strategy, error) {
	var strategies []types.Strategy
	err := d.db.Where("webhook_token = ? AND is_active = ?", webhookToken, true).Find(&strategies).Error
	return strategies, err
}

// GetAccount returns a broker account by its identifier.
func (d *Database) GetAccount(accountID string) (*types.BrokerAccount, error) {
	var account types.BrokerAccount
	if err := d.db.Where("account_id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// GetPosition returns the known signed quantity for (account, symbol), zero
// when no snapshot exists. Callers must hold the account lock.
func (d *Database) GetPosition(accountID, symbol string) (float64, error) {
	var position types.Position
	if err := d.db.Where("account_id = ? AND symbol = ?", accountID, symbol).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return position.Quantity, nil
}

// UpsertPosition applies a signed delta to the position snapshot within the
// given transaction. Callers must hold the account lock.
func (d *Database) UpsertPosition(tx *gorm.DB, accountID, symbol string, delta float64) error {
	var position types.Position
	err := tx.Where("account_id = ? AND symbol = ?", accountID, symbol).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&types.Position{
			AccountID: accountID,
			Symbol:    symbol,
			Quantity:  delta,
		}).Error
	}
	if err != nil {
		return err
	}
	position.Quantity += delta
	return tx.Save(&position).Error
}

// CreateOrder inserts a new order row. Every trade-identifying field must be
// populated by the caller; the schema enforces NOT NULL on them.
func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

// MarkOrderRejected moves an order to REJECTED with the failure reason.
// Used by the compensation path, so it writes through the base handle rather
// than any in-flight transaction.
func (d *Database) MarkOrderRejected(orderID, reason string) error {
	return d.db.Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"status":        types.OrderRejected,
			"error_message": reason,
			"updated_at":    time.Now(),
		}).Error
}

// GetOrder returns an order by id.
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}
