package lifecycle

import (
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

// CreateRegistration anchors a unit of in-flight work in the durable store.
func (d *Database) CreateRegistration(reg *types.WorkerRegistration) error {
	return d.db.Create(reg).Error
}

// CompleteRegistration marks work as finished.
func (d *Database) CompleteRegistration(taskID string) error {
	now := time.Now()
	return d.db.Model(&types.WorkerRegistration{}).
		Where("task_id = ?", taskID).
		Update("completed_at", &now).Error
}

// GetOpenRegistrations returns work units with no terminal outcome that have
// not already been flagged as orphaned.
func (d *Database) GetOpenRegistrations() ([]types.WorkerRegistration, error) {
	var regs []types.WorkerRegistration
	err := d.db.Where("completed_at IS NULL AND orphaned = ?", false).Find(&regs).Error
	return regs, err
}

// MarkOrphaned flags a registration for manual reconciliation so it is not
// re-alerted on every scan.
func (d *Database) MarkOrphaned(taskID string) error {
	return d.db.Model(&types.WorkerRegistration{}).
		Where("task_id = ?", taskID).
		Update("orphaned", true).Error
}

// GetStalePendingOrders returns orders stuck in PENDING longer than the
// threshold. These indicate an execution that died between the order insert
// and a terminal status.
func (d *Database) GetStalePendingOrders(olderThan time.Duration) ([]types.Order, error) {
	var orders []types.Order
	cutoff := time.Now().Add(-olderThan)
	err := d.db.Where("status = ? AND created_at < ?", types.OrderPending, cutoff).Find(&orders).Error
	return orders, err
}
