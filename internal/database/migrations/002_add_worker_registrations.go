package migrations

import (
	"github.com/ksred/tradehook/internal/types"
	"gorm.io/gorm"
)

func AddWorkerRegistrations(db *gorm.DB) error {
	return db.AutoMigrate(&types.WorkerRegistration{})
}
