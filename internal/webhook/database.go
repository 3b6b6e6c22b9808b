package webhook

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tradehook/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetWebhookByToken returns the webhook definition for a token, nil when the
// token is unknown.
func (d *Database) GetWebhookByToken(token string) (*types.Webhook, error) {
	var webhook types.Webhook
	if err := d.db.Where("token = ?", token).First(&webhook).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &webhook, nil
}

// LogTrigger records a delivery attempt and bumps the webhook's last-triggered
// timestamp. A logging failure must never fail the delivery itself, so errors
// are logged and swallowed.
func (d *Database) LogTrigger(webhookToken, correlationID string, success bool, payload []byte, errMsg, clientIP string, processingTime float64) {
	now := time.Now()
	entry := types.WebhookLog{
		WebhookToken:   webhookToken,
		CorrelationID:  correlationID,
		Success:        success,
		Payload:        string(payload),
		ErrorMessage:   errMsg,
		ClientIP:       clientIP,
		ProcessingTime: processingTime,
		TriggeredAt:    now,
	}
	if err := d.db.Create(&entry).Error; err != nil {
		log.Error().Err(err).Str("webhook_token", webhookToken).Msg("failed to write webhook log")
		return
	}
	if err := d.db.Model(&types.Webhook{}).
		Where("token = ?", webhookToken).
		Update("last_triggered", &now).Error; err != nil {
		log.Warn().Err(err).Str("webhook_token", webhookToken).Msg("failed to update last_triggered")
	}
}

// ListLogs returns the most recent delivery logs for a token.
func (d *Database) ListLogs(token string, limit int) ([]types.WebhookLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []types.WebhookLog
	err := d.db.Where("webhook_token = ?", token).
		Order("triggered_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
