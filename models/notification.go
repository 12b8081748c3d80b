package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// NotificationRecord is an outbox row: an email queued in the same request that caused it
// and delivered later by the dispatcher.
type NotificationRecord struct {
	ID             int              `gorm:"primary_key" json:"id"`
	DistributionId string           `gorm:"size:36;not null;index" json:"distribution_id"`
	AgreementId    *string          `gorm:"size:36" json:"agreement_id"`
	Kind           NotificationKind `gorm:"size:40;not null;index" json:"kind"`
	Recipient      string           `gorm:"size:255;not null" json:"recipient"`
	RecipientName  string           `gorm:"size:100" json:"recipient_name"`
	Subject        string           `gorm:"size:255;not null" json:"subject"`
	TextBody       string           `gorm:"type:text" json:"text_body"`
	Body           string           `gorm:"type:text;not null" json:"body"`
	CorrelationId  string           `gorm:"size:64;index" json:"correlation_id"`

	Status        string     `gorm:"size:20;not null;index;default:PENDING" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at"`
	LockedBy      *string    `gorm:"size:36" json:"locked_by"`
	SentAt        *time.Time `json:"sent_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func EnqueueNotifications(tx *gorm.DB, ctx context.Context, records []NotificationRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].Status == "" {
			records[i].Status = NotificationStatusPending
		}
	}
	return tx.WithContext(ctx).Create(&records).Error
}

// ReplayDeadNotifications puts DEAD rows back in the queue with a fresh attempt budget.
func ReplayDeadNotifications(tx *gorm.DB, ctx context.Context, distributionId string) (int64, error) {
	q := tx.WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("status = ?", NotificationStatusDead)
	if distributionId != "" {
		q = q.Where("distribution_id = ?", distributionId)
	}
	res := q.Updates(map[string]interface{}{
		"status":          NotificationStatusPending,
		"attempts":        0,
		"last_error":      nil,
		"next_attempt_at": nil,
		"locked_at":       nil,
		"locked_by":       nil,
	})
	return res.RowsAffected, res.Error
}

func ListNotifications(tx *gorm.DB, ctx context.Context, distributionId string) ([]NotificationRecord, error) {
	var out []NotificationRecord
	err := tx.WithContext(ctx).
		Where("distribution_id = ?", distributionId).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
