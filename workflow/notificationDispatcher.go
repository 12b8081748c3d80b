package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationDispatcher drains the notification outbox through a notify.Sender.
type NotificationDispatcher struct {
	DB           *gorm.DB
	Sender       notify.Sender
	Logger       *logrus.Logger
	DispatcherID string
	Now          func() time.Time

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	SendTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewNotificationDispatcher(db *gorm.DB, sender notify.Sender, logger *logrus.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		DB:             db,
		Sender:         sender,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   2 * time.Second,
		LockTimeout:    time.Minute,
		SendTimeout:    15 * time.Second,
		MaxAttempts:    8,
		InitialBackoff: 30 * time.Second,
	}
}

func (d *NotificationDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *NotificationDispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// DispatchOnce claims one batch and attempts delivery of each row. It returns the number
// of rows delivered.
func (d *NotificationDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Sender == nil {
		return 0
	}
	now := d.now()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.NotificationRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// PENDING/FAILED rows that are due, plus PROCESSING rows whose dispatcher died.
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.NotificationStatusPending, models.NotificationStatusFailed}, now, models.NotificationStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max send attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.NotificationStatusDead
				if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.NotificationStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].Status = models.NotificationStatusProcessing
			claimed[i].Attempts++
			if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          models.NotificationStatusProcessing,
				"locked_at":       &now,
				"locked_by":       d.DispatcherID,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.logEntry().Error("claim notification batch: " + err.Error())
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		if rec.Status == models.NotificationStatusDead {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
		err := d.Sender.Send(sendCtx, notify.Email{
			To:            rec.Recipient,
			ToName:        rec.RecipientName,
			Subject:       rec.Subject,
			TextBody:      rec.TextBody,
			HTMLBody:      rec.Body,
			Kind:          string(rec.Kind),
			CorrelationId: rec.CorrelationId,
		})
		cancel()
		if err != nil {
			d.markFailed(ctx, rec, err)
			continue
		}
		d.markSent(ctx, rec.ID)
		sent++
	}
	return sent
}

func (d *NotificationDispatcher) markSent(ctx context.Context, id int) {
	now := d.now()
	err := d.DB.WithContext(ctx).Model(&models.NotificationRecord{}).
		Where("id = ? AND locked_by = ?", id, d.DispatcherID).
		Updates(map[string]interface{}{
			"status":          models.NotificationStatusSent,
			"sent_at":         &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
	if err != nil {
		d.logEntry().WithField("record_id", id).Error("mark notification sent: " + err.Error())
	}
}

func (d *NotificationDispatcher) markFailed(ctx context.Context, rec models.NotificationRecord, sendErr error) {
	db := d.DB.WithContext(ctx)
	msg := sendErr.Error()

	if d.MaxAttempts > 0 && rec.Attempts >= d.MaxAttempts {
		_ = db.Model(&models.NotificationRecord{}).
			Where("id = ? AND locked_by = ?", rec.ID, d.DispatcherID).
			Updates(map[string]interface{}{
				"status":          models.NotificationStatusDead,
				"last_error":      &msg,
				"next_attempt_at": nil,
				"locked_at":       nil,
				"locked_by":       nil,
			}).Error
		d.logEntry().WithFields(logrus.Fields{
			"record_id":       rec.ID,
			"distribution_id": rec.DistributionId,
			"attempt":         rec.Attempts,
		}).Error("notification moved to DEAD after max attempts: " + msg)
		return
	}

	next := d.now().Add(backoffFor(d.InitialBackoff, rec.Attempts))
	_ = db.Model(&models.NotificationRecord{}).
		Where("id = ? AND locked_by = ?", rec.ID, d.DispatcherID).
		Updates(map[string]interface{}{
			"status":          models.NotificationStatusFailed,
			"last_error":      &msg,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	d.logEntry().WithFields(logrus.Fields{
		"record_id":       rec.ID,
		"distribution_id": rec.DistributionId,
		"attempt":         rec.Attempts,
		"next_attempt_at": next.Format(time.RFC3339Nano),
	}).Warn("notification send failed: " + msg)
}

// backoffFor doubles per attempt and caps at ten minutes.
func backoffFor(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}

func (d *NotificationDispatcher) logEntry() *logrus.Entry {
	logger := d.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithField("field", "NotificationDispatcher")
}
