package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Ledger drift checks.
const (
	CheckSignedNotOnLedger  = "SIGNED_NOT_ON_LEDGER"
	CheckOnLedgerNotSigned  = "ON_LEDGER_NOT_SIGNED"
	CheckUnanchored         = "UNANCHORED_DISTRIBUTION"
	CheckUnregisteredSigner = "UNREGISTERED_SIGNER"
	CheckAdminNotOnLedger   = "ADMIN_SIGNATURE_NOT_ON_LEDGER"
	CheckLedgerUnreachable  = "LEDGER_UNREACHABLE"
)

// Reconciler output (scheduled/admin-triggered).
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"` // Distribution, Agreement
	EntityId      string    `gorm:"size:36;index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateReconciliationReports(tx *gorm.DB, ctx context.Context, reports []ReconciliationReport) error {
	if len(reports) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&reports).Error
}

func ListReconciliationReports(tx *gorm.DB, ctx context.Context, correlationId string) ([]ReconciliationReport, error) {
	var out []ReconciliationReport
	err := tx.WithContext(ctx).
		Where("correlation_id = ?", correlationId).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
