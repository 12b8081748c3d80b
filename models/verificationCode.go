package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VerificationCode is a one-time signing code. Once consumed it becomes a grant that
// one Sign call may spend (grant_used_at). The plaintext code is never stored.
type VerificationCode struct {
	ID               string     `gorm:"size:36;primaryKey" json:"id"`
	AgreementId      string     `gorm:"size:36;not null;index" json:"agreement_id"`
	IssuedTo         string     `gorm:"size:36;not null;index" json:"issued_to"`
	CodeHash         string     `gorm:"size:100;not null" json:"-"`
	SignerCredential string     `gorm:"size:100;not null" json:"-"`
	ExpiresAt        time.Time  `gorm:"not null;index" json:"expires_at"`
	ConsumedAt       *time.Time `json:"consumed_at"`
	ConsumedBy       *string    `gorm:"size:36" json:"consumed_by"`
	SupersededAt     *time.Time `json:"superseded_at"`
	GrantUsedAt      *time.Time `json:"grant_used_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (v *VerificationCode) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

// Expired treats the expiry instant itself as still valid.
func (v *VerificationCode) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// SupersedeCodes invalidates every outstanding code and unspent grant for the agreement.
func SupersedeCodes(tx *gorm.DB, ctx context.Context, agreementId string, now time.Time) error {
	return tx.WithContext(ctx).
		Model(&VerificationCode{}).
		Where("agreement_id = ? AND superseded_at IS NULL AND grant_used_at IS NULL", agreementId).
		Updates(map[string]interface{}{"superseded_at": now}).Error
}

func CreateVerificationCode(tx *gorm.DB, ctx context.Context, code *VerificationCode) error {
	return tx.WithContext(ctx).Create(code).Error
}

// ListActiveCodes returns unconsumed, unsuperseded, unexpired codes issued to actorId.
func ListActiveCodes(tx *gorm.DB, ctx context.Context, agreementId string, actorId string, now time.Time) ([]VerificationCode, error) {
	var out []VerificationCode
	err := tx.WithContext(ctx).
		Where("agreement_id = ? AND issued_to = ?", agreementId, actorId).
		Where("consumed_at IS NULL AND superseded_at IS NULL AND expires_at >= ?", now).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// ConsumeCode turns a code into a grant. Only one caller wins.
func ConsumeCode(tx *gorm.DB, ctx context.Context, id string, actorId string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&VerificationCode{}).
		Where("id = ? AND consumed_at IS NULL AND superseded_at IS NULL", id).
		Updates(map[string]interface{}{
			"consumed_at": now,
			"consumed_by": actorId,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindUnusedGrant returns the newest verified, unspent, unexpired grant of actorId for the agreement.
func FindUnusedGrant(tx *gorm.DB, ctx context.Context, agreementId string, actorId string, now time.Time) (*VerificationCode, error) {
	var v VerificationCode
	err := tx.WithContext(ctx).
		Where("agreement_id = ? AND consumed_by = ?", agreementId, actorId).
		Where("consumed_at IS NOT NULL AND grant_used_at IS NULL AND superseded_at IS NULL AND expires_at >= ?", now).
		Order("consumed_at DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// UseGrant spends a grant inside the signing transaction.
func UseGrant(tx *gorm.DB, ctx context.Context, id string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&VerificationCode{}).
		Where("id = ? AND grant_used_at IS NULL", id).
		Updates(map[string]interface{}{"grant_used_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
