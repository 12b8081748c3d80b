package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Agreement is one required signer's consent to a distribution.
// TransactionHash is set exactly when the signer has signed on the ledger.
type Agreement struct {
	ID             string          `gorm:"size:36;primaryKey" json:"id"`
	DistributionId string          `gorm:"size:36;not null;uniqueIndex:uniq_agreement_signer" json:"distribution_id"`
	FamilyId       string          `gorm:"size:36;not null;uniqueIndex:uniq_agreement_signer;index" json:"family_id"`
	Role           AgreementRole   `gorm:"size:20;not null" json:"role"`
	Sequence       int             `gorm:"not null" json:"sequence"`
	Status         AgreementStatus `gorm:"size:20;not null;index" json:"status"`

	SignedAt          *time.Time `json:"signed_at"`
	SignedById        *string    `gorm:"size:36" json:"signed_by_id"`
	TransactionHash   *string    `gorm:"size:128" json:"transaction_hash"`
	SignatureImageKey *string    `gorm:"size:255" json:"signature_image_key"`
	AdminSignedAt     *time.Time `json:"admin_signed_at"`
	Notes             *string    `gorm:"type:text" json:"notes"`

	LedgerRegisteredAt *time.Time `json:"ledger_registered_at"`

	// signing claim
	ClaimedAt *time.Time `json:"-"`
	ClaimedBy *string    `gorm:"size:36" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Agreement) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// HasLiveClaim reports whether another caller is mid-signature.
func (a *Agreement) HasLiveClaim(staleBefore time.Time) bool {
	return a.ClaimedAt != nil && a.ClaimedAt.After(staleBefore)
}

func GetAgreement(tx *gorm.DB, ctx context.Context, id string) (*Agreement, error) {
	var a Agreement
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}

// LockAgreement selects the agreement FOR UPDATE. Code issuance holds it so that
// superseding old codes and inserting the new one happen as one step per agreement.
func LockAgreement(tx *gorm.DB, ctx context.Context, id string) (*Agreement, error) {
	var a Agreement
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}

func ListAgreements(tx *gorm.DB, ctx context.Context, distributionId string) ([]Agreement, error) {
	var out []Agreement
	if err := tx.WithContext(ctx).
		Where("distribution_id = ?", distributionId).
		Order("sequence ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func ListAgreementsForSigner(tx *gorm.DB, ctx context.Context, familyId string) ([]Agreement, error) {
	var out []Agreement
	if err := tx.WithContext(ctx).
		Where("family_id = ?", familyId).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimAgreementForSigning admits one signer into the ledger call. A claim older than
// staleBefore belongs to a caller that died and may be taken over.
func ClaimAgreementForSigning(tx *gorm.DB, ctx context.Context, id string, claimant string, now time.Time, staleBefore time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("id = ? AND status = ?", id, AgreementStatusPending).
		Where("(claimed_at IS NULL OR claimed_at <= ?)", staleBefore).
		Updates(map[string]interface{}{
			"claimed_at": now,
			"claimed_by": claimant,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func ReleaseAgreementClaim(tx *gorm.DB, ctx context.Context, id string, claimant string) error {
	return tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("id = ? AND claimed_by = ?", id, claimant).
		Updates(map[string]interface{}{
			"claimed_at": nil,
			"claimed_by": nil,
		}).Error
}

type AgreementSignature struct {
	SignedAt   time.Time
	SignedById string
	TxHash     string
	ImageKey   string
}

// MarkAgreementSigned moves a claimed pending agreement to signed. It fails (false) when the
// claim was lost, so a ledger signature is never recorded twice.
func MarkAgreementSigned(tx *gorm.DB, ctx context.Context, id string, claimant string, sig AgreementSignature) (bool, error) {
	if sig.TxHash == "" {
		return false, errors.New("signed agreement requires a transaction hash")
	}
	updates := map[string]interface{}{
		"status":           AgreementStatusSigned,
		"signed_at":        sig.SignedAt,
		"signed_by_id":     sig.SignedById,
		"transaction_hash": sig.TxHash,
		"claimed_at":       nil,
		"claimed_by":       nil,
	}
	if sig.ImageKey != "" {
		updates["signature_image_key"] = sig.ImageKey
	}
	res := tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, AgreementStatusPending, claimant).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkAgreementRejected records a refusal. A signer mid-signature (live claim) wins.
func MarkAgreementRejected(tx *gorm.DB, ctx context.Context, id string, reason string, staleBefore time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("id = ? AND status = ?", id, AgreementStatusPending).
		Where("(claimed_at IS NULL OR claimed_at <= ?)", staleBefore).
		Updates(map[string]interface{}{
			"status":     AgreementStatusRejected,
			"notes":      reason,
			"claimed_at": nil,
			"claimed_by": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PromoteSignedToPendingAdmin runs once every signer has signed.
func PromoteSignedToPendingAdmin(tx *gorm.DB, ctx context.Context, distributionId string) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("distribution_id = ? AND status = ?", distributionId, AgreementStatusSigned).
		Updates(map[string]interface{}{"status": AgreementStatusPendingAdmin})
	return res.RowsAffected, res.Error
}

// CompleteAgreements stamps the admin signature on every signed agreement.
func CompleteAgreements(tx *gorm.DB, ctx context.Context, distributionId string, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("distribution_id = ? AND status IN ?", distributionId, []AgreementStatus{AgreementStatusSigned, AgreementStatusPendingAdmin}).
		Updates(map[string]interface{}{
			"status":          AgreementStatusCompleted,
			"admin_signed_at": at,
		})
	return res.RowsAffected, res.Error
}

func MarkSignerRegistered(tx *gorm.DB, ctx context.Context, id string, at time.Time) error {
	return tx.WithContext(ctx).
		Model(&Agreement{}).
		Where("id = ? AND ledger_registered_at IS NULL", id).
		Updates(map[string]interface{}{"ledger_registered_at": at}).Error
}
