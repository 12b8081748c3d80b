package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Distribution struct {
	ID           string             `gorm:"size:36;primaryKey" json:"id"`
	AssetId      string             `gorm:"size:36;not null;uniqueIndex" json:"asset_id"`
	OwnerId      string             `gorm:"size:36;not null;index" json:"owner_id"`
	Type         DistributionType   `gorm:"size:32;not null" json:"type"`
	Status       DistributionStatus `gorm:"size:20;not null;index" json:"status"`
	Organization *string            `gorm:"size:255" json:"organization"`
	Notes        string             `gorm:"type:text" json:"notes"`

	AnchorTxHash *string    `gorm:"size:128" json:"anchor_tx_hash"`
	AnchoredAt   *time.Time `json:"anchored_at"`

	AdminSignedAt   *time.Time `json:"admin_signed_at"`
	AdminSignedBy   *string    `gorm:"size:36" json:"admin_signed_by"`
	AdminSignedName *string    `gorm:"size:100" json:"admin_signed_name"`
	AdminTxHash     *string    `gorm:"size:128" json:"admin_tx_hash"`
	AdminNotes      *string    `gorm:"type:text" json:"admin_notes"`

	// finalization claim
	AdminClaimedAt *time.Time `json:"-"`
	AdminClaimedBy *string    `gorm:"size:36" json:"-"`

	// ledger admin receipt accepted but not yet written to the completion record
	AdminLedgerTxHash *string `gorm:"size:128" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Beneficiaries []DistributionBeneficiary `gorm:"foreignKey:DistributionId" json:"beneficiaries,omitempty"`
	Agreements    []Agreement               `gorm:"foreignKey:DistributionId" json:"agreements,omitempty"`
}

type DistributionBeneficiary struct {
	ID             string          `gorm:"size:36;primaryKey" json:"id"`
	DistributionId string          `gorm:"size:36;not null;uniqueIndex:uniq_distribution_beneficiary" json:"distribution_id"`
	FamilyId       string          `gorm:"size:36;not null;uniqueIndex:uniq_distribution_beneficiary" json:"family_id"`
	Percentage     decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"percentage"`
}

// NewDistribution is the owner's request. Type-specific rules are enforced by NewDistributionTerms.
type NewDistribution struct {
	AssetId       string             `json:"asset_id" validate:"required"`
	Type          DistributionType   `json:"type" validate:"required,oneof=endowment statutory_inheritance gift will"`
	Organization  string             `json:"organization" validate:"max=255"`
	Beneficiaries []BeneficiaryShare `json:"beneficiaries" validate:"dive"`
	Notes         string             `json:"notes" validate:"max=2000"`
}

// Terms validates the input against its variant.
func (input *NewDistribution) Terms(ownerId string) (DistributionTerms, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	return NewDistributionTerms(input.Type, input.Organization, input.Beneficiaries, ownerId)
}

func (d *Distribution) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

func (b *DistributionBeneficiary) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Terms rebuilds the tagged variant from the stored row.
func (d *Distribution) Terms() DistributionTerms {
	switch d.Type {
	case DistributionTypeEndowment:
		org := ""
		if d.Organization != nil {
			org = *d.Organization
		}
		return EndowmentTerms{Organization: org}
	case DistributionTypeStatutoryInheritance:
		return StatutoryInheritanceTerms{}
	}
	shares := make([]BeneficiaryShare, 0, len(d.Beneficiaries))
	for _, b := range d.Beneficiaries {
		shares = append(shares, BeneficiaryShare{FamilyId: b.FamilyId, Percentage: b.Percentage})
	}
	if d.Type == DistributionTypeGift {
		return GiftTerms{Beneficiaries: shares}
	}
	return WillTerms{Beneficiaries: shares}
}

// IsAnchored reports whether the ledger token exists. AnchorTxHash may be empty when the
// anchor was recovered by token lookup after a lost write.
func (d *Distribution) IsAnchored() bool {
	return d.AnchoredAt != nil
}

// CreateDistributionRecord inserts the distribution together with its beneficiaries and agreements.
// Must run inside the caller's transaction.
func CreateDistributionRecord(tx *gorm.DB, ctx context.Context, d *Distribution) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&Distribution{}).Where("asset_id = ?", d.AssetId).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return utils.NewFieldError("asset_id", "asset already has a distribution")
	}
	d.Status = Aggregate(d.Agreements).Status
	if err := tx.WithContext(ctx).Create(d).Error; err != nil {
		if IsDuplicateKeyError(err) {
			return utils.NewFieldError("asset_id", "asset already has a distribution")
		}
		return err
	}
	return nil
}

// IsDuplicateKeyError reports a MySQL unique key violation (1062).
func IsDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func GetDistribution(tx *gorm.DB, ctx context.Context, id string) (*Distribution, error) {
	var d Distribution
	err := tx.WithContext(ctx).
		Preload("Beneficiaries").
		Preload("Agreements", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("id = ?", id).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &d, nil
}

// LockDistribution takes the row lock that serializes aggregate refreshes of one distribution.
func LockDistribution(tx *gorm.DB, ctx context.Context, id string) (*Distribution, error) {
	var d Distribution
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &d, nil
}

// RefreshDistributionStatus recomputes the aggregate from the agreement rows and rewrites the cache.
// Callers hold the distribution row lock.
func RefreshDistributionStatus(tx *gorm.DB, ctx context.Context, id string) (Progress, error) {
	agreements, err := ListAgreements(tx, ctx, id)
	if err != nil {
		return Progress{}, err
	}
	progress := Aggregate(agreements)
	err = tx.WithContext(config.WithAggregateRefresh(ctx)).
		Model(&Distribution{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": progress.Status}).Error
	if err != nil {
		return Progress{}, err
	}
	return progress, nil
}

// ClaimDistributionFinalization is the compare-and-set that admits exactly one admin signer.
// A claim older than staleBefore may be taken over.
func ClaimDistributionFinalization(tx *gorm.DB, ctx context.Context, id string, claimant string, now time.Time, staleBefore time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&Distribution{}).
		Where("id = ? AND status = ? AND admin_signed_at IS NULL", id, DistributionStatusPendingAdmin).
		Where("(admin_claimed_at IS NULL OR admin_claimed_at <= ?)", staleBefore).
		Updates(map[string]interface{}{
			"admin_claimed_at": now,
			"admin_claimed_by": claimant,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func ReleaseDistributionClaim(tx *gorm.DB, ctx context.Context, id string, claimant string) error {
	return tx.WithContext(ctx).
		Model(&Distribution{}).
		Where("id = ? AND admin_claimed_by = ?", id, claimant).
		Updates(map[string]interface{}{
			"admin_claimed_at": nil,
			"admin_claimed_by": nil,
		}).Error
}

type AdminSignature struct {
	SignedAt time.Time
	SignedBy string
	Name     string
	TxHash   string
	Notes    string
}

// RecordAdminSignature persists the admin completion record. It only succeeds for the claim holder.
func RecordAdminSignature(tx *gorm.DB, ctx context.Context, id string, claimant string, sig AdminSignature) (bool, error) {
	var notes *string
	if n := strings.TrimSpace(sig.Notes); n != "" {
		notes = &n
	}
	res := tx.WithContext(ctx).
		Model(&Distribution{}).
		Where("id = ? AND admin_claimed_by = ? AND admin_signed_at IS NULL", id, claimant).
		Updates(map[string]interface{}{
			"admin_signed_at":   sig.SignedAt,
			"admin_signed_by":   sig.SignedBy,
			"admin_signed_name": sig.Name,
			"admin_tx_hash":     sig.TxHash,
			"admin_notes":       notes,
			"admin_claimed_at":  nil,
			"admin_claimed_by":  nil,

			"admin_ledger_tx_hash": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordAdminLedgerReceipt keeps the ledger's admin receipt while the claim is held, so a
// retry after a failed local write reuses it instead of signing on the ledger again.
func RecordAdminLedgerReceipt(tx *gorm.DB, ctx context.Context, id string, claimant string, txHash string) error {
	res := tx.WithContext(ctx).
		Model(&Distribution{}).
		Where("id = ? AND admin_claimed_by = ? AND admin_signed_at IS NULL", id, claimant).
		Update("admin_ledger_tx_hash", txHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorInvalidState
	}
	return nil
}

func MarkDistributionAnchored(tx *gorm.DB, ctx context.Context, id string, txHash string, at time.Time) error {
	return tx.WithContext(ctx).
		Model(&Distribution{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"anchor_tx_hash": txHash,
			"anchored_at":    at,
		}).Error
}

// UpdateDistributionNotes edits the free-form notes until the distribution is terminal.
func UpdateDistributionNotes(tx *gorm.DB, ctx context.Context, id string, notes string) (*Distribution, error) {
	if len(notes) > 2000 {
		return nil, utils.NewFieldError("notes", "max")
	}
	res := tx.WithContext(ctx).
		Model(&Distribution{}).
		Where("id = ? AND status NOT IN ?", id, []DistributionStatus{DistributionStatusCompleted, DistributionStatusRejected}).
		Updates(map[string]interface{}{"notes": notes})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetDistribution(tx, ctx, id); err != nil {
			return nil, err
		}
		return nil, utils.ErrorInvalidState
	}
	return GetDistribution(tx, ctx, id)
}

// ListDistributionsAfter pages through every distribution in id order, starting after
// afterId ("" for the first page).
func ListDistributionsAfter(tx *gorm.DB, ctx context.Context, afterId string, limit int) ([]Distribution, error) {
	q := tx.WithContext(ctx).
		Preload("Agreements", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Order("id ASC")
	if afterId != "" {
		q = q.Where("id > ?", afterId)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Distribution
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListUnanchoredDistributions returns distributions that never reached the ledger.
func ListUnanchoredDistributions(tx *gorm.DB, ctx context.Context, limit int) ([]Distribution, error) {
	q := tx.WithContext(ctx).
		Where("anchored_at IS NULL").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Distribution
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
