package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type CreateResult struct {
	Distribution *models.Distribution `json:"distribution"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// CreateDistribution provisions the distribution with one agreement per required signer,
// owner first, then anchors it on the ledger. Anchoring failures are warnings; the
// distribution can be anchored later with AnchorDistribution.
func (s *Service) CreateDistribution(ctx context.Context, owner utils.Actor, input models.NewDistribution) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.CreateDistribution")
	defer span.End()

	terms, err := input.Terms(owner.Id)
	if err != nil {
		return nil, err
	}
	asset, err := s.Directory.GetAsset(ctx, input.AssetId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, utils.NewFieldError("asset_id", "not found")
		}
		return nil, err
	}
	if asset.OwnerId != owner.Id {
		return nil, utils.ErrorForbidden
	}
	if _, err := s.Directory.GetParticipant(ctx, owner.Id); err != nil {
		return nil, err
	}

	signers, err := s.requiredSigners(ctx, owner.Id, terms)
	if err != nil {
		return nil, err
	}

	d := &models.Distribution{
		AssetId: asset.ID,
		OwnerId: owner.Id,
		Type:    terms.Type(),
		Notes:   input.Notes,
	}
	if endowment, ok := terms.(models.EndowmentTerms); ok {
		org := endowment.Organization
		d.Organization = &org
	}
	for _, share := range models.TermsBeneficiaries(terms) {
		d.Beneficiaries = append(d.Beneficiaries, models.DistributionBeneficiary{
			FamilyId:   share.FamilyId,
			Percentage: share.Percentage,
		})
	}
	for i, signer := range signers {
		d.Agreements = append(d.Agreements, models.Agreement{
			FamilyId: signer.id,
			Role:     signer.role,
			Sequence: i + 1,
			Status:   models.AgreementStatusPending,
		})
	}

	// Rendered before the transaction so directory lookups never wait on it.
	d.ID = uuid.NewString()
	records, err := s.buildNotifications(ctx, notice{
		kind:         models.NotificationKindSigningRequested,
		distribution: d,
		recipientIds: agreementSignerIds(d),
		data: notify.TemplateData{
			OwnerName: owner.Name,
			AssetName: asset.Name,
		},
	})
	if err != nil {
		return nil, err
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.CreateDistributionRecord(tx, ctx, d); err != nil {
			return err
		}
		return models.EnqueueNotifications(tx, ctx, records)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("distribution.id", d.ID))

	result := &CreateResult{}
	if _, err := s.AnchorDistribution(ctx, d.ID); err != nil {
		s.logError("CreateDistribution", "ledger anchoring failed", d.ID, err)
		result.Warnings = append(result.Warnings, "distribution is not anchored on the ledger yet: "+err.Error())
	}
	if result.Distribution, err = models.GetDistribution(s.DB, ctx, d.ID); err != nil {
		return nil, err
	}
	return result, nil
}

type requiredSigner struct {
	id   string
	role models.AgreementRole
}

func (s *Service) requiredSigners(ctx context.Context, ownerId string, terms models.DistributionTerms) ([]requiredSigner, error) {
	signers := []requiredSigner{{id: ownerId, role: models.AgreementRoleOwner}}
	switch terms.(type) {
	case models.GiftTerms, models.WillTerms:
		ids := make([]string, 0)
		for _, b := range models.TermsBeneficiaries(terms) {
			ids = append(ids, b.FamilyId)
		}
		participants, err := s.Directory.GetParticipants(ctx, ids)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				return nil, utils.NewFieldError("beneficiaries.family_id", "not found")
			}
			return nil, err
		}
		for _, p := range participants {
			signers = append(signers, requiredSigner{id: p.ID, role: models.AgreementRoleBeneficiary})
		}
	case models.StatutoryInheritanceTerms:
		heirs, err := s.Directory.ListHeirs(ctx, ownerId)
		if err != nil {
			return nil, err
		}
		for _, h := range heirs {
			if h.ID == ownerId {
				continue
			}
			signers = append(signers, requiredSigner{id: h.ID, role: models.AgreementRoleHeir})
		}
		if len(signers) == 1 {
			return nil, utils.NewFieldError("type", "owner has no recorded heirs")
		}
	}
	return signers, nil
}

func agreementSignerIds(d *models.Distribution) []string {
	ids := make([]string, 0, len(d.Agreements))
	for _, a := range d.Agreements {
		ids = append(ids, a.FamilyId)
	}
	return ids
}

// AnchorDistribution creates the ledger token (once) and registers every signer not yet
// registered. Safe to repeat: duplicate signer registrations are tolerated.
func (s *Service) AnchorDistribution(ctx context.Context, distributionId string) (*models.Distribution, error) {
	ctx, span := tracer.Start(ctx, "workflow.AnchorDistribution")
	defer span.End()
	span.SetAttributes(attribute.String("distribution.id", distributionId))

	d, err := models.GetDistribution(s.DB, ctx, distributionId)
	if err != nil {
		return nil, err
	}

	lctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	tokenId, err := s.ensureToken(lctx, d)
	if err != nil {
		return nil, err
	}

	for i := range d.Agreements {
		a := &d.Agreements[i]
		if a.LedgerRegisteredAt != nil {
			continue
		}
		p, err := s.Directory.GetParticipant(ctx, a.FamilyId)
		if err != nil {
			return nil, err
		}
		if _, err := s.Ledger.RegisterSigner(lctx, tokenId, p.Name, normalizeCredential(p.IcNumber)); err != nil && !ledger.IsDuplicateSigner(err) {
			return nil, err
		}
		if err := models.MarkSignerRegistered(s.DB, ctx, a.ID, s.now()); err != nil {
			return nil, err
		}
	}
	return models.GetDistribution(s.DB, ctx, distributionId)
}

// ensureToken returns the distribution's token, creating it on first anchoring. A token that
// exists on the ledger but was never recorded locally is adopted rather than duplicated.
func (s *Service) ensureToken(ctx context.Context, d *models.Distribution) (string, error) {
	tokenId, err := s.Ledger.ResolveToken(ctx, d.ID)
	if err == nil {
		if !d.IsAnchored() {
			if err := models.MarkDistributionAnchored(s.DB, ctx, d.ID, "", s.now()); err != nil {
				return "", err
			}
		}
		return tokenId, nil
	}
	if !ledger.IsNotFound(err) {
		return "", err
	}

	anchor := ledger.DistributionAnchor{
		DistributionId:   d.ID,
		DistributionType: string(d.Type),
		DocumentRef:      documentKey(d.ID),
	}
	if asset, err := s.Directory.GetAsset(ctx, d.AssetId); err == nil {
		anchor.AssetName = asset.Name
		anchor.AssetCategory = asset.Category
	}
	receipt, err := s.Ledger.CreateDistribution(ctx, anchor)
	if err != nil {
		return "", err
	}
	if err := models.MarkDistributionAnchored(s.DB, ctx, d.ID, receipt.TxHash, s.now()); err != nil {
		return "", err
	}
	return receipt.TokenId, nil
}

// GetProgress recomputes the aggregate from the agreement rows.
func (s *Service) GetProgress(ctx context.Context, distributionId string) (models.Progress, error) {
	agreements, err := models.ListAgreements(s.DB, ctx, distributionId)
	if err != nil {
		return models.Progress{}, err
	}
	if len(agreements) == 0 {
		if _, err := models.GetDistribution(s.DB, ctx, distributionId); err != nil {
			return models.Progress{}, err
		}
	}
	return models.Aggregate(agreements), nil
}

// GetDistribution is visible to the owner, its signers and administrators.
func (s *Service) GetDistribution(ctx context.Context, actor utils.Actor, distributionId string) (*models.Distribution, error) {
	d, err := models.GetDistribution(s.DB, ctx, distributionId)
	if err != nil {
		return nil, err
	}
	if !canView(actor, d) {
		return nil, utils.ErrorForbidden
	}
	return d, nil
}

func canView(actor utils.Actor, d *models.Distribution) bool {
	if actor.IsAdministrator() || actor.Id == d.OwnerId {
		return true
	}
	for _, id := range participantIds(d) {
		if id == actor.Id {
			return true
		}
	}
	return false
}

func (s *Service) ListAgreementsForSigner(ctx context.Context, actorId string) ([]models.Agreement, error) {
	return models.ListAgreementsForSigner(s.DB, ctx, actorId)
}

func (s *Service) UpdateDistributionNotes(ctx context.Context, actor utils.Actor, distributionId string, notes string) (*models.Distribution, error) {
	d, err := models.GetDistribution(s.DB, ctx, distributionId)
	if err != nil {
		return nil, err
	}
	if d.OwnerId != actor.Id {
		return nil, utils.ErrorForbidden
	}
	return models.UpdateDistributionNotes(s.DB, ctx, distributionId, notes)
}

func documentKey(distributionId string) string {
	return "agreements/" + distributionId + ".pdf"
}

// StoredDocuments resolves documents rendered by the document service into the shared bucket.
type StoredDocuments struct {
	Store  ObjectStore
	Expiry time.Duration
}

func (r StoredDocuments) DocumentURL(ctx context.Context, d *models.Distribution) (string, error) {
	expiry := r.Expiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return r.Store.SignedURL(ctx, documentKey(d.ID), expiry)
}
