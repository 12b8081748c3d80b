package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type SignRequest struct {
	AgreementId string
	ActorId     string
	// SignatureImage is an optional base64 handwritten signature.
	SignatureImage string
}

type SignResult struct {
	Agreement *models.Agreement `json:"agreement"`
	Progress  models.Progress   `json:"progress"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// Sign records one signer's approval: ledger first, then a single transaction that flips
// the agreement, spends the grant and refreshes the distribution aggregate.
func (s *Service) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.Sign")
	defer span.End()
	span.SetAttributes(attribute.String("agreement.id", req.AgreementId))

	a, err := models.GetAgreement(s.DB, ctx, req.AgreementId)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AgreementStatusPending {
		return nil, utils.ErrorInvalidState
	}
	agreements, err := models.ListAgreements(s.DB, ctx, a.DistributionId)
	if err != nil {
		return nil, err
	}
	if models.Aggregate(agreements).Status.IsTerminal() {
		return nil, utils.ErrorInvalidState
	}

	now := s.now()
	grant, err := models.FindUnusedGrant(s.DB, ctx, a.ID, req.ActorId, now)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, utils.ErrorNotVerified
	}

	unlock, err := s.acquire(ctx, agreementLockKey(a.ID))
	if err != nil {
		return nil, utils.ErrorInvalidState
	}
	defer unlock()

	claimant := uuid.NewString()
	ok, err := models.ClaimAgreementForSigning(s.DB, ctx, a.ID, claimant, now, s.staleBefore(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.ErrorInvalidState
	}
	release := func() {
		rctx, cancel := detached(ctx)
		defer cancel()
		if err := models.ReleaseAgreementClaim(s.DB, rctx, a.ID, claimant); err != nil {
			s.logError("Sign", "release signing claim", a.ID, err)
		}
	}

	imageKey := ""
	if strings.TrimSpace(req.SignatureImage) != "" {
		imageKey, err = s.storeSignatureImage(ctx, a, claimant, req.SignatureImage)
		if err != nil {
			release()
			return nil, err
		}
	}

	receipt, err := s.signOnLedger(ctx, a, grant.SignerCredential)
	if err != nil {
		release()
		s.logError("Sign", "ledger sign failed", map[string]string{"agreement_id": a.ID}, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.tx_hash", receipt.TxHash))

	var progress models.Progress
	signedAt := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.LockDistribution(tx, ctx, a.DistributionId); err != nil {
			return err
		}
		ok, err := models.MarkAgreementSigned(tx, ctx, a.ID, claimant, models.AgreementSignature{
			SignedAt:   signedAt,
			SignedById: req.ActorId,
			TxHash:     receipt.TxHash,
			ImageKey:   imageKey,
		})
		if err != nil {
			return err
		}
		if !ok {
			return utils.ErrorInvalidState
		}
		if ok, err := models.UseGrant(tx, ctx, grant.ID, signedAt); err != nil {
			return err
		} else if !ok {
			return utils.ErrorNotVerified
		}
		progress, err = models.RefreshDistributionStatus(tx, ctx, a.DistributionId)
		if err != nil {
			return err
		}
		if progress.Status == models.DistributionStatusPendingAdmin {
			if _, err := models.PromoteSignedToPendingAdmin(tx, ctx, a.DistributionId); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The ledger holds a signature the database does not; reconciliation reports it.
		s.logEntry("Sign").WithFields(logrus.Fields{
			"agreement_id": a.ID,
			"tx_hash":      receipt.TxHash,
		}).Error("ledger signature accepted but not persisted: " + err.Error())
		release()
		return nil, err
	}

	result := &SignResult{Progress: progress}
	if result.Agreement, err = models.GetAgreement(s.DB, ctx, a.ID); err != nil {
		return nil, err
	}

	d, err := models.GetDistribution(s.DB, ctx, a.DistributionId)
	if err != nil {
		result.Warnings = append(result.Warnings, "notifications skipped: "+err.Error())
		return result, nil
	}
	result.Warnings = append(result.Warnings, s.notifyAfterCommit(ctx, "Sign", notice{
		kind:         models.NotificationKindAgreementSigned,
		distribution: d,
		agreementId:  &a.ID,
		recipientIds: signedNoticeRecipients(d, a.ID),
		data: notify.TemplateData{
			ActorName:       s.participantName(ctx, req.ActorId),
			Signed:          progress.Signed,
			Total:           progress.Total,
			ProgressPercent: progress.ProgressPercent.StringFixed(2),
		},
	})...)
	return result, nil
}

// signOnLedger registers the signer first when the anchoring step never got to it.
func (s *Service) signOnLedger(ctx context.Context, a *models.Agreement, credential string) (ledger.Receipt, error) {
	lctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	tokenId, err := s.Ledger.ResolveToken(lctx, a.DistributionId)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if a.LedgerRegisteredAt == nil {
		if err := s.registerSigner(lctx, tokenId, a, credential); err != nil {
			return ledger.Receipt{}, err
		}
	}
	return s.Ledger.Sign(lctx, tokenId, credential)
}

func (s *Service) registerSigner(ctx context.Context, tokenId string, a *models.Agreement, credential string) error {
	name := s.participantName(ctx, a.FamilyId)
	if _, err := s.Ledger.RegisterSigner(ctx, tokenId, name, credential); err != nil && !ledger.IsDuplicateSigner(err) {
		return err
	}
	if err := models.MarkSignerRegistered(s.DB, ctx, a.ID, s.now()); err != nil {
		s.logError("registerSigner", "mark signer registered", a.ID, err)
	}
	return nil
}

func (s *Service) storeSignatureImage(ctx context.Context, a *models.Agreement, claimant string, encoded string) (string, error) {
	if s.Store == nil {
		return "", utils.NewFieldError("signature_image", "image storage is not configured")
	}
	png, err := utils.NormalizeSignatureImage(encoded)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("signatures/%s/%s-%s.png", a.DistributionId, a.ID, claimant)
	if err := s.Store.Put(ctx, key, "image/png", png); err != nil {
		return "", fmt.Errorf("store signature image: %w", err)
	}
	return key, nil
}

func (s *Service) participantName(ctx context.Context, id string) string {
	p, err := s.Directory.GetParticipant(ctx, id)
	if err != nil {
		return ""
	}
	return p.Name
}

// signedNoticeRecipients is the owner plus every signer who has not signed yet.
func signedNoticeRecipients(d *models.Distribution, signedAgreementId string) []string {
	ids := []string{d.OwnerId}
	for _, a := range d.Agreements {
		if a.ID == signedAgreementId || a.Status.HasSigned() {
			continue
		}
		ids = append(ids, a.FamilyId)
	}
	return ids
}

// Reject records the signer's refusal. It is not anchored on the ledger and forces the
// distribution to rejected regardless of other signatures.
func (s *Service) Reject(ctx context.Context, agreementId string, actorId string, reason string) (*SignResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.Reject")
	defer span.End()
	span.SetAttributes(attribute.String("agreement.id", agreementId))

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, utils.NewFieldError("reason", "required")
	}
	a, err := models.GetAgreement(s.DB, ctx, agreementId)
	if err != nil {
		return nil, err
	}
	if a.FamilyId != actorId {
		return nil, utils.ErrorForbidden
	}
	if a.Status != models.AgreementStatusPending {
		return nil, utils.ErrorInvalidState
	}

	now := s.now()
	var progress models.Progress
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := models.LockDistribution(tx, ctx, a.DistributionId)
		if err != nil {
			return err
		}
		if d.Status.IsTerminal() {
			return utils.ErrorInvalidState
		}
		if _, err := models.LockAgreement(tx, ctx, a.ID); err != nil {
			return err
		}
		ok, err := models.MarkAgreementRejected(tx, ctx, a.ID, reason, s.staleBefore(now))
		if err != nil {
			return err
		}
		if !ok {
			return utils.ErrorInvalidState
		}
		if err := models.SupersedeCodes(tx, ctx, a.ID, now); err != nil {
			return err
		}
		progress, err = models.RefreshDistributionStatus(tx, ctx, a.DistributionId)
		return err
	})
	if err != nil {
		return nil, err
	}
	result := &SignResult{Progress: progress}
	if result.Agreement, err = models.GetAgreement(s.DB, ctx, a.ID); err != nil {
		return nil, err
	}
	d, err := models.GetDistribution(s.DB, ctx, a.DistributionId)
	if err != nil {
		result.Warnings = append(result.Warnings, "notifications skipped: "+err.Error())
		return result, nil
	}
	others := make([]string, 0, len(d.Agreements)+1)
	for _, id := range participantIds(d) {
		if id != actorId {
			others = append(others, id)
		}
	}
	result.Warnings = append(result.Warnings, s.notifyAfterCommit(ctx, "Reject", notice{
		kind:         models.NotificationKindAgreementRejected,
		distribution: d,
		agreementId:  &a.ID,
		recipientIds: others,
		data: notify.TemplateData{
			ActorName: s.participantName(ctx, actorId),
			Reason:    reason,
		},
	})...)
	return result, nil
}
