package workflow

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const codeDigits = 5

var codeSpace = big.NewInt(100000)

// IssuedCode is returned to the caller; Code itself is never serialized to clients.
type IssuedCode struct {
	Code            string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	DeliveryWarning string    `json:"delivery_warning,omitempty"`
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// loadAssignedAgreement returns NotFound both for a missing agreement and for one the
// actor is not the signer of, so ids of other people's agreements are not confirmed.
func (s *Service) loadAssignedAgreement(ctx context.Context, agreementId string, actorId string) (*models.Agreement, error) {
	a, err := models.GetAgreement(s.DB, ctx, agreementId)
	if err != nil {
		return nil, err
	}
	if a.FamilyId != actorId {
		return nil, utils.ErrorRecordNotFound
	}
	return a, nil
}

// IssueCode emails a fresh one-time code bound to the signer's credential. Earlier codes
// and unspent grants for the agreement stop working.
func (s *Service) IssueCode(ctx context.Context, agreementId string, actorId string, credential string) (*IssuedCode, error) {
	ctx, span := tracer.Start(ctx, "workflow.IssueCode")
	defer span.End()
	span.SetAttributes(attribute.String("agreement.id", agreementId))

	a, err := s.loadAssignedAgreement(ctx, agreementId, actorId)
	if err != nil {
		return nil, err
	}
	participant, err := s.Directory.GetParticipant(ctx, actorId)
	if err != nil {
		return nil, err
	}
	normalized := normalizeCredential(credential)
	if normalized == "" || normalized != normalizeCredential(participant.IcNumber) {
		return nil, utils.ErrorCredentialMismatch
	}

	d, err := models.GetDistribution(s.DB, ctx, a.DistributionId)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AgreementStatusPending || models.Aggregate(d.Agreements).Status.IsTerminal() {
		return nil, utils.ErrorInvalidState
	}

	code, err := s.newCode()
	if err != nil {
		return nil, err
	}
	hash, err := utils.HashCode(code)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := models.VerificationCode{
		AgreementId:      a.ID,
		IssuedTo:         actorId,
		CodeHash:         hash,
		SignerCredential: normalized,
		ExpiresAt:        now.Add(s.CodeTTL),
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := models.LockAgreement(tx, ctx, a.ID)
		if err != nil {
			return err
		}
		if locked.Status != models.AgreementStatusPending {
			return utils.ErrorInvalidState
		}
		if err := models.SupersedeCodes(tx, ctx, a.ID, now); err != nil {
			return err
		}
		return models.CreateVerificationCode(tx, ctx, &record)
	})
	if err != nil {
		return nil, err
	}

	issued := &IssuedCode{Code: code, ExpiresAt: record.ExpiresAt}
	if err := s.deliverCode(ctx, participant, d, code, record.ExpiresAt); err != nil {
		s.logError("IssueCode", "verification code delivery failed", map[string]string{"agreement_id": a.ID}, err)
		issued.DeliveryWarning = "verification code could not be emailed: " + err.Error()
	}
	return issued, nil
}

func (s *Service) deliverCode(ctx context.Context, participant *models.Participant, d *models.Distribution, code string, expiresAt time.Time) error {
	if s.Sender == nil {
		return fmt.Errorf("no email sender configured")
	}
	data := notify.TemplateData{
		RecipientName:    participant.Name,
		DistributionType: string(d.Type),
		Code:             code,
		ExpiresAt:        notify.FormatExpiry(expiresAt),
	}
	if asset, err := s.Directory.GetAsset(ctx, d.AssetId); err == nil {
		data.AssetName = asset.Name
	}
	email, err := notify.Render("verification_code", participant.Email, data)
	if err != nil {
		return err
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		email.CorrelationId = cid
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.SendTimeout)
	defer cancel()
	return s.Sender.Send(sendCtx, email)
}

// VerifyCode spends a code and returns the credential bound at issuance. The consumed
// code becomes the grant that the next Sign call requires.
func (s *Service) VerifyCode(ctx context.Context, agreementId string, actorId string, code string) (string, error) {
	ctx, span := tracer.Start(ctx, "workflow.VerifyCode")
	defer span.End()
	span.SetAttributes(attribute.String("agreement.id", agreementId))

	a, err := s.loadAssignedAgreement(ctx, agreementId, actorId)
	if err != nil {
		return "", err
	}
	now := s.now()
	active, err := models.ListActiveCodes(s.DB, ctx, a.ID, actorId, now)
	if err != nil {
		return "", err
	}
	for _, candidate := range active {
		if candidate.Expired(now) || !utils.CompareCode(candidate.CodeHash, code) {
			continue
		}
		ok, err := models.ConsumeCode(s.DB, ctx, candidate.ID, actorId, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", utils.ErrorInvalidOrExpired
		}
		return candidate.SignerCredential, nil
	}
	return "", utils.ErrorInvalidOrExpired
}
