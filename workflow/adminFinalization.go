package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type AdminSignRequest struct {
	DistributionId string
	Admin          utils.Actor
	Notes          string
}

type AdminSignResult struct {
	Distribution *models.Distribution `json:"distribution"`
	Progress     models.Progress      `json:"progress"`
	DocumentURL  string               `json:"document_url,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// AdminSign finalizes a fully signed distribution. Exactly one caller reaches the ledger;
// the rest observe ErrorInvalidState.
func (s *Service) AdminSign(ctx context.Context, req AdminSignRequest) (*AdminSignResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.AdminSign")
	defer span.End()
	span.SetAttributes(attribute.String("distribution.id", req.DistributionId))

	if !req.Admin.IsAdministrator() {
		return nil, utils.ErrorForbidden
	}
	if len(req.Notes) > 2000 {
		return nil, utils.NewFieldError("notes", "max")
	}

	d, err := models.GetDistribution(s.DB, ctx, req.DistributionId)
	if err != nil {
		return nil, err
	}
	if models.Aggregate(d.Agreements).Status != models.DistributionStatusPendingAdmin {
		return nil, utils.ErrorInvalidState
	}

	unlock, err := s.acquire(ctx, distributionLockKey(d.ID))
	if err != nil {
		return nil, utils.ErrorInvalidState
	}
	defer unlock()

	now := s.now()
	claimant := uuid.NewString()
	ok, err := models.ClaimDistributionFinalization(s.DB, ctx, d.ID, claimant, now, s.staleBefore(now))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, utils.ErrorInvalidState
	}
	release := func() {
		rctx, cancel := detached(ctx)
		defer cancel()
		if err := models.ReleaseDistributionClaim(s.DB, rctx, d.ID, claimant); err != nil {
			s.logError("AdminSign", "release finalization claim", d.ID, err)
		}
	}

	current, err := models.GetDistribution(s.DB, ctx, d.ID)
	if err != nil {
		release()
		return nil, err
	}
	var receipt ledger.Receipt
	if current.AdminLedgerTxHash != nil && *current.AdminLedgerTxHash != "" {
		receipt = ledger.Receipt{TxHash: *current.AdminLedgerTxHash}
		s.logEntry("AdminSign").WithField("tx_hash", receipt.TxHash).Info("reusing ledger admin receipt from an earlier attempt")
	} else {
		receipt, err = s.adminSignOnLedger(ctx, d.ID, req.Admin.Name, req.Notes)
		if err != nil {
			release()
			s.logError("AdminSign", "ledger admin sign failed", map[string]string{"distribution_id": d.ID}, err)
			return nil, err
		}
		if err := models.RecordAdminLedgerReceipt(s.DB, ctx, d.ID, claimant, receipt.TxHash); err != nil {
			// The claim stays until it goes stale; releasing it now would let a retry sign on the ledger twice.
			s.logError("AdminSign", "ledger admin signature accepted but receipt not recorded",
				map[string]string{"distribution_id": d.ID, "tx_hash": receipt.TxHash}, err)
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("ledger.tx_hash", receipt.TxHash))

	var progress models.Progress
	signedAt := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.LockDistribution(tx, ctx, d.ID); err != nil {
			return err
		}
		ok, err := models.RecordAdminSignature(tx, ctx, d.ID, claimant, models.AdminSignature{
			SignedAt: signedAt,
			SignedBy: req.Admin.Id,
			Name:     req.Admin.Name,
			TxHash:   receipt.TxHash,
			Notes:    req.Notes,
		})
		if err != nil {
			return err
		}
		if !ok {
			return utils.ErrorInvalidState
		}
		if _, err := models.CompleteAgreements(tx, ctx, d.ID, signedAt); err != nil {
			return err
		}
		progress, err = models.RefreshDistributionStatus(tx, ctx, d.ID)
		if err != nil {
			return err
		}
		if progress.Status != models.DistributionStatusCompleted {
			return fmt.Errorf("%w: aggregate is %s after admin signature", utils.ErrorInvalidState, progress.Status)
		}
		return nil
	})
	if err != nil {
		s.logError("AdminSign", "ledger admin signature accepted but not persisted",
			map[string]string{"distribution_id": d.ID, "tx_hash": receipt.TxHash}, err)
		release()
		return nil, err
	}

	result := &AdminSignResult{Progress: progress}
	if result.Distribution, err = models.GetDistribution(s.DB, ctx, d.ID); err != nil {
		return nil, err
	}

	if s.Documents != nil {
		url, err := s.Documents.DocumentURL(ctx, result.Distribution)
		if err != nil {
			s.logError("AdminSign", "resolve agreement document", d.ID, err)
			result.Warnings = append(result.Warnings, "agreement document unavailable: "+err.Error())
		} else {
			result.DocumentURL = url
		}
	}

	result.Warnings = append(result.Warnings, s.notifyAfterCommit(ctx, "AdminSign", notice{
		kind:         models.NotificationKindDistributionCompleted,
		distribution: result.Distribution,
		recipientIds: participantIds(result.Distribution),
		data: notify.TemplateData{
			AdminName:   req.Admin.Name,
			DocumentURL: result.DocumentURL,
		},
	})...)
	return result, nil
}

func (s *Service) adminSignOnLedger(ctx context.Context, distributionId string, adminName string, notes string) (ledger.Receipt, error) {
	lctx, cancel := s.ledgerContext(ctx)
	defer cancel()
	tokenId, err := s.Ledger.ResolveToken(lctx, distributionId)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return s.Ledger.AdminSign(lctx, tokenId, adminName, notes)
}
