package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/sirupsen/logrus"
)

// Reconciler compares local signatures with the ledger's signer lists and writes a
// reconciliation_reports row per drift. It never changes workflow state, except that
// AutoAnchor retries anchoring for distributions that never reached the ledger.
// Each Run checks one page of Limit distributions and resumes after the last one on
// the next Run, so repeated runs cover the whole table.
type Reconciler struct {
	Service    *Service
	AutoAnchor bool
	Limit      int

	mu     sync.Mutex
	cursor string
}

func NewReconciler(s *Service) *Reconciler {
	return &Reconciler{Service: s, AutoAnchor: true, Limit: 500}
}

type ReconcileSummary struct {
	CorrelationId string                        `json:"correlation_id"`
	Checked       int                           `json:"checked"`
	From          string                        `json:"from,omitempty"`
	EndOfPass     bool                          `json:"end_of_pass"`
	Anchored      int                           `json:"anchored"`
	Reports       []models.ReconciliationReport `json:"reports"`
}

func (r *Reconciler) Run(ctx context.Context) (*ReconcileSummary, error) {
	s := r.Service
	ctx, span := tracer.Start(ctx, "workflow.Reconcile")
	defer span.End()

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	// Runs from the loop and the ops endpoint share the cursor.
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := &ReconcileSummary{CorrelationId: cid, From: r.cursor}

	distributions, err := models.ListDistributionsAfter(s.DB, ctx, r.cursor, r.Limit)
	if err != nil {
		return nil, err
	}
	if r.Limit <= 0 || len(distributions) < r.Limit {
		summary.EndOfPass = true
		r.cursor = ""
	} else {
		r.cursor = distributions[len(distributions)-1].ID
	}

	var reports []models.ReconciliationReport
	report := func(check, entityType, entityId, details string) {
		reports = append(reports, models.ReconciliationReport{
			CheckType:     check,
			EntityType:    entityType,
			EntityId:      entityId,
			Details:       details,
			CorrelationId: cid,
		})
	}

	for i := range distributions {
		d := &distributions[i]
		summary.Checked++
		if !d.IsAnchored() {
			if !r.AutoAnchor {
				report(models.CheckUnanchored, "Distribution", d.ID, "distribution has no ledger token")
				continue
			}
			if _, err := s.AnchorDistribution(ctx, d.ID); err != nil {
				report(models.CheckUnanchored, "Distribution", d.ID, "anchoring retry failed: "+err.Error())
				continue
			}
			summary.Anchored++
			continue
		}

		signers, err := r.ledgerSigners(ctx, d.ID)
		if err != nil {
			report(models.CheckLedgerUnreachable, "Distribution", d.ID, err.Error())
			continue
		}
		byCredential := make(map[string]ledger.SignerEntry, len(signers))
		adminOnLedger := false
		for _, e := range signers {
			if e.Admin {
				adminOnLedger = adminOnLedger || e.Signed
				continue
			}
			byCredential[normalizeCredential(e.Credential)] = e
		}

		for _, a := range d.Agreements {
			p, err := s.Directory.GetParticipant(ctx, a.FamilyId)
			if err != nil {
				report(models.CheckUnregisteredSigner, "Agreement", a.ID, "signer lookup failed: "+err.Error())
				continue
			}
			entry, registered := byCredential[normalizeCredential(p.IcNumber)]
			switch {
			case a.TransactionHash != nil && (!registered || !entry.Signed):
				report(models.CheckSignedNotOnLedger, "Agreement", a.ID,
					fmt.Sprintf("local tx %s has no ledger signature", *a.TransactionHash))
			case a.Status == models.AgreementStatusPending && registered && entry.Signed:
				report(models.CheckOnLedgerNotSigned, "Agreement", a.ID,
					fmt.Sprintf("ledger tx %s is not recorded locally", entry.TxHash))
			case !registered && a.Status == models.AgreementStatusPending:
				report(models.CheckUnregisteredSigner, "Agreement", a.ID, "signer is not registered on the ledger")
			}
		}
		if d.AdminSignedAt != nil && !adminOnLedger {
			report(models.CheckAdminNotOnLedger, "Distribution", d.ID, "local admin signature has no ledger record")
		}
	}

	if err := models.CreateReconciliationReports(s.DB, ctx, reports); err != nil {
		return nil, err
	}
	summary.Reports = reports
	if summary.Reports == nil {
		summary.Reports = []models.ReconciliationReport{}
	}

	s.logEntry("Reconcile").WithFields(logrus.Fields{
		"correlation_id": cid,
		"checked":        summary.Checked,
		"anchored":       summary.Anchored,
		"reports":        len(reports),
		"end_of_pass":    summary.EndOfPass,
	}).Info("ledger reconciliation completed")
	return summary, nil
}

// RunPass keeps calling Run until the cursor wraps, so one call covers every distribution.
func (r *Reconciler) RunPass(ctx context.Context) (*ReconcileSummary, error) {
	total := &ReconcileSummary{Reports: []models.ReconciliationReport{}}
	for {
		page, err := r.Run(ctx)
		if err != nil {
			return nil, err
		}
		if total.CorrelationId == "" {
			total.CorrelationId = page.CorrelationId
			ctx = utils.SetCorrelationIdInContext(ctx, page.CorrelationId)
		}
		total.Checked += page.Checked
		total.Anchored += page.Anchored
		total.Reports = append(total.Reports, page.Reports...)
		if page.EndOfPass {
			total.EndOfPass = true
			return total, nil
		}
	}
}

func (r *Reconciler) ledgerSigners(ctx context.Context, distributionId string) ([]ledger.SignerEntry, error) {
	lctx, cancel := r.Service.ledgerContext(ctx)
	defer cancel()
	tokenId, err := r.Service.Ledger.ResolveToken(lctx, distributionId)
	if err != nil {
		return nil, err
	}
	return r.Service.Ledger.ListSigners(lctx, tokenId)
}

// RunLoop reconciles every interval until ctx is done.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.Service.logError("ReconcileLoop", "reconciliation run failed", nil, err)
			}
		}
	}
}
