package workflow

import (
	"context"

	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
)

var templateByKind = map[models.NotificationKind]string{
	models.NotificationKindSigningRequested:      "signing_requested",
	models.NotificationKindAgreementSigned:       "agreement_signed",
	models.NotificationKindAgreementRejected:     "agreement_rejected",
	models.NotificationKindDistributionCompleted: "distribution_completed",
}

// notice describes one fan-out of an email to a set of participants.
type notice struct {
	kind         models.NotificationKind
	distribution *models.Distribution
	agreementId  *string
	recipientIds []string
	data         notify.TemplateData
}

// buildNotifications renders one outbox row per distinct recipient with an email address.
func (s *Service) buildNotifications(ctx context.Context, n notice) ([]models.NotificationRecord, error) {
	ids := uniqueIds(n.recipientIds)
	if len(ids) == 0 {
		return nil, nil
	}
	participants, err := s.Directory.GetParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	if n.data.AssetName == "" {
		if asset, err := s.Directory.GetAsset(ctx, n.distribution.AssetId); err == nil {
			n.data.AssetName = asset.Name
		}
	}
	if n.data.DistributionType == "" {
		n.data.DistributionType = string(n.distribution.Type)
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	records := make([]models.NotificationRecord, 0, len(participants))
	for _, p := range participants {
		if p.Email == "" {
			continue
		}
		data := n.data
		data.RecipientName = p.Name
		email, err := notify.Render(templateByKind[n.kind], p.Email, data)
		if err != nil {
			return nil, err
		}
		records = append(records, models.NotificationRecord{
			DistributionId: n.distribution.ID,
			AgreementId:    n.agreementId,
			Kind:           n.kind,
			Recipient:      email.To,
			RecipientName:  email.ToName,
			Subject:        email.Subject,
			TextBody:       email.TextBody,
			Body:           email.HTMLBody,
			CorrelationId:  correlationId,
		})
	}
	return records, nil
}

// notifyAfterCommit queues emails outside the workflow transaction. Failures become
// warnings for the caller; the committed workflow state stands.
func (s *Service) notifyAfterCommit(ctx context.Context, fn string, n notice) []string {
	records, err := s.buildNotifications(ctx, n)
	if err == nil {
		err = models.EnqueueNotifications(s.DB, ctx, records)
	}
	if err != nil {
		s.logError(fn, "notification enqueue failed", map[string]string{"distribution_id": n.distribution.ID, "kind": string(n.kind)}, err)
		return []string{"notifications could not be queued: " + err.Error()}
	}
	return nil
}

// participantIds returns the owner, every signer and every beneficiary of d.
func participantIds(d *models.Distribution) []string {
	ids := []string{d.OwnerId}
	for _, a := range d.Agreements {
		ids = append(ids, a.FamilyId)
	}
	for _, b := range d.Beneficiaries {
		ids = append(ids, b.FamilyId)
	}
	return uniqueIds(ids)
}

func uniqueIds(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
