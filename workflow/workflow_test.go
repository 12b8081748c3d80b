package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/utils"
	"gorm.io/gorm"
)

func TestScenarioA_GiftCreatesOneAgreementPerSigner(t *testing.T) {
	h := newHarness(t)
	d := h.createGift(t)

	if len(d.Agreements) != 3 {
		t.Fatalf("expected 3 agreements, got %d", len(d.Agreements))
	}
	if d.Agreements[0].FamilyId != owner.Id || d.Agreements[0].Role != models.AgreementRoleOwner {
		t.Fatalf("expected owner first, got %+v", d.Agreements[0])
	}
	for _, a := range d.Agreements {
		if a.Status != models.AgreementStatusPending {
			t.Fatalf("agreement %s: expected pending, got %s", a.ID, a.Status)
		}
		if a.LedgerRegisteredAt == nil {
			t.Fatalf("agreement %s: signer not registered on ledger", a.ID)
		}
	}
	if d.Status != models.DistributionStatusPending || !d.IsAnchored() {
		t.Fatalf("expected anchored pending distribution, got status=%s anchored=%v", d.Status, d.IsAnchored())
	}

	notes, err := models.ListNotifications(h.db, context.Background(), d.ID)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("expected 3 signing requests queued, got %d", len(notes))
	}
}

func TestCreateDistribution_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		actor utils.Actor
		input models.NewDistribution
		check func(error) bool
	}{
		{
			name:  "unknown asset",
			actor: owner,
			input: models.NewDistribution{AssetId: "nope", Type: models.DistributionTypeStatutoryInheritance},
			check: utils.IsValidationError,
		},
		{
			name:  "asset of someone else",
			actor: owner,
			input: models.NewDistribution{AssetId: "asset-other", Type: models.DistributionTypeStatutoryInheritance},
			check: func(err error) bool { return errors.Is(err, utils.ErrorForbidden) },
		},
		{
			name:  "endowment without organization",
			actor: owner,
			input: models.NewDistribution{AssetId: "asset-land", Type: models.DistributionTypeEndowment},
			check: utils.IsValidationError,
		},
		{
			name:  "unknown beneficiary",
			actor: owner,
			input: func() models.NewDistribution {
				in := giftInput("asset-land")
				in.Beneficiaries[1].FamilyId = "stranger"
				return in
			}(),
			check: utils.IsValidationError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateDistribution(ctx, tc.actor, tc.input)
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateDistribution_StatutoryUsesHeirs(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.CreateDistribution(context.Background(), owner, models.NewDistribution{
		AssetId: "asset-land",
		Type:    models.DistributionTypeStatutoryInheritance,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := []string{}
	for _, a := range res.Distribution.Agreements {
		got = append(got, a.FamilyId+":"+string(a.Role))
	}
	want := "owner-1:owner,fam-a:heir,fam-b:heir"
	if strings.Join(got, ",") != want {
		t.Fatalf("signers: got %v want %s", got, want)
	}

	h.dir.heirs[owner.Id] = nil
	_, err = h.svc.CreateDistribution(context.Background(), owner, models.NewDistribution{
		AssetId: "asset-house",
		Type:    models.DistributionTypeStatutoryInheritance,
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected validation error without heirs, got %v", err)
	}
}

func TestCreateDistribution_AnchorFailureIsWarningAndRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.createErr = &ledger.Error{Op: "CreateDistribution", Kind: ledger.KindTransient, Message: "gateway down"}

	res, err := h.svc.CreateDistribution(ctx, owner, giftInput("asset-house"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(res.Warnings) != 1 || res.Distribution.IsAnchored() {
		t.Fatalf("expected unanchored distribution with a warning, got %+v", res)
	}

	h.ledger.createErr = nil
	d, err := h.svc.AnchorDistribution(ctx, res.Distribution.ID)
	if err != nil {
		t.Fatalf("anchor retry: %v", err)
	}
	if !d.IsAnchored() || d.AnchorTxHash == nil || *d.AnchorTxHash == "" {
		t.Fatalf("expected anchored distribution after retry")
	}
	for _, a := range d.Agreements {
		if a.LedgerRegisteredAt == nil {
			t.Fatalf("agreement %s not registered after retry", a.ID)
		}
	}

	// repeat is harmless
	if _, err := h.svc.AnchorDistribution(ctx, d.ID); err != nil {
		t.Fatalf("second anchor: %v", err)
	}
	if h.ledger.createCalls != 2 {
		t.Fatalf("expected no new ledger token on repeat, got %d create calls", h.ledger.createCalls)
	}
}

func TestScenarioB_OwnerSignsMovesToInProgress(t *testing.T) {
	h := newHarness(t)
	d := h.createGift(t)
	a := agreementOf(t, d, owner.Id)

	res := h.sign(t, a.ID, owner)
	if res.Agreement.Status != models.AgreementStatusSigned {
		t.Fatalf("expected signed, got %s", res.Agreement.Status)
	}
	if res.Agreement.TransactionHash == nil || *res.Agreement.TransactionHash == "" {
		t.Fatalf("signed agreement without transaction hash")
	}
	if res.Progress.Status != models.DistributionStatusInProgress || res.Progress.Signed != 1 || res.Progress.Total != 3 {
		t.Fatalf("unexpected progress %+v", res.Progress)
	}
	if res.Progress.ProgressPercent.StringFixed(2) != "33.33" {
		t.Fatalf("expected 33.33%%, got %s", res.Progress.ProgressPercent.StringFixed(2))
	}

	stored, err := models.GetDistribution(h.db, context.Background(), d.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != models.DistributionStatusInProgress {
		t.Fatalf("cached status not refreshed: %s", stored.Status)
	}
}

func TestScenarioC_AllSignThenAdminCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)

	h.sign(t, agreementOf(t, d, owner.Id).ID, owner)
	h.sign(t, agreementOf(t, d, benA.Id).ID, benA)
	res := h.sign(t, agreementOf(t, d, benB.Id).ID, benB)
	if res.Progress.Status != models.DistributionStatusPendingAdmin || res.Progress.Signed != 3 {
		t.Fatalf("expected pending_admin 3/3, got %+v", res.Progress)
	}
	agreements, _ := models.ListAgreements(h.db, ctx, d.ID)
	for _, a := range agreements {
		if a.Status != models.AgreementStatusPendingAdmin {
			t.Fatalf("agreement %s: expected pending_admin, got %s", a.ID, a.Status)
		}
	}

	if _, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: benA}); !errors.Is(err, utils.ErrorForbidden) {
		t.Fatalf("expected non-admin to be forbidden, got %v", err)
	}

	h.store.objects["agreements/"+d.ID+".pdf"] = []byte("%PDF")
	out, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: admin, Notes: "verified in person"})
	if err != nil {
		t.Fatalf("admin sign: %v", err)
	}
	if out.Progress.Status != models.DistributionStatusCompleted || !out.Progress.AdminFinalized {
		t.Fatalf("expected completed, got %+v", out.Progress)
	}
	if out.Distribution.AdminTxHash == nil || out.Distribution.AdminSignedBy == nil || *out.Distribution.AdminSignedBy != admin.Id {
		t.Fatalf("admin signature not recorded: %+v", out.Distribution)
	}
	if !strings.HasSuffix(out.DocumentURL, d.ID+".pdf") {
		t.Fatalf("unexpected document url %q", out.DocumentURL)
	}
	for _, a := range out.Distribution.Agreements {
		if a.Status != models.AgreementStatusCompleted || a.AdminSignedAt == nil {
			t.Fatalf("agreement %s not completed: %+v", a.ID, a)
		}
	}

	notes, _ := models.ListNotifications(h.db, ctx, d.ID)
	completed := map[string]bool{}
	for _, n := range notes {
		if n.Kind == models.NotificationKindDistributionCompleted {
			completed[n.Recipient] = true
		}
	}
	if len(completed) != 3 {
		t.Fatalf("expected completion notices to 3 participants, got %v", completed)
	}

	if _, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: admin}); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected second admin sign to fail with InvalidState, got %v", err)
	}
}

func TestScenarioD_RejectionDominates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)

	h.sign(t, agreementOf(t, d, owner.Id).ID, owner)
	if _, err := h.svc.Reject(ctx, agreementOf(t, d, benA.Id).ID, benB.Id, "not mine"); !errors.Is(err, utils.ErrorForbidden) {
		t.Fatalf("expected only the signer to reject, got %v", err)
	}
	res, err := h.svc.Reject(ctx, agreementOf(t, d, benA.Id).ID, benA.Id, "insufficient notice")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Progress.Status != models.DistributionStatusRejected {
		t.Fatalf("expected rejected, got %s", res.Progress.Status)
	}
	if res.Agreement.Notes == nil || *res.Agreement.Notes != "insufficient notice" {
		t.Fatalf("reason not stored: %+v", res.Agreement.Notes)
	}

	b := agreementOf(t, d, benB.Id)
	if _, err := h.svc.IssueCode(ctx, b.ID, benB.Id, icNums[benB.Id]); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected issue code on rejected distribution to fail, got %v", err)
	}
	if _, err := h.svc.Sign(ctx, SignRequest{AgreementId: b.ID, ActorId: benB.Id}); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected sign on rejected distribution to fail with InvalidState, got %v", err)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	h := newHarness(t)
	d := h.createGift(t)
	_, err := h.svc.Reject(context.Background(), agreementOf(t, d, benA.Id).ID, benA.Id, "   ")
	if !utils.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestScenarioE_LedgerTimeoutLeavesAgreementPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	a := agreementOf(t, d, benA.Id)

	h.verify(t, a.ID, benA)
	h.ledger.signErr = &ledger.Error{Op: "Sign", Kind: ledger.KindTransient, Message: "deadline exceeded", Err: context.DeadlineExceeded}
	_, err := h.svc.Sign(ctx, SignRequest{AgreementId: a.ID, ActorId: benA.Id})
	if !ledger.IsTransient(err) {
		t.Fatalf("expected transient ledger error, got %v", err)
	}
	stored, _ := models.GetAgreement(h.db, ctx, a.ID)
	if stored.Status != models.AgreementStatusPending || stored.TransactionHash != nil {
		t.Fatalf("expected pending without tx hash, got %s %v", stored.Status, stored.TransactionHash)
	}
	if stored.ClaimedBy != nil {
		t.Fatalf("signing claim not released")
	}

	h.ledger.signErr = nil
	res := h.sign(t, a.ID, benA)
	if res.Agreement.Status != models.AgreementStatusSigned {
		t.Fatalf("retry did not sign: %s", res.Agreement.Status)
	}
}

func TestSign_RequiresVerifiedCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	a := agreementOf(t, d, benA.Id)

	if _, err := h.svc.Sign(ctx, SignRequest{AgreementId: a.ID, ActorId: benA.Id}); !errors.Is(err, utils.ErrorNotVerified) {
		t.Fatalf("expected NotVerified, got %v", err)
	}
	// issued but not verified
	if _, err := h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id]); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := h.svc.Sign(ctx, SignRequest{AgreementId: a.ID, ActorId: benA.Id}); !errors.Is(err, utils.ErrorNotVerified) {
		t.Fatalf("expected NotVerified before verify, got %v", err)
	}
	if sign, _ := h.ledger.counts(); sign != 0 {
		t.Fatalf("ledger called without verification")
	}
}

func TestIssueCode_CredentialAndDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	a := agreementOf(t, d, benA.Id)

	if _, err := h.svc.IssueCode(ctx, a.ID, benA.Id, "12/XYZ(N)000000"); !errors.Is(err, utils.ErrorCredentialMismatch) {
		t.Fatalf("expected CredentialMismatch, got %v", err)
	}
	if _, err := h.svc.IssueCode(ctx, a.ID, benB.Id, icNums[benB.Id]); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected NotFound for another signer's agreement, got %v", err)
	}

	// spacing and case do not matter
	issued, err := h.svc.IssueCode(ctx, a.ID, benA.Id, " 12/abc(n) 222222 ")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	last := h.sender.last()
	if last.To != "a@example.com" || !strings.Contains(last.HTMLBody, issued.Code) || !strings.Contains(last.TextBody, issued.Code) {
		t.Fatalf("code email not delivered to signer: %+v", last)
	}

	h.sender.err = errors.New("smtp down")
	issued, err = h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id])
	if err != nil {
		t.Fatalf("issue with failing sender: %v", err)
	}
	if issued.DeliveryWarning == "" {
		t.Fatalf("expected delivery warning")
	}
	// the code is still usable
	if _, err := h.svc.VerifyCode(ctx, a.ID, benA.Id, issued.Code); err != nil {
		t.Fatalf("verify after failed delivery: %v", err)
	}
}

func TestVerifyCode_TTLBoundary(t *testing.T) {
	cases := []struct {
		name  string
		after time.Duration
		ok    bool
	}{
		{name: "599s", after: 599 * time.Second, ok: true},
		{name: "601s", after: 601 * time.Second, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			d := h.createGift(t)
			a := agreementOf(t, d, benA.Id)

			issued, err := h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id])
			if err != nil {
				t.Fatalf("issue: %v", err)
			}
			h.clock.Advance(tc.after)
			_, err = h.svc.VerifyCode(ctx, a.ID, benA.Id, issued.Code)
			if tc.ok && err != nil {
				t.Fatalf("expected valid code, got %v", err)
			}
			if !tc.ok && !errors.Is(err, utils.ErrorInvalidOrExpired) {
				t.Fatalf("expected InvalidOrExpired, got %v", err)
			}
		})
	}
}

func TestVerifyCode_SingleUseAndSuperseded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	a := agreementOf(t, d, benA.Id)

	first, _ := h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id])
	second, _ := h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id])
	if _, err := h.svc.VerifyCode(ctx, a.ID, benA.Id, first.Code); !errors.Is(err, utils.ErrorInvalidOrExpired) {
		t.Fatalf("expected superseded code to fail, got %v", err)
	}
	if _, err := h.svc.VerifyCode(ctx, a.ID, benA.Id, "99999"); !errors.Is(err, utils.ErrorInvalidOrExpired) {
		t.Fatalf("expected wrong code to fail, got %v", err)
	}
	credential, err := h.svc.VerifyCode(ctx, a.ID, benA.Id, second.Code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if credential != "12/ABC(N)222222" {
		t.Fatalf("unexpected bound credential %q", credential)
	}
	if _, err := h.svc.VerifyCode(ctx, a.ID, benA.Id, second.Code); !errors.Is(err, utils.ErrorInvalidOrExpired) {
		t.Fatalf("expected reused code to fail, got %v", err)
	}
}

func TestSign_ConcurrentCallsSignOnce(t *testing.T) {
	h := newHarness(t)
	d := h.createGift(t)
	a := agreementOf(t, d, benA.Id)
	h.verify(t, a.ID, benA)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Sign(context.Background(), SignRequest{AgreementId: a.ID, ActorId: benA.Id})
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, utils.ErrorInvalidState), errors.Is(err, utils.ErrorNotVerified):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one successful sign, got %d", success)
	}
	if sign, _ := h.ledger.counts(); sign != 1 {
		t.Fatalf("expected one ledger sign call, got %d", sign)
	}
}

func TestAdminSign_ConcurrentCallsReachLedgerOnce(t *testing.T) {
	h := newHarness(t)
	d := h.createGift(t)
	h.sign(t, agreementOf(t, d, owner.Id).ID, owner)
	h.sign(t, agreementOf(t, d, benA.Id).ID, benA)
	h.sign(t, agreementOf(t, d, benB.Id).ID, benB)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.AdminSign(context.Background(), AdminSignRequest{DistributionId: d.ID, Admin: admin})
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, utils.ErrorInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, adminCalls := h.ledger.counts(); adminCalls != 1 || success != 1 {
		t.Fatalf("expected one ledger admin call and one success, got calls=%d success=%d", adminCalls, success)
	}
}

func TestAdminSign_LedgerFailureKeepsPendingAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	h.sign(t, agreementOf(t, d, owner.Id).ID, owner)
	h.sign(t, agreementOf(t, d, benA.Id).ID, benA)
	h.sign(t, agreementOf(t, d, benB.Id).ID, benB)

	h.ledger.adminErr = &ledger.Error{Op: "AdminSign", Kind: ledger.KindRejected, Message: "contract refused"}
	if _, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: admin}); !ledger.IsLedgerError(err) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	p, err := h.svc.GetProgress(ctx, d.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != models.DistributionStatusPendingAdmin {
		t.Fatalf("expected pending_admin after ledger failure, got %s", p.Status)
	}

	h.ledger.adminErr = nil
	out, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: admin})
	if err != nil {
		t.Fatalf("retry admin sign: %v", err)
	}
	if len(out.Warnings) == 0 {
		t.Fatalf("expected a warning for the missing agreement document")
	}
}

func TestAdminSign_RetryAfterFailedWriteReusesLedgerReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	h.sign(t, agreementOf(t, d, owner.Id).ID, owner)
	h.sign(t, agreementOf(t, d, benA.Id).ID, benA)
	h.sign(t, agreementOf(t, d, benB.Id).ID, benB)

	var failWrite atomic.Bool
	failWrite.Store(true)
	err := h.db.Callback().Update().Before("gorm:update").Register("test:fail_admin_record", func(db *gorm.DB) {
		m, ok := db.Statement.Dest.(map[string]interface{})
		if !ok {
			return
		}
		if _, ok := m["admin_tx_hash"]; ok && failWrite.CompareAndSwap(true, false) {
			_ = db.AddError(errors.New("connection reset"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	if _, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: admin}); err == nil || ledger.IsLedgerError(err) {
		t.Fatalf("expected the local write to fail, got %v", err)
	}
	if _, adminCalls := h.ledger.counts(); adminCalls != 1 {
		t.Fatalf("expected one ledger admin call, got %d", adminCalls)
	}
	pending, err := models.GetDistribution(h.db, ctx, d.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if pending.AdminLedgerTxHash == nil || pending.AdminSignedAt != nil {
		t.Fatalf("expected receipt kept without a completion record, got %+v", pending)
	}
	if p := models.Aggregate(pending.Agreements); p.Status != models.DistributionStatusPendingAdmin {
		t.Fatalf("expected pending_admin, got %s", p.Status)
	}

	out, err := h.svc.AdminSign(ctx, AdminSignRequest{DistributionId: d.ID, Admin: admin})
	if err != nil {
		t.Fatalf("retry admin sign: %v", err)
	}
	if _, adminCalls := h.ledger.counts(); adminCalls != 1 {
		t.Fatalf("retry must not sign on the ledger again, got %d calls", adminCalls)
	}
	final := out.Distribution
	if out.Progress.Status != models.DistributionStatusCompleted ||
		utils.DereferencePtr(final.AdminTxHash) != *pending.AdminLedgerTxHash ||
		final.AdminLedgerTxHash != nil {
		t.Fatalf("unexpected completion record %+v", final)
	}
}

func TestAdminSign_RequiresAllSignatures(t *testing.T) {
	h := newHarness(t)
	d := h.createGift(t)
	h.sign(t, agreementOf(t, d, owner.Id).ID, owner)
	_, err := h.svc.AdminSign(context.Background(), AdminSignRequest{DistributionId: d.ID, Admin: admin})
	if !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestGetDistribution_Visibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)

	for _, actor := range []utils.Actor{owner, benA, admin} {
		if _, err := h.svc.GetDistribution(ctx, actor, d.ID); err != nil {
			t.Fatalf("%s should see the distribution: %v", actor.Id, err)
		}
	}
	stranger := utils.Actor{Id: "stranger", Role: utils.RoleBeneficiary}
	if _, err := h.svc.GetDistribution(ctx, stranger, d.ID); !errors.Is(err, utils.ErrorForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}

	if _, err := h.svc.UpdateDistributionNotes(ctx, benA, d.ID, "x"); !errors.Is(err, utils.ErrorForbidden) {
		t.Fatalf("expected only the owner to edit notes, got %v", err)
	}
	updated, err := h.svc.UpdateDistributionNotes(ctx, owner, d.ID, "keep the garden")
	if err != nil || updated.Notes != "keep the garden" {
		t.Fatalf("update notes: %v %+v", err, updated)
	}

	mine, err := h.svc.ListAgreementsForSigner(ctx, benB.Id)
	if err != nil || len(mine) != 1 || mine[0].DistributionId != d.ID {
		t.Fatalf("list for signer: %v %+v", err, mine)
	}
}

func TestIssueCode_LeavesSingleActiveCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.createGift(t)
	a := agreementOf(t, d, benA.Id)

	for i := 0; i < 3; i++ {
		if _, err := h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id]); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	var active int64
	if err := h.db.Model(&models.VerificationCode{}).
		Where("agreement_id = ? AND consumed_at IS NULL AND superseded_at IS NULL", a.ID).
		Count(&active).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected one active code, got %d", active)
	}

	if _, err := h.svc.Reject(ctx, a.ID, benA.Id, "not agreed"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := h.db.Model(&models.VerificationCode{}).
		Where("agreement_id = ? AND consumed_at IS NULL AND superseded_at IS NULL", a.ID).
		Count(&active).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected rejection to supersede codes, got %d active", active)
	}
	if _, err := h.svc.IssueCode(ctx, a.ID, benA.Id, icNums[benA.Id]); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("expected InvalidState after rejection, got %v", err)
	}
}
