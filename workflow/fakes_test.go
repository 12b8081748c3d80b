package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fakeLedger struct {
	mu      sync.Mutex
	seq     int
	tokens  map[string]string
	signers map[string][]ledger.SignerEntry

	createCalls int
	signCalls   int
	adminCalls  int

	createErr error
	signErr   error
	adminErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tokens: map[string]string{}, signers: map[string][]ledger.SignerEntry{}}
}

func (f *fakeLedger) nextHash() string {
	f.seq++
	return fmt.Sprintf("0xtx%04d", f.seq)
}

func (f *fakeLedger) CreateDistribution(ctx context.Context, anchor ledger.DistributionAnchor) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return ledger.Receipt{}, f.createErr
	}
	token := fmt.Sprintf("token-%d", len(f.tokens)+1)
	f.tokens[anchor.DistributionId] = token
	return ledger.Receipt{TxHash: f.nextHash(), TokenId: token}, nil
}

func (f *fakeLedger) RegisterSigner(ctx context.Context, tokenId string, signerName string, credential string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.signers[tokenId] {
		if e.Credential == credential {
			return ledger.Receipt{}, &ledger.Error{Op: "RegisterSigner", Kind: ledger.KindDuplicateSigner, Message: "already registered"}
		}
	}
	f.signers[tokenId] = append(f.signers[tokenId], ledger.SignerEntry{Name: signerName, Credential: credential})
	return ledger.Receipt{TxHash: f.nextHash()}, nil
}

func (f *fakeLedger) Sign(ctx context.Context, tokenId string, credential string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signCalls++
	if f.signErr != nil {
		return ledger.Receipt{}, f.signErr
	}
	for i, e := range f.signers[tokenId] {
		if e.Credential == credential {
			hash := f.nextHash()
			f.signers[tokenId][i].Signed = true
			f.signers[tokenId][i].TxHash = hash
			return ledger.Receipt{TxHash: hash}, nil
		}
	}
	return ledger.Receipt{}, &ledger.Error{Op: "Sign", Kind: ledger.KindRejected, Message: "unknown signer"}
}

func (f *fakeLedger) AdminSign(ctx context.Context, tokenId string, adminName string, notes string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls++
	if f.adminErr != nil {
		return ledger.Receipt{}, f.adminErr
	}
	hash := f.nextHash()
	f.signers[tokenId] = append(f.signers[tokenId], ledger.SignerEntry{Name: adminName, Signed: true, TxHash: hash, Admin: true})
	return ledger.Receipt{TxHash: hash}, nil
}

func (f *fakeLedger) ResolveToken(ctx context.Context, distributionId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token, ok := f.tokens[distributionId]; ok {
		return token, nil
	}
	return "", &ledger.Error{Op: "ResolveToken", Kind: ledger.KindNotFound, Message: "no token"}
}

func (f *fakeLedger) ListSigners(ctx context.Context, tokenId string) ([]ledger.SignerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.SignerEntry(nil), f.signers[tokenId]...), nil
}

func (f *fakeLedger) counts() (sign int, admin int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signCalls, f.adminCalls
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Email
	err  error
}

func (f *fakeSender) Send(ctx context.Context, email notify.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, email)
	return nil
}

func (f *fakeSender) last() notify.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeDirectory struct {
	participants map[string]models.Participant
	heirs        map[string][]string
	assets       map[string]models.Asset
}

func (f *fakeDirectory) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	p, ok := f.participants[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &p, nil
}

func (f *fakeDirectory) GetParticipants(ctx context.Context, ids []string) ([]models.Participant, error) {
	out := make([]models.Participant, 0, len(ids))
	for _, id := range ids {
		p, ok := f.participants[id]
		if !ok {
			return nil, utils.ErrorRecordNotFound
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeDirectory) ListHeirs(ctx context.Context, ownerId string) ([]models.Participant, error) {
	return f.GetParticipants(ctx, f.heirs[ownerId])
}

func (f *fakeDirectory) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	a, ok := f.assets[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &a, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeStore) Put(ctx context.Context, key string, contentType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStore) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", utils.ErrorRecordNotFound
	}
	return "https://storage.test/" + key, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc    *Service
	db     *gorm.DB
	ledger *fakeLedger
	sender *fakeSender
	dir    *fakeDirectory
	store  *fakeStore
	clock  *testClock

	codesMu sync.Mutex
	codes   []string
}

var (
	owner  = utils.Actor{Id: "owner-1", Name: "Daw Aye", Role: utils.RoleOwner}
	benA   = utils.Actor{Id: "fam-a", Name: "Ko Ba", Role: utils.RoleBeneficiary}
	benB   = utils.Actor{Id: "fam-b", Name: "Ma Hla", Role: utils.RoleBeneficiary}
	admin  = utils.Actor{Id: "admin-1", Name: "U Admin", Role: utils.RoleAdministrator}
	icNums = map[string]string{
		"owner-1": "12/ABC(N)123456",
		"fam-a":   "12/ABC(N)222222",
		"fam-b":   "12/ABC(N)333333",
	}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("BCRYPT_COST", "4")

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:wf_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), config.NewGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Use(config.NewStatusCacheGuardPlugin()); err != nil {
		t.Fatalf("install guard: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return newHarnessOn(t, db)
}

// newHarnessOn wires fakes around an already migrated database.
func newHarnessOn(t *testing.T, db *gorm.DB) *harness {
	t.Helper()
	dir := &fakeDirectory{
		participants: map[string]models.Participant{
			owner.Id: {ID: owner.Id, Name: owner.Name, Email: "owner@example.com", IcNumber: icNums[owner.Id]},
			benA.Id:  {ID: benA.Id, Name: benA.Name, Email: "a@example.com", IcNumber: icNums[benA.Id]},
			benB.Id:  {ID: benB.Id, Name: benB.Name, Email: "b@example.com", IcNumber: icNums[benB.Id]},
		},
		heirs: map[string][]string{owner.Id: {benA.Id, benB.Id}},
		assets: map[string]models.Asset{
			"asset-house": {ID: "asset-house", OwnerId: owner.Id, Name: "Family house", Category: "real_estate"},
			"asset-land":  {ID: "asset-land", OwnerId: owner.Id, Name: "Farm land", Category: "land"},
			"asset-other": {ID: "asset-other", OwnerId: "someone-else", Name: "Car", Category: "vehicle"},
		},
	}

	h := &harness{
		db:     db,
		ledger: newFakeLedger(),
		sender: &fakeSender{},
		dir:    dir,
		store:  &fakeStore{objects: map[string][]byte{}},
		clock:  &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(db, h.ledger, h.sender, dir, config.GetLogger())
	h.svc.Store = h.store
	h.svc.Documents = StoredDocuments{Store: h.store}
	h.svc.Now = h.clock.Now
	h.svc.CodeTTL = 10 * time.Minute
	h.svc.ClaimTimeout = 2 * time.Minute
	h.svc.newCode = func() (string, error) {
		h.codesMu.Lock()
		defer h.codesMu.Unlock()
		code := fmt.Sprintf("%05d", 10000+len(h.codes))
		h.codes = append(h.codes, code)
		return code, nil
	}
	return h
}

func giftInput(asset string) models.NewDistribution {
	return models.NewDistribution{
		AssetId: asset,
		Type:    models.DistributionTypeGift,
		Beneficiaries: []models.BeneficiaryShare{
			{FamilyId: benA.Id, Percentage: decimal.NewFromInt(60)},
			{FamilyId: benB.Id, Percentage: decimal.NewFromInt(40)},
		},
	}
}

func (h *harness) createGift(t *testing.T) *models.Distribution {
	t.Helper()
	res, err := h.svc.CreateDistribution(context.Background(), owner, giftInput("asset-house"))
	if err != nil {
		t.Fatalf("create distribution: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected create warnings: %v", res.Warnings)
	}
	return res.Distribution
}

func agreementOf(t *testing.T, d *models.Distribution, familyId string) models.Agreement {
	t.Helper()
	for _, a := range d.Agreements {
		if a.FamilyId == familyId {
			return a
		}
	}
	t.Fatalf("no agreement for %s", familyId)
	return models.Agreement{}
}

// verify issues and verifies a code for the signer, leaving a grant behind.
func (h *harness) verify(t *testing.T, agreementId string, actor utils.Actor) {
	t.Helper()
	ctx := context.Background()
	issued, err := h.svc.IssueCode(ctx, agreementId, actor.Id, icNums[actor.Id])
	if err != nil {
		t.Fatalf("issue code for %s: %v", actor.Id, err)
	}
	if issued.DeliveryWarning != "" {
		t.Fatalf("unexpected delivery warning: %s", issued.DeliveryWarning)
	}
	if _, err := h.svc.VerifyCode(ctx, agreementId, actor.Id, issued.Code); err != nil {
		t.Fatalf("verify code for %s: %v", actor.Id, err)
	}
}

func (h *harness) sign(t *testing.T, agreementId string, actor utils.Actor) *SignResult {
	t.Helper()
	h.verify(t, agreementId, actor)
	res, err := h.svc.Sign(context.Background(), SignRequest{AgreementId: agreementId, ActorId: actor.Id})
	if err != nil {
		t.Fatalf("sign for %s: %v", actor.Id, err)
	}
	return res
}
