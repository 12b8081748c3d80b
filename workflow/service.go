package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/estate_backend/workflow")

// Directory is the read side of the identity, family and asset collaborators.
type Directory interface {
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	GetParticipants(ctx context.Context, ids []string) ([]models.Participant, error)
	ListHeirs(ctx context.Context, ownerId string) ([]models.Participant, error)
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
}

// ObjectStore holds signature images and rendered agreement documents.
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) error
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// DocumentRenderer resolves the generated agreement document of a distribution.
type DocumentRenderer interface {
	DocumentURL(ctx context.Context, distribution *models.Distribution) (string, error)
}

// Service runs the signing workflow. DB is the source of truth; Ledger is called
// before every persisted signature and never inside a DB transaction.
type Service struct {
	DB        *gorm.DB
	Ledger    ledger.Client
	Sender    notify.Sender
	Directory Directory
	Store     ObjectStore
	Documents DocumentRenderer
	Locker    Locker
	Logger    *logrus.Logger

	Now           func() time.Time
	CodeTTL       time.Duration
	ClaimTimeout  time.Duration
	LedgerTimeout time.Duration
	SendTimeout   time.Duration

	newCode func() (string, error)
}

func NewService(db *gorm.DB, ledgerClient ledger.Client, sender notify.Sender, directory Directory, logger *logrus.Logger) *Service {
	return &Service{
		DB:            db,
		Ledger:        ledgerClient,
		Sender:        sender,
		Directory:     directory,
		Logger:        logger,
		Now:           func() time.Time { return time.Now().UTC() },
		CodeTTL:       config.VerificationCodeTTL(),
		ClaimTimeout:  config.ClaimTimeout(),
		LedgerTimeout: config.LedgerTimeout(),
		SendTimeout:   15 * time.Second,
		newCode:       generateCode,
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) staleBefore(now time.Time) time.Time {
	return now.Add(-s.ClaimTimeout)
}

func (s *Service) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.LedgerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.LedgerTimeout)
}

// detached is used for cleanup that must run even if the caller went away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (s *Service) logEntry(fn string) *logrus.Entry {
	logger := s.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	return logger.WithFields(logrus.Fields{"field": "Workflow", "funcName": fn})
}

func (s *Service) logError(fn string, context string, data any, err error) {
	logger := s.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	config.LogError(logger, "Workflow", fn, context, data, err)
}

// normalizeCredential makes identity numbers comparable: whitespace removed, upper case.
// The same form is registered on and signed against the ledger.
func normalizeCredential(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
