package models

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/estate_backend/config"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
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
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.AutoMigrate(&Participant{}, &FamilyRelation{}, &Asset{}); err != nil {
		t.Fatalf("migrate read models: %v", err)
	}
	return db
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seedDistribution(t *testing.T, db *gorm.DB, signers ...string) *Distribution {
	t.Helper()
	d := &Distribution{
		AssetId: "asset-" + strings.Join(signers, "-"),
		OwnerId: signers[0],
		Type:    DistributionTypeStatutoryInheritance,
	}
	for i, s := range signers {
		role := AgreementRoleHeir
		if i == 0 {
			role = AgreementRoleOwner
		}
		d.Agreements = append(d.Agreements, Agreement{FamilyId: s, Role: role, Sequence: i + 1, Status: AgreementStatusPending})
	}
	if err := CreateDistributionRecord(db, context.Background(), d); err != nil {
		t.Fatalf("create distribution: %v", err)
	}
	return d
}
