package models

import (
	"log"

	"github.com/mmdatafocus/estate_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// AutoMigrate creates the tables owned by the signing workflow.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Distribution{}, &DistributionBeneficiary{}, &Agreement{},
		&VerificationCode{},
		&NotificationRecord{},
		&ReconciliationReport{},
	)
}
