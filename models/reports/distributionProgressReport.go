package reports

import (
	"context"
	"time"

	"github.com/mmdatafocus/estate_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type DistributionProgressRow struct {
	DistributionId  string                    `json:"distribution_id"`
	AssetName       *string                   `json:"asset_name"`
	OwnerName       *string                   `json:"owner_name"`
	Type            models.DistributionType   `json:"type"`
	Status          models.DistributionStatus `json:"status"`
	Signed          int                       `json:"signed"`
	Total           int                       `json:"total"`
	ProgressPercent decimal.Decimal           `json:"progress_percent" gorm:"-"`
	AnchoredAt      *time.Time                `json:"anchored_at"`
	AdminSignedAt   *time.Time                `json:"admin_signed_at"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// GetDistributionProgressReport lists every distribution with its signature counts.
// An empty status means all statuses.
func GetDistributionProgressReport(ctx context.Context, db *gorm.DB, status string) ([]DistributionProgressRow, error) {
	started := time.Now()
	cacheKey := "Report:DistributionProgress:" + status
	var cached []DistributionProgressRow
	if ok, err := cacheGet(ctx, cacheKey, &cached); err == nil && ok {
		return cached, nil
	}

	sql := `
SELECT
    d.id AS distribution_id,
    assets.name AS asset_name,
    users.name AS owner_name,
    d.type,
    d.status,
    d.anchored_at,
    d.admin_signed_at,
    d.created_at,
    (SELECT COUNT(*) FROM agreements ag WHERE ag.distribution_id = d.id) AS total,
    (SELECT COUNT(*) FROM agreements ag WHERE ag.distribution_id = d.id AND ag.status IN ?) AS signed
FROM
    distributions d
    LEFT JOIN assets ON assets.id = d.asset_id
    LEFT JOIN users ON users.id = d.owner_id
WHERE
    (? = '' OR d.status = ?)
ORDER BY
    d.created_at ASC, d.id ASC
`
	signedStatuses := []models.AgreementStatus{
		models.AgreementStatusSigned,
		models.AgreementStatusPendingAdmin,
		models.AgreementStatusCompleted,
	}
	var rows []DistributionProgressRow
	if err := db.WithContext(ctx).Raw(sql, signedStatuses, status, status).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ProgressPercent = decimal.Zero
		if rows[i].Total > 0 {
			rows[i].ProgressPercent = decimal.NewFromInt(int64(rows[i].Signed)).
				Mul(decimal.NewFromInt(100)).
				DivRound(decimal.NewFromInt(int64(rows[i].Total)), 2)
		}
	}

	_ = cacheSet(ctx, cacheKey, rows)
	logSlowReport(ctx, "DistributionProgress", started, map[string]any{"status": status, "rows": len(rows)})
	return rows, nil
}
