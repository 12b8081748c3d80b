package models

import "github.com/shopspring/decimal"

// Progress summarizes a distribution's agreements. It is always derivable from the
// agreement rows alone; Distribution.Status only caches Progress.Status.
type Progress struct {
	Total           int                `json:"total"`
	Signed          int                `json:"signed"`
	Rejected        int                `json:"rejected"`
	ProgressPercent decimal.Decimal    `json:"progress_percent"`
	Status          DistributionStatus `json:"status"`
	AdminFinalized  bool               `json:"admin_finalized"`
}

// Aggregate is pure and total over any agreement set.
// Precedence: rejected > completed > pending_admin > in_progress > pending.
func Aggregate(agreements []Agreement) Progress {
	p := Progress{
		Total:           len(agreements),
		ProgressPercent: decimal.Zero,
	}
	for _, a := range agreements {
		switch {
		case a.Status == AgreementStatusRejected:
			p.Rejected++
		case a.Status.HasSigned():
			p.Signed++
		}
		if a.AdminSignedAt != nil {
			p.AdminFinalized = true
		}
	}

	if p.Total > 0 {
		p.ProgressPercent = decimal.NewFromInt(int64(p.Signed)).
			Mul(decimal.NewFromInt(100)).
			DivRound(decimal.NewFromInt(int64(p.Total)), 2)
	}

	switch {
	case p.Rejected > 0:
		p.Status = DistributionStatusRejected
	case p.Total == 0:
		p.Status = DistributionStatusPending
	case p.Signed == p.Total && p.AdminFinalized:
		p.Status = DistributionStatusCompleted
	case p.Signed == p.Total:
		p.Status = DistributionStatusPendingAdmin
	case p.Signed > 0:
		p.Status = DistributionStatusInProgress
	default:
		p.Status = DistributionStatusPending
	}
	return p
}
