package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/xuri/excelize/v2"
)

const progressSheet = "Distributions"

var progressHeadings = []string{
	"DistributionId", "Asset", "Owner", "Type", "Status",
	"Signed", "Total", "ProgressPercent", "AnchoredAt", "AdminSignedAt", "CreatedAt",
}

func (r DistributionProgressRow) GetCellValues() []interface{} {
	return []interface{}{
		r.DistributionId,
		utils.DereferencePtr(r.AssetName, ""),
		utils.DereferencePtr(r.OwnerName, ""),
		string(r.Type),
		string(r.Status),
		r.Signed,
		r.Total,
		r.ProgressPercent.StringFixed(2),
		formatTime(r.AnchoredAt),
		formatTime(r.AdminSignedAt),
		r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteDistributionProgress renders rows as an xlsx workbook into w.
func WriteDistributionProgress(w io.Writer, rows []DistributionProgressRow) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", progressSheet); err != nil {
		return err
	}

	for i, h := range progressHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(progressSheet, cell, h); err != nil {
			return err
		}
	}

	rowNo := 2
	for _, r := range rows {
		for i, value := range r.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(progressSheet, cell, value); err != nil {
				return fmt.Errorf("write %s: %w", cell, err)
			}
		}
		rowNo++
	}

	return f.Write(w)
}
