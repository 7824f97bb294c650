package reconcile

import (
	"os"
	"time"

	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{
	"ID", "Created", "Operation", "Provider", "Action", "Group", "Member",
	"Attempts", "Status", "Last Error", "Correlation",
}

// ExportToExcel writes records to an xlsx workbook. Used by operators to
// review the dead-letter queue offline.
func ExportToExcel(file *os.File, records []*RetryRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Sheet1"

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for idx, r := range records {
		row := idx + 2
		values := []any{
			r.ID,
			r.CreatedAt.Format(time.RFC3339),
			r.OperationType,
			r.Payload.Provider,
			string(r.Payload.Action),
			r.Payload.GroupID,
			r.Payload.MemberEmail,
			r.Attempts,
			string(r.Status),
			r.LastError,
			r.CorrelationID,
		}

		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			f.SetCellValue(sheet, cell, v)
		}
	}

	_, err := f.WriteTo(file)
	return err
}
