package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/crmigrate/internal/model"
)

// PrintSummary はエンティティ別の集計を表形式で出力する。
func PrintSummary(w io.Writer, view model.ImportReportView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSOURCE\tREAD\tACCEPTED\tREJECTED\tWARNINGS\tINSERTED\tUPDATED\tFAILED BATCHES")

	for _, e := range view.Entities {
		src := "present"
		if !e.SourcePresent {
			src = "absent"
		}
		if e.Error != "" {
			src = "error"
		}
		var inserted, updated, failed int
		for _, b := range e.Batches {
			inserted += b.Inserted
			updated += b.Updated
			if !b.Succeeded {
				failed++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			e.Entity, src, e.RowsRead, e.RowsAccepted, e.RowsRejected, len(e.Warnings), inserted, updated, failed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	status := "completed"
	if view.Cancelled {
		status = "cancelled"
	}
	if view.DryRun {
		status += " (dry run)"
	}
	_, err := fmt.Fprintf(w, "\nstatus: %s, elapsed: %s\n", status, view.FinishedAt.Sub(view.StartedAt).Round(time.Millisecond))
	return err
}
