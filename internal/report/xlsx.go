package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hitoshi/crmigrate/internal/model"
)

// シート名
const (
	SheetSummary    = "Summary"
	SheetRejections = "Rejections"
	SheetWarnings   = "Warnings"
	SheetBatches    = "Batches"
)

// WriteXLSX はレポートをExcelブックとして書き出す。
// Summary シートにエンティティ別の集計、残りのシートに明細を出力する。
func WriteXLSX(w io.Writer, view model.ImportReportView) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return err
	}
	for _, name := range []string{SheetRejections, SheetWarnings, SheetBatches} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}

	summary := [][]any{
		{"started_at", view.StartedAt.Format(time.RFC3339)},
		{"finished_at", view.FinishedAt.Format(time.RFC3339)},
		{"completed", view.Completed},
		{"cancelled", view.Cancelled},
		{"dry_run", view.DryRun},
		{},
		{"entity", "source_present", "rows_read", "rows_accepted", "rows_rejected", "warnings", "inserted", "updated", "failed_batches", "error"},
	}
	var rejections, warnings, batches [][]any
	rejections = append(rejections, []any{"entity", "line", "legacy_id", "column", "kind", "reason"})
	warnings = append(warnings, []any{"entity", "line", "legacy_id", "column", "kind", "reason"})
	batches = append(batches, []any{"entity", "index", "size", "succeeded", "attempts", "inserted", "updated", "transient", "error"})

	for _, e := range view.Entities {
		var inserted, updated, failed int
		for _, b := range e.Batches {
			inserted += b.Inserted
			updated += b.Updated
			if !b.Succeeded {
				failed++
			}
			batches = append(batches, []any{e.Entity, b.Index, b.Size, b.Succeeded, b.Attempts, b.Inserted, b.Updated, b.Transient, b.Error})
		}
		summary = append(summary, []any{e.Entity, e.SourcePresent, e.RowsRead, e.RowsAccepted, e.RowsRejected, len(e.Warnings), inserted, updated, failed, e.Error})

		for _, r := range e.Rejections {
			rejections = append(rejections, issueRow(e.Entity, r))
		}
		for _, r := range e.Warnings {
			warnings = append(warnings, issueRow(e.Entity, r))
		}
	}

	for sheet, rows := range map[string][][]any{
		SheetSummary:    summary,
		SheetRejections: rejections,
		SheetWarnings:   warnings,
		SheetBatches:    batches,
	} {
		if err := writeRows(f, sheet, rows); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func issueRow(entity model.EntityType, r model.RowIssue) []any {
	return []any{entity, r.Line, r.LegacyID, r.Column, r.Kind, r.Reason}
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = cellValue(v)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// cellValue は名前付き文字列型をセルに書ける値へ変換する。
func cellValue(v any) any {
	switch t := v.(type) {
	case model.EntityType:
		return string(t)
	case model.ErrorKind:
		return string(t)
	default:
		return v
	}
}
