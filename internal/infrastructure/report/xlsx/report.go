package xlsx

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

const (
	SheetSummary    = "Summary"
	SheetStages     = "Stages"
	SheetConditions = "Conditions"
	SheetAudit      = "Audit"
)

// Write renders an application snapshot as an xlsx workbook with summary,
// stage scores, conditions and the audit trail.
func Write(w io.Writer, state domain.ApplicationState) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	for _, name := range []string{SheetStages, SheetConditions, SheetAudit} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	sheets := []struct {
		name   string
		header []any
		rows   [][]any
	}{
		{SheetSummary, []any{"Field", "Value"}, summaryRows(state)},
		{SheetStages, []any{"Stage", "Status", "Score", "Confidence", "Summary", "Findings"}, stageRows(state)},
		{SheetConditions, []any{"#", "Condition"}, conditionRows(state)},
		{SheetAudit, []any{"Timestamp", "Actor", "Stage", "Confidence", "Narrative"}, auditRows(state)},
	}
	for _, sheet := range sheets {
		if err := writeTable(f, sheet.name, header, sheet.header, sheet.rows); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, style int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+2, err)
		}
	}
	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", lastCol, 22); err != nil {
		return fmt.Errorf("size %s columns: %w", sheet, err)
	}
	return nil
}

func summaryRows(state domain.ApplicationState) [][]any {
	rows := [][]any{
		{"application_id", state.ApplicationID},
		{"company_name", state.Intake.String(domain.FieldCompanyName)},
		{"project_name", state.Intake.String(domain.FieldProjectName)},
		{"current_stage", string(state.CurrentStage)},
		{"started_at", state.StartedAt.Format(time.RFC3339)},
	}
	if state.CompletedAt != nil {
		rows = append(rows, []any{"completed_at", state.CompletedAt.Format(time.RFC3339)})
	}

	d := state.FinalDecision
	if d == nil {
		return append(rows, []any{"decision_status", "pending"})
	}
	rows = append(rows,
		[]any{"decision_status", string(d.Status)},
		[]any{"final_score", d.FinalScore},
		[]any{"confidence", d.Confidence},
		[]any{"critical_failures", d.CriticalFailures},
		[]any{"risk_level", string(d.RiskLevel)},
		[]any{"requested_amount", d.RequestedAmount},
		[]any{"approved_amount", d.ApprovedAmount},
		[]any{"decided_at", d.DecidedAt.Format(time.RFC3339)},
		[]any{"expires_at", d.ExpiresAt.Format(time.RFC3339)},
		[]any{"fallback", d.Fallback},
		[]any{"forced", d.Forced},
		[]any{"justification", d.Justification},
	)
	return rows
}

func stageRows(state domain.ApplicationState) [][]any {
	rows := make([][]any, 0, len(domain.AnalysisStages))
	for _, stage := range domain.AnalysisStages {
		v, ok := state.Result(stage)
		if !ok {
			rows = append(rows, []any{string(stage), "not_run"})
			continue
		}
		rows = append(rows, []any{
			string(stage), string(v.Status), v.Score, v.Confidence, v.Summary, strings.Join(v.Findings, "; "),
		})
	}
	return rows
}

func conditionRows(state domain.ApplicationState) [][]any {
	if state.FinalDecision == nil {
		return nil
	}
	rows := make([][]any, 0, len(state.FinalDecision.Conditions))
	for i, condition := range state.FinalDecision.Conditions {
		rows = append(rows, []any{i + 1, condition})
	}
	return rows
}

func auditRows(state domain.ApplicationState) [][]any {
	rows := make([][]any, 0, len(state.AuditTrail))
	for _, entry := range state.AuditTrail {
		rows = append(rows, []any{
			entry.Timestamp.Format(time.RFC3339), entry.Actor, string(entry.Stage), entry.Confidence, entry.Narrative,
		})
	}
	return rows
}
