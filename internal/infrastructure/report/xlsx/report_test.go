package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

func decidedState() domain.ApplicationState {
	at := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	state := domain.NewApplicationState("app-1", domain.IntakeData{
		domain.FieldCompanyName: "Acme",
		domain.FieldProjectName: "Solar roofs",
	}, nil, at)
	state.StageResults[domain.StageValidation] = domain.Verdict{
		Stage:      domain.StageValidation,
		Score:      0.9,
		Confidence: 0.8,
		Status:     domain.StatusPassed,
		Findings:   []string{"form complete", "charter attached"},
	}
	state.AuditTrail = append(state.AuditTrail, domain.AuditEntry{
		Actor:      "validation_stage",
		Stage:      domain.StageValidation,
		Narrative:  "validation passed",
		Confidence: 0.8,
		Timestamp:  at,
	})
	state.CurrentStage = domain.StageCompleted
	state.FinalDecision = &domain.FinalDecision{
		Status:          domain.DecisionConditional,
		FinalScore:      0.66,
		RequestedAmount: 1000000,
		ApprovedAmount:  800000,
		Conditions:      []string{"quarterly reporting", "collateral required"},
		DecidedAt:       at,
		ExpiresAt:       at.AddDate(0, 0, 60),
	}
	return state
}

func readRows(t *testing.T, raw []byte, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestWriteDecidedApplication(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, decidedState()))
	raw := buf.Bytes()

	summary := readRows(t, raw, SheetSummary)
	assert.Equal(t, []string{"Field", "Value"}, summary[0])
	assert.Contains(t, summary, []string{"decision_status", "conditional"})
	assert.Contains(t, summary, []string{"approved_amount", "800000"})

	stages := readRows(t, raw, SheetStages)
	require.Len(t, stages, 1+len(domain.AnalysisStages))
	assert.Equal(t, []string{"validation", "passed", "0.9", "0.8", "", "form complete; charter attached"}, stages[1])
	assert.Equal(t, []string{"legal", "not_run"}, stages[2])

	conditions := readRows(t, raw, SheetConditions)
	assert.Equal(t, []string{"2", "collateral required"}, conditions[2])

	audit := readRows(t, raw, SheetAudit)
	require.Len(t, audit, 2)
	assert.Equal(t, "validation_stage", audit[1][1])
}

func TestWritePendingApplication(t *testing.T) {
	state := domain.NewApplicationState("app-2", domain.IntakeData{}, nil, time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, state))

	summary := readRows(t, buf.Bytes(), SheetSummary)
	assert.Contains(t, summary, []string{"decision_status", "pending"})
	assert.Len(t, readRows(t, buf.Bytes(), SheetConditions), 1)
}
