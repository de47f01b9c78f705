package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*CheckpointRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &CheckpointRepository{db: db}, mock, func() { _ = db.Close() }
}

func sampleState() domain.ApplicationState {
	at := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	state := domain.NewApplicationState("app-1", domain.IntakeData{"company_name": "Acme"}, nil, at)
	state.StageResults[domain.StageValidation] = domain.Verdict{
		Stage:      domain.StageValidation,
		Score:      0.8,
		Confidence: 0.7,
		Status:     domain.StatusPassed,
		Details:    domain.ValidationDetails{FormScore: 1},
	}
	state.CurrentStage = domain.StageLegal
	state.Version = 2
	return state
}

func TestSaveCheckpointUpsertsAndRecordsHistory(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()
	state := sampleState()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_checkpoints").
		WithArgs("app-1", int64(2), "legal", nil, sqlmock.AnyArg(), state.StartedAt, state.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO application_checkpoint_history").
		WithArgs("app-1", int64(2), "legal", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.SaveCheckpoint(context.Background(), state); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveCheckpointRejectsStaleVersion(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SaveCheckpoint(context.Background(), sampleState())
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadCheckpointReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT state").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LoadCheckpoint(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadCheckpointDecodesTaggedDetails(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	raw, err := json.Marshal(sampleState())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mock.ExpectQuery("SELECT state").
		WithArgs("app-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(raw))

	state, err := repo.LoadCheckpoint(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if state.CurrentStage != domain.StageLegal || state.Version != 2 {
		t.Fatalf("unexpected state: stage=%s version=%d", state.CurrentStage, state.Version)
	}
	details, ok := state.StageResults[domain.StageValidation].Details.(domain.ValidationDetails)
	if !ok || details.FormScore != 1 {
		t.Fatalf("expected validation details, got %#v", state.StageResults[domain.StageValidation].Details)
	}
}

func TestListCheckpointsFiltersByStage(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	updated := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT application_id, current_stage, version, decision_status, updated_at").
		WithArgs("completed", 10).
		WillReturnRows(sqlmock.NewRows([]string{"application_id", "current_stage", "version", "decision_status", "updated_at"}).
			AddRow("app-1", "completed", int64(7), "approved", updated).
			AddRow("app-2", "completed", int64(7), nil, updated))

	items, err := repo.ListCheckpoints(context.Background(), domain.StageCompleted, 10)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].DecisionStatus != domain.DecisionApproved || items[1].DecisionStatus != "" {
		t.Fatalf("unexpected decision statuses: %+v", items)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
