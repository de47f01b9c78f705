package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

const schemaLockID = int64(2026031501)

// CheckpointRepository stores one JSONB snapshot per application plus an
// append-only history of every saved version.
type CheckpointRepository struct {
	db *sql.DB
}

func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *CheckpointRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS application_checkpoints (
	application_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	current_stage TEXT NOT NULL,
	decision_status TEXT,
	state JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_application_checkpoints_stage ON application_checkpoints(current_stage);
CREATE INDEX IF NOT EXISTS idx_application_checkpoints_updated_at ON application_checkpoints(updated_at DESC);

CREATE TABLE IF NOT EXISTS application_checkpoint_history (
	application_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	current_stage TEXT NOT NULL,
	state JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (application_id, version)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveCheckpoint overwrites the snapshot atomically. A snapshot whose version
// is not newer than the stored one is rejected with domain.ErrConflict.
func (r *CheckpointRepository) SaveCheckpoint(ctx context.Context, state domain.ApplicationState) error {
	if state.ApplicationID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "save checkpoint", errors.New("application id is required"))
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO application_checkpoints (
	application_id, version, current_stage, decision_status, state, started_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (application_id) DO UPDATE
SET version = EXCLUDED.version,
	current_stage = EXCLUDED.current_stage,
	decision_status = EXCLUDED.decision_status,
	state = EXCLUDED.state,
	updated_at = EXCLUDED.updated_at
WHERE application_checkpoints.version < EXCLUDED.version
`,
		state.ApplicationID, state.Version, string(state.CurrentStage), decisionStatus(state),
		stateJSON, state.StartedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checkpoint rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrConflict, "save checkpoint",
			fmt.Errorf("stale version %d for application %s", state.Version, state.ApplicationID))
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO application_checkpoint_history (application_id, version, current_stage, state, saved_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (application_id, version) DO NOTHING
`, state.ApplicationID, state.Version, string(state.CurrentStage), stateJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert checkpoint history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

func (r *CheckpointRepository) LoadCheckpoint(ctx context.Context, applicationID string) (domain.ApplicationState, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT state
FROM application_checkpoints
WHERE application_id = $1
`, applicationID)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ApplicationState{}, domain.WrapError(domain.ErrApplicationNotFound, "load checkpoint", fmt.Errorf("application %s", applicationID))
		}
		return domain.ApplicationState{}, fmt.Errorf("scan checkpoint: %w", err)
	}

	var state domain.ApplicationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.ApplicationState{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return state, nil
}

// ListCheckpoints returns the newest applications, optionally filtered by stage.
func (r *CheckpointRepository) ListCheckpoints(ctx context.Context, stage domain.StageName, limit int) ([]ports.CheckpointSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
SELECT application_id, current_stage, version, decision_status, updated_at
FROM application_checkpoints
`
	args := []any{}
	if stage != "" {
		query += "WHERE current_stage = $1\n"
		args = append(args, string(stage))
	}
	query += fmt.Sprintf("ORDER BY updated_at DESC\nLIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]ports.CheckpointSummary, 0)
	for rows.Next() {
		var (
			summary ports.CheckpointSummary
			current string
			status  sql.NullString
		)
		if err := rows.Scan(&summary.ApplicationID, &current, &summary.Version, &status, &summary.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint summary: %w", err)
		}
		summary.CurrentStage = domain.StageName(current)
		if status.Valid {
			summary.DecisionStatus = domain.DecisionStatus(status.String)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func decisionStatus(state domain.ApplicationState) sql.NullString {
	if state.FinalDecision == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(state.FinalDecision.Status), Valid: true}
}
