package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

// CheckpointStore is the single-node checkpoint backend used by the CLI and
// local development. It mirrors the Postgres schema.
type CheckpointStore struct {
	db *sql.DB
}

func Open(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	store := &CheckpointStore{db: db}
	if err := store.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS application_checkpoints (
	application_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	current_stage TEXT NOT NULL,
	decision_status TEXT,
	state BLOB NOT NULL,
	started_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_application_checkpoints_stage ON application_checkpoints(current_stage);
CREATE TABLE IF NOT EXISTS application_checkpoint_history (
	application_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	current_stage TEXT NOT NULL,
	state BLOB NOT NULL,
	saved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (application_id, version)
);
`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, state domain.ApplicationState) error {
	if state.ApplicationID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "save checkpoint", errors.New("application id is required"))
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status any
	if state.FinalDecision != nil {
		status = string(state.FinalDecision.Status)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO application_checkpoints (
	application_id, version, current_stage, decision_status, state, started_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (application_id) DO UPDATE
SET version = excluded.version,
	current_stage = excluded.current_stage,
	decision_status = excluded.decision_status,
	state = excluded.state,
	updated_at = excluded.updated_at
WHERE application_checkpoints.version < excluded.version
`, state.ApplicationID, state.Version, string(state.CurrentStage), status, raw, state.StartedAt.UTC(), state.UpdatedAt.UTC())
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
INSERT OR IGNORE INTO application_checkpoint_history (application_id, version, current_stage, state, saved_at)
VALUES (?, ?, ?, ?, ?)
`, state.ApplicationID, state.Version, string(state.CurrentStage), raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert checkpoint history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, applicationID string) (domain.ApplicationState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM application_checkpoints WHERE application_id = ?`, applicationID).Scan(&raw)
	if err != nil {
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

func (s *CheckpointStore) ListCheckpoints(ctx context.Context, stage domain.StageName, limit int) ([]ports.CheckpointSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT application_id, current_stage, version, decision_status, updated_at
FROM application_checkpoints
WHERE ? = '' OR current_stage = ?
ORDER BY updated_at DESC, application_id
LIMIT ?
`, string(stage), string(stage), limit)
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
		summary.DecisionStatus = domain.DecisionStatus(status.String)
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}
