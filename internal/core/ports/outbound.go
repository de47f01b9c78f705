package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// CheckpointStore durably persists application snapshots. SaveCheckpoint must
// overwrite atomically; LoadCheckpoint returns domain.ErrApplicationNotFound on miss.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, state domain.ApplicationState) error
	LoadCheckpoint(ctx context.Context, applicationID string) (domain.ApplicationState, error)
}

// CheckpointSummary is a listing row.
type CheckpointSummary struct {
	ApplicationID  string                `json:"application_id"`
	CurrentStage   domain.StageName      `json:"current_stage"`
	Version        int64                 `json:"version"`
	DecisionStatus domain.DecisionStatus `json:"decision_status,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// CheckpointLister lists stored applications, newest first.
type CheckpointLister interface {
	ListCheckpoints(ctx context.Context, stage domain.StageName, limit int) ([]CheckpointSummary, error)
}

// ObjectStorage stores uploaded application documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// DocumentExtractor turns a stored document into text.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, ref domain.DocumentRef) (domain.ExtractedDocument, error)
}

// QualitativeReviewer is the external qualitative-review service.
type QualitativeReviewer interface {
	Review(ctx context.Context, req domain.ReviewRequest) (domain.Review, error)
}

// Notifier publishes pipeline events. Delivery is best-effort.
type Notifier interface {
	Publish(ctx context.Context, event domain.PipelineEvent) error
}

// WorkQueue carries run commands from the API to workers.
type WorkQueue interface {
	PublishRunCommand(ctx context.Context, cmd domain.RunCommand) error
	SubscribeRunCommands(ctx context.Context, handler func(context.Context, domain.RunCommand) error) error
}

// RunLocker guarantees a single logical run per application across processes.
type RunLocker interface {
	Acquire(ctx context.Context, applicationID string) (release func(context.Context) error, err error)
}

// PipelineObserver receives engine telemetry.
type PipelineObserver interface {
	ObserveStage(stage domain.StageName, outcome string, duration time.Duration)
	ObserveDecision(status domain.DecisionStatus, fallback bool)
	RunStarted()
	RunFinished(state domain.StageName, duration time.Duration)
}

// CommandObserver receives worker command telemetry.
type CommandObserver interface {
	ObserveQueueLag(lag time.Duration)
	FinishCommand(mode domain.RunMode, duration time.Duration, err error)
}
