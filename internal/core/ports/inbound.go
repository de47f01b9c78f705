package ports

import (
	"context"
	"io"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// UploadedDocument is a document received with a submission.
type UploadedDocument struct {
	Filename string
	MimeType string
	Body     io.Reader
}

// ApplicationSubmitter creates applications and queues their first run.
type ApplicationSubmitter interface {
	Submit(ctx context.Context, intake domain.IntakeData, documents []UploadedDocument) (domain.ApplicationState, error)
	Enqueue(ctx context.Context, applicationID string, mode domain.RunMode) error
}

// PipelineRunner drives applications through the stage machine.
type PipelineRunner interface {
	Run(ctx context.Context, applicationID string) (domain.ApplicationState, error)
	Retry(ctx context.Context, applicationID string) (domain.ApplicationState, error)
	ForceResolve(ctx context.Context, applicationID, reason string) (domain.ApplicationState, error)
}

// ApplicationReader is the read model over checkpoints.
type ApplicationReader interface {
	LoadCheckpoint(ctx context.Context, applicationID string) (domain.ApplicationState, error)
}
