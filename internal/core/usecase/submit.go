package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

const maxDocumentsPerApplication = 20

type SubmitUseCase struct {
	store    ports.CheckpointStore
	storage  ports.ObjectStorage
	queue    ports.WorkQueue
	notifier ports.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewSubmitUseCase wires submission. queue and notifier may be nil when runs
// are driven in-process.
func NewSubmitUseCase(
	store ports.CheckpointStore,
	storage ports.ObjectStorage,
	queue ports.WorkQueue,
	notifier ports.Notifier,
	logger *slog.Logger,
) *SubmitUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitUseCase{
		store:    store,
		storage:  storage,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit stores the documents, creates the initial checkpoint and queues the
// first run.
func (uc *SubmitUseCase) Submit(
	ctx context.Context,
	intake domain.IntakeData,
	documents []ports.UploadedDocument,
) (domain.ApplicationState, error) {
	if len(intake) == 0 {
		return domain.ApplicationState{}, domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("intake data is empty"))
	}
	if len(documents) > maxDocumentsPerApplication {
		return domain.ApplicationState{}, domain.WrapError(domain.ErrInvalidInput, "submit",
			fmt.Errorf("too many documents: %d > %d", len(documents), maxDocumentsPerApplication))
	}
	if len(documents) > 0 && uc.storage == nil {
		return domain.ApplicationState{}, domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("document storage is not configured"))
	}

	id := uuid.NewString()
	now := uc.now()

	refs := make([]domain.DocumentRef, 0, len(documents))
	for i, doc := range documents {
		ref, err := uc.saveDocument(ctx, id, i, doc)
		if err != nil {
			return domain.ApplicationState{}, err
		}
		refs = append(refs, ref)
	}

	state := domain.NewApplicationState(id, intake, refs, now)
	if err := uc.store.SaveCheckpoint(ctx, state); err != nil {
		return domain.ApplicationState{}, fmt.Errorf("save initial checkpoint: %w", err)
	}

	if uc.queue != nil {
		cmd := domain.RunCommand{ApplicationID: id, Mode: domain.RunModeRun, RequestedAt: now}
		if err := uc.queue.PublishRunCommand(ctx, cmd); err != nil {
			return domain.ApplicationState{}, fmt.Errorf("publish run command: %w", err)
		}
	}

	uc.logger.Info("application_submitted",
		"application_id", id,
		"documents", len(refs),
	)
	uc.notify(ctx, domain.PipelineEvent{
		ApplicationID: id,
		Type:          domain.EventSubmitted,
		CurrentStage:  state.CurrentStage,
		Version:       state.Version,
		At:            now,
	})
	return state, nil
}

// Enqueue asks a worker to run or retry an existing application.
func (uc *SubmitUseCase) Enqueue(ctx context.Context, applicationID string, mode domain.RunMode) error {
	if mode != domain.RunModeRun && mode != domain.RunModeRetry {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue", fmt.Errorf("unknown run mode %q", mode))
	}
	if uc.queue == nil {
		return domain.WrapError(domain.ErrTemporary, "enqueue", errors.New("work queue is not configured"))
	}
	if _, err := uc.store.LoadCheckpoint(ctx, applicationID); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	cmd := domain.RunCommand{ApplicationID: applicationID, Mode: mode, RequestedAt: uc.now()}
	if err := uc.queue.PublishRunCommand(ctx, cmd); err != nil {
		return fmt.Errorf("publish run command: %w", err)
	}
	return nil
}

func (uc *SubmitUseCase) saveDocument(ctx context.Context, applicationID string, index int, doc ports.UploadedDocument) (domain.DocumentRef, error) {
	if doc.Body == nil {
		return domain.DocumentRef{}, domain.WrapError(domain.ErrInvalidInput, "save document", fmt.Errorf("document %q has no body", doc.Filename))
	}
	key := fmt.Sprintf("%s/%02d_%s", applicationID, index, sanitizeFilename(doc.Filename))
	body := &countingReader{r: doc.Body}
	if err := uc.storage.Save(ctx, key, body); err != nil {
		return domain.DocumentRef{}, fmt.Errorf("save to object storage: %w", err)
	}
	return domain.DocumentRef{
		StorageKey: key,
		Filename:   doc.Filename,
		MimeType:   doc.MimeType,
		Size:       body.n,
	}, nil
}

func (uc *SubmitUseCase) notify(ctx context.Context, event domain.PipelineEvent) {
	if uc.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultNotifyTimeout)
	defer cancel()
	if err := uc.notifier.Publish(notifyCtx, event); err != nil {
		uc.logger.Warn("event_publish_failed",
			"application_id", event.ApplicationID,
			"event", event.Type,
			"error", err,
		)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == "_" {
		return "document.bin"
	}
	return base
}
