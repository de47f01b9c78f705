package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

type submitStorageFake struct {
	saved map[string]string
	err   error
}

func (f *submitStorageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[key] = string(raw)
	return nil
}

func (f *submitStorageFake) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

type submitQueueFake struct {
	commands []domain.RunCommand
	err      error
}

func (f *submitQueueFake) PublishRunCommand(_ context.Context, cmd domain.RunCommand) error {
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *submitQueueFake) SubscribeRunCommands(context.Context, func(context.Context, domain.RunCommand) error) error {
	return errors.New("not implemented")
}

func submitIntake() domain.IntakeData {
	return domain.IntakeData{
		domain.FieldCompanyName:     "Acme Industries LLC",
		domain.FieldRequestedAmount: 2_500_000.0,
	}
}

func TestSubmitStoresDocumentsAndQueuesRun(t *testing.T) {
	store := newMemoryStore()
	storage := &submitStorageFake{}
	queue := &submitQueueFake{}
	notifier := &notifierFake{}
	uc := NewSubmitUseCase(store, storage, queue, notifier, nil)

	state, err := uc.Submit(context.Background(), submitIntake(), []ports.UploadedDocument{
		{Filename: "balance sheet 2025.pdf", MimeType: "application/pdf", Body: bytes.NewBufferString("hello")},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if state.ApplicationID == "" {
		t.Fatalf("expected application id")
	}
	if state.CurrentStage != domain.StageValidation {
		t.Fatalf("expected validation stage, got %s", state.CurrentStage)
	}
	if len(state.Documents) != 1 {
		t.Fatalf("expected one document ref, got %d", len(state.Documents))
	}
	ref := state.Documents[0]
	if !strings.HasSuffix(ref.StorageKey, "/00_balance_sheet_2025.pdf") {
		t.Fatalf("expected sanitized key, got %s", ref.StorageKey)
	}
	if ref.Size != 5 {
		t.Fatalf("expected size 5, got %d", ref.Size)
	}
	if storage.saved[ref.StorageKey] != "hello" {
		t.Fatalf("expected saved body hello, got %q", storage.saved[ref.StorageKey])
	}
	if _, err := store.LoadCheckpoint(context.Background(), state.ApplicationID); err != nil {
		t.Fatalf("expected initial checkpoint, got %v", err)
	}
	if len(queue.commands) != 1 || queue.commands[0].ApplicationID != state.ApplicationID {
		t.Fatalf("expected queued run command, got %+v", queue.commands)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != domain.EventSubmitted {
		t.Fatalf("expected submitted event, got %+v", notifier.events)
	}
}

func TestSubmitQueueError(t *testing.T) {
	uc := NewSubmitUseCase(newMemoryStore(), &submitStorageFake{}, &submitQueueFake{err: errors.New("queue down")}, nil, nil)

	_, err := uc.Submit(context.Background(), submitIntake(), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "publish run command") {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestSubmitStorageError(t *testing.T) {
	store := newMemoryStore()
	uc := NewSubmitUseCase(store, &submitStorageFake{err: errors.New("bucket missing")}, &submitQueueFake{}, nil, nil)

	_, err := uc.Submit(context.Background(), submitIntake(), []ports.UploadedDocument{
		{Filename: "a.pdf", Body: strings.NewReader("x")},
	})
	if err == nil || !strings.Contains(err.Error(), "save to object storage") {
		t.Fatalf("expected storage error, got %v", err)
	}
	if store.saves != 0 {
		t.Fatalf("no checkpoint may be written when storage fails")
	}
}

func TestSubmitRejectsEmptyIntake(t *testing.T) {
	uc := NewSubmitUseCase(newMemoryStore(), nil, nil, nil, nil)

	_, err := uc.Submit(context.Background(), domain.IntakeData{}, nil)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSubmitWithoutQueueOnlyCheckpoints(t *testing.T) {
	store := newMemoryStore()
	uc := NewSubmitUseCase(store, nil, nil, nil, nil)

	state, err := uc.Submit(context.Background(), submitIntake(), nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if store.saves != 1 {
		t.Fatalf("expected one checkpoint, got %d", store.saves)
	}
	if err := uc.Enqueue(context.Background(), state.ApplicationID, domain.RunModeRun); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error without queue, got %v", err)
	}
}

func TestEnqueueChecksApplicationAndMode(t *testing.T) {
	store := newMemoryStore()
	queue := &submitQueueFake{}
	uc := NewSubmitUseCase(store, nil, queue, nil, nil)

	if err := uc.Enqueue(context.Background(), "missing", domain.RunModeRetry); !domain.IsKind(err, domain.ErrApplicationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := uc.Enqueue(context.Background(), "missing", "rewind"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	store.states["app-9"] = domain.NewApplicationState("app-9", submitIntake(), nil, engineTestTime)
	if err := uc.Enqueue(context.Background(), "app-9", domain.RunModeRetry); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(queue.commands) != 1 || queue.commands[0].Mode != domain.RunModeRetry {
		t.Fatalf("expected retry command, got %+v", queue.commands)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"report 1.txt":     "report_1.txt",
		"отчёт.pdf":        "_____.pdf",
		"":                 "document.bin",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
