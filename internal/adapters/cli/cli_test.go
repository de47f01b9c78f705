package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/credit-pipeline/internal/config"
	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

type fakeBackend struct {
	states    map[string]domain.ApplicationState
	submitted []domain.IntakeData
	documents []ports.UploadedDocument
	enqueued  []domain.RunMode
	calls     []string
	closed    int
	cfg       config.Config
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{states: map[string]domain.ApplicationState{}}
}

func (f *fakeBackend) factory(_ context.Context, cfg config.Config, _ *slog.Logger) (*Backend, error) {
	f.cfg = cfg
	return &Backend{
		Submitter: f,
		Runner:    f,
		Reader:    f,
		Lister:    f,
		Close:     func() { f.closed++ },
	}, nil
}

func (f *fakeBackend) Submit(_ context.Context, intake domain.IntakeData, docs []ports.UploadedDocument) (domain.ApplicationState, error) {
	f.submitted = append(f.submitted, intake)
	f.documents = append(f.documents, docs...)
	state := domain.NewApplicationState("app-1", intake, nil, time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC))
	f.states[state.ApplicationID] = state
	return state, nil
}

func (f *fakeBackend) Enqueue(_ context.Context, id string, mode domain.RunMode) error {
	if _, ok := f.states[id]; !ok {
		return domain.WrapError(domain.ErrApplicationNotFound, "enqueue", errors.New(id))
	}
	f.enqueued = append(f.enqueued, mode)
	return nil
}

func (f *fakeBackend) Run(_ context.Context, id string) (domain.ApplicationState, error) {
	f.calls = append(f.calls, "run:"+id)
	return f.decided(id, false)
}

func (f *fakeBackend) Retry(_ context.Context, id string) (domain.ApplicationState, error) {
	f.calls = append(f.calls, "retry:"+id)
	return f.decided(id, false)
}

func (f *fakeBackend) ForceResolve(_ context.Context, id, reason string) (domain.ApplicationState, error) {
	f.calls = append(f.calls, "resolve:"+id+":"+reason)
	return f.decided(id, true)
}

func (f *fakeBackend) LoadCheckpoint(_ context.Context, id string) (domain.ApplicationState, error) {
	state, ok := f.states[id]
	if !ok {
		return domain.ApplicationState{}, domain.WrapError(domain.ErrApplicationNotFound, "load checkpoint", errors.New(id))
	}
	return state, nil
}

func (f *fakeBackend) ListCheckpoints(_ context.Context, stage domain.StageName, _ int) ([]ports.CheckpointSummary, error) {
	var out []ports.CheckpointSummary
	for _, state := range f.states {
		if stage != "" && state.CurrentStage != stage {
			continue
		}
		out = append(out, ports.CheckpointSummary{
			ApplicationID: state.ApplicationID,
			CurrentStage:  state.CurrentStage,
			Version:       state.Version,
			UpdatedAt:     state.UpdatedAt,
		})
	}
	return out, nil
}

func (f *fakeBackend) decided(id string, forced bool) (domain.ApplicationState, error) {
	state, err := f.LoadCheckpoint(context.Background(), id)
	if err != nil {
		return state, err
	}
	state.CurrentStage = domain.StageCompleted
	state.Version++
	state.FinalDecision = &domain.FinalDecision{
		Status:          domain.DecisionConditional,
		FinalScore:      0.68,
		Confidence:      0.7,
		RequestedAmount: 1000000,
		ApprovedAmount:  800000,
		Conditions:      []string{"quarterly reporting"},
		Forced:          forced,
	}
	f.states[id] = state
	return state, nil
}

func executeCommand(f *fakeBackend, stdin string, args ...string) (string, error) {
	root := NewRootCommand(f.factory)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := executeCommand(newFakeBackend(), "", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"submit", "run", "retry", "resolve", "status", "list", "export", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q", sub)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	defer SetVersion("dev")

	out, err := executeCommand(newFakeBackend(), "", "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version in output, got %q", out)
	}
}

func TestSubmitReadsIntakeFromStdinAndRuns(t *testing.T) {
	f := newFakeBackend()
	out, err := executeCommand(f, `{"company_name":"Acme","requested_amount":1000000}`,
		"submit", "--run", "--backend", "sqlite", "--no-review")
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}

	if len(f.submitted) != 1 || f.submitted[0].String(domain.FieldCompanyName) != "Acme" {
		t.Fatalf("unexpected submitted intake %v", f.submitted)
	}
	if amount, ok := f.submitted[0].Float(domain.FieldRequestedAmount); !ok || amount != 1000000 {
		t.Fatalf("expected numeric amount, got %v", f.submitted[0][domain.FieldRequestedAmount])
	}
	if len(f.calls) != 1 || f.calls[0] != "run:app-1" {
		t.Fatalf("expected in-process run, got %v", f.calls)
	}
	if !strings.Contains(out, "conditional") || !strings.Contains(out, "800000.00 of 1000000.00") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if f.cfg.CheckpointBackend != "sqlite" || f.cfg.ReviewEnabled || f.cfg.NATSURL != "" {
		t.Fatalf("flags not applied to config: %+v", f.cfg)
	}
	if f.closed != 1 {
		t.Fatalf("expected backend closed once, got %d", f.closed)
	}
}

func TestSubmitUploadsDocuments(t *testing.T) {
	dir := t.TempDir()
	intakePath := filepath.Join(dir, "intake.json")
	docPath := filepath.Join(dir, "plan.txt")
	if err := os.WriteFile(intakePath, []byte(`{"company_name":"Acme"}`), 0o644); err != nil {
		t.Fatalf("write intake: %v", err)
	}
	if err := os.WriteFile(docPath, []byte("business plan text"), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}

	f := newFakeBackend()
	if _, err := executeCommand(f, "", "submit", "--intake", intakePath, "--document", docPath); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	if len(f.documents) != 1 {
		t.Fatalf("expected one document, got %d", len(f.documents))
	}
	doc := f.documents[0]
	if doc.Filename != "plan.txt" || !strings.HasPrefix(doc.MimeType, "text/plain") {
		t.Fatalf("unexpected document %+v", doc)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no run without --run, got %v", f.calls)
	}
}

func TestSubmitRejectsRunWithQueue(t *testing.T) {
	_, err := executeCommand(newFakeBackend(), `{"company_name":"Acme"}`,
		"submit", "--run", "--nats-url", "nats://localhost:4222")
	if err == nil || !strings.Contains(err.Error(), "--nats-url") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestSubmitRejectsEmptyIntake(t *testing.T) {
	_, err := executeCommand(newFakeBackend(), `{}`, "submit")
	if err == nil {
		t.Fatalf("expected error for empty intake")
	}
}

func TestRetryQueuesWhenRequested(t *testing.T) {
	f := newFakeBackend()
	f.states["app-1"] = domain.NewApplicationState("app-1", domain.IntakeData{"company_name": "Acme"}, nil, time.Now())

	out, err := executeCommand(f, "", "retry", "app-1", "--queue")
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if len(f.enqueued) != 1 || f.enqueued[0] != domain.RunModeRetry {
		t.Fatalf("expected queued retry, got %v", f.enqueued)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no in-process run, got %v", f.calls)
	}
	if !strings.Contains(out, "queued retry for app-1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestResolveRequiresReason(t *testing.T) {
	f := newFakeBackend()
	if _, err := executeCommand(f, "", "resolve", "app-1"); err == nil {
		t.Fatalf("expected missing --reason error")
	}

	f.states["app-1"] = domain.NewApplicationState("app-1", domain.IntakeData{"company_name": "Acme"}, nil, time.Now())
	if _, err := executeCommand(f, "", "resolve", "app-1", "--reason", "committee override"); err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "resolve:app-1:committee override" {
		t.Fatalf("unexpected calls %v", f.calls)
	}
}

func TestStatusNotFound(t *testing.T) {
	_, err := executeCommand(newFakeBackend(), "", "status", "missing")
	if !domain.IsKind(err, domain.ErrApplicationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusJSON(t *testing.T) {
	f := newFakeBackend()
	f.states["app-1"] = domain.NewApplicationState("app-1", domain.IntakeData{"company_name": "Acme"}, nil, time.Now())

	out, err := executeCommand(f, "", "status", "app-1", "--format", "json")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, `"application_id": "app-1"`) || !strings.Contains(out, `"current_stage": "validation"`) {
		t.Fatalf("unexpected json output:\n%s", out)
	}
}

func TestListFiltersAndValidatesStage(t *testing.T) {
	f := newFakeBackend()
	f.states["app-1"] = domain.NewApplicationState("app-1", domain.IntakeData{"company_name": "Acme"}, nil, time.Now())

	out, err := executeCommand(f, "", "list", "--stage", "validation")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "APPLICATION") || !strings.Contains(out, "app-1") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	if _, err := executeCommand(f, "", "list", "--stage", "underwriting"); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

func TestExportWritesWorkbook(t *testing.T) {
	f := newFakeBackend()
	f.states["app-1"] = domain.NewApplicationState("app-1", domain.IntakeData{"company_name": "Acme"}, nil, time.Now())
	if _, err := f.decided("app-1", false); err != nil {
		t.Fatalf("decided() error = %v", err)
	}
	outPath := filepath.Join(t.TempDir(), "report.xlsx")

	if _, err := executeCommand(f, "", "export", "app-1", "--out", outPath); err != nil {
		t.Fatalf("export error = %v", err)
	}
	book, err := excelize.OpenFile(outPath)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer book.Close()
	if idx, err := book.GetSheetIndex("Summary"); err != nil || idx < 0 {
		t.Fatalf("expected Summary sheet, idx=%d err=%v", idx, err)
	}
}

func TestUnknownBackendFlag(t *testing.T) {
	_, err := executeCommand(newFakeBackend(), "", "list", "--backend", "mysql")
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected backend validation error, got %v", err)
	}
}
