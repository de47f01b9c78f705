package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/decision"
	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
	"github.com/kirillkom/credit-pipeline/internal/core/routing"
)

var engineTestTime = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

type memoryStore struct {
	mu     sync.Mutex
	states map[string]domain.ApplicationState
	saves  int
	failOn map[int]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: map[string]domain.ApplicationState{}, failOn: map[int]error{}}
}

func (s *memoryStore) SaveCheckpoint(_ context.Context, state domain.ApplicationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if err := s.failOn[s.saves]; err != nil {
		return err
	}
	s.states[state.ApplicationID] = state.Clone()
	return nil
}

func (s *memoryStore) LoadCheckpoint(_ context.Context, applicationID string) (domain.ApplicationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[applicationID]
	if !ok {
		return domain.ApplicationState{}, domain.ErrApplicationNotFound
	}
	return state.Clone(), nil
}

type stageFake struct {
	name     domain.StageName
	verdict  domain.Verdict
	err      error
	panicMsg string
	hook     func()
	calls    int
}

func (s *stageFake) Name() domain.StageName { return s.name }

func (s *stageFake) Execute(context.Context, domain.ApplicationState) (domain.StateDelta, error) {
	s.calls++
	if s.hook != nil {
		s.hook()
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return domain.StateDelta{}, s.err
	}
	verdict := s.verdict
	verdict.Stage = s.name
	verdict.CompletedAt = engineTestTime
	return domain.StateDelta{Verdict: &verdict, Narrative: string(s.name) + " done"}, nil
}

type aggregatorFake struct {
	err      error
	panicMsg string
}

func (f *aggregatorFake) Decide(context.Context, domain.ApplicationState) (domain.FinalDecision, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return domain.FinalDecision{}, f.err
}

type notifierFake struct {
	events []domain.PipelineEvent
	err    error
}

func (f *notifierFake) Publish(_ context.Context, event domain.PipelineEvent) error {
	f.events = append(f.events, event)
	return f.err
}

type lockerFake struct {
	err      error
	acquired int
	released int
}

func (f *lockerFake) Acquire(context.Context, string) (func(context.Context) error, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return func(context.Context) error {
		f.released++
		return nil
	}, nil
}

type engineFixture struct {
	engine   *Engine
	store    *memoryStore
	stages   map[domain.StageName]*stageFake
	notifier *notifierFake
	locker   *lockerFake
}

func newEngineFixture(t *testing.T, aggregator ports.DecisionMaker) *engineFixture {
	t.Helper()

	clock := func() time.Time { return engineTestTime }
	if aggregator == nil {
		agg, err := decision.NewAggregator(decision.DefaultPolicy(), nil, decision.WithClock(clock))
		if err != nil {
			t.Fatalf("NewAggregator() error = %v", err)
		}
		aggregator = agg
	}
	router, err := routing.New(routing.DefaultThresholds())
	if err != nil {
		t.Fatalf("routing.New() error = %v", err)
	}

	fx := &engineFixture{
		store:    newMemoryStore(),
		stages:   map[domain.StageName]*stageFake{},
		notifier: &notifierFake{},
		locker:   &lockerFake{},
	}
	stages := make([]ports.Stage, 0, len(domain.AnalysisStages))
	for _, name := range domain.AnalysisStages {
		fake := &stageFake{
			name:    name,
			verdict: domain.Verdict{Score: 0.75, Confidence: 0.9, Status: domain.StatusPassed},
		}
		fx.stages[name] = fake
		stages = append(stages, fake)
	}

	fx.engine, err = NewEngine(stages, router, aggregator, fx.store,
		WithEngineClock(clock),
		WithNotifier(fx.notifier),
		WithRunLocker(fx.locker),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	intake := domain.IntakeData{
		domain.FieldCompanyName:     "Acme Industries LLC",
		domain.FieldRequestedAmount: 1_000_000.0,
		domain.FieldDurationMonths:  24.0,
	}
	fx.store.states["app-1"] = domain.NewApplicationState("app-1", intake, nil, engineTestTime)
	return fx
}

func TestEngineRunCompletesAllStages(t *testing.T) {
	fx := newEngineFixture(t, nil)

	state, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected completed, got %s", state.CurrentStage)
	}
	if state.FinalDecision == nil {
		t.Fatalf("expected final decision")
	}
	if state.FinalDecision.Status != domain.DecisionApproved {
		t.Fatalf("expected approved, got %s", state.FinalDecision.Status)
	}
	if state.FinalDecision.ApprovedAmount != 1_000_000 {
		t.Fatalf("expected full amount, got %v", state.FinalDecision.ApprovedAmount)
	}
	for name, fake := range fx.stages {
		if fake.calls != 1 {
			t.Fatalf("expected %s to run once, got %d", name, fake.calls)
		}
	}
	if len(state.AuditTrail) != len(domain.AnalysisStages)+1 {
		t.Fatalf("expected %d audit entries, got %d", len(domain.AnalysisStages)+1, len(state.AuditTrail))
	}
	if last := state.AuditTrail[len(state.AuditTrail)-1]; last.Actor != actorAggregator {
		t.Fatalf("expected aggregator entry last, got %s", last.Actor)
	}
	if fx.store.saves != len(domain.AnalysisStages)+1 {
		t.Fatalf("expected one checkpoint per transition, got %d", fx.store.saves)
	}
	if state.CompletedAt == nil || state.ElapsedSeconds == nil {
		t.Fatalf("expected completion timestamps")
	}
	if len(fx.notifier.events) != len(domain.AnalysisStages)+1 {
		t.Fatalf("expected %d events, got %d", len(domain.AnalysisStages)+1, len(fx.notifier.events))
	}
	if fx.notifier.events[len(fx.notifier.events)-1].Type != domain.EventDecided {
		t.Fatalf("expected decided event last")
	}
	if fx.locker.acquired != 1 || fx.locker.released != 1 {
		t.Fatalf("expected lock acquire/release once, got %d/%d", fx.locker.acquired, fx.locker.released)
	}
}

func TestEngineErrorVerdictHaltsWithoutDecision(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.stages[domain.StageLegal].verdict = domain.Verdict{
		Score:    0.2,
		Status:   domain.StatusError,
		Findings: []string{"registry unavailable"},
	}

	state, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.CurrentStage != domain.StageErrored {
		t.Fatalf("expected errored, got %s", state.CurrentStage)
	}
	if state.FinalDecision != nil {
		t.Fatalf("expected no final decision")
	}
	if len(state.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %v", state.Errors)
	}
	if !strings.Contains(state.Errors[0], "registry unavailable") {
		t.Fatalf("unexpected error entry: %s", state.Errors[0])
	}
	if fx.stages[domain.StageRisk].calls != 0 {
		t.Fatalf("risk stage must not run after an error")
	}
	if state.Halt == nil || state.Halt.Stage != domain.StageLegal || state.Halt.Action != domain.HaltError {
		t.Fatalf("unexpected halt: %+v", state.Halt)
	}
	if len(state.AuditTrail) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(state.AuditTrail))
	}
}

func TestEngineStageFailureRecordedAsErrorVerdict(t *testing.T) {
	for name, configure := range map[string]func(*stageFake){
		"error": func(s *stageFake) { s.err = errors.New("malformed registry response") },
		"panic": func(s *stageFake) { s.panicMsg = "nil map" },
	} {
		t.Run(name, func(t *testing.T) {
			fx := newEngineFixture(t, nil)
			configure(fx.stages[domain.StageLegal])

			state, err := fx.engine.Run(context.Background(), "app-1")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if state.CurrentStage != domain.StageErrored {
				t.Fatalf("expected errored, got %s", state.CurrentStage)
			}
			result, ok := state.Result(domain.StageLegal)
			if !ok {
				t.Fatalf("expected legal result to be recorded")
			}
			if result.Status != domain.StatusError {
				t.Fatalf("expected error status, got %s", result.Status)
			}
			if len(state.Errors) != 1 || !strings.Contains(state.Errors[0], "stage fault in legal") {
				t.Fatalf("unexpected errors: %v", state.Errors)
			}
		})
	}
}

func TestEngineMalformedVerdictIsStageFault(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.stages[domain.StageValidation].verdict = domain.Verdict{
		Score:   0.9,
		Status:  domain.StatusPassed,
		Details: domain.RiskDetails{Level: domain.RiskLow},
	}

	state, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.CurrentStage != domain.StageErrored {
		t.Fatalf("expected errored, got %s", state.CurrentStage)
	}
	if !strings.Contains(state.Errors[0], "details belong to") {
		t.Fatalf("unexpected errors: %v", state.Errors)
	}
}

func TestEngineRejectRoutesToDecision(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.stages[domain.StageValidation].verdict = domain.Verdict{Score: 0.3, Confidence: 0.9, Status: domain.StatusWarning}

	state, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.CurrentStage != domain.StageRejected {
		t.Fatalf("expected rejected, got %s", state.CurrentStage)
	}
	if state.FinalDecision == nil || state.FinalDecision.Status != domain.DecisionRejected {
		t.Fatalf("expected rejected decision, got %+v", state.FinalDecision)
	}
	if state.Halt == nil || state.Halt.Action != domain.HaltReject {
		t.Fatalf("expected reject halt, got %+v", state.Halt)
	}
	if fx.stages[domain.StageLegal].calls != 0 {
		t.Fatalf("legal stage must be skipped after rejection")
	}
	if fx.notifier.events[0].Type != domain.EventRejectedEarly {
		t.Fatalf("expected early rejection event, got %s", fx.notifier.events[0].Type)
	}
}

func leveragedFinancialVerdict() domain.Verdict {
	return domain.Verdict{
		Score:      0.6,
		Confidence: 0.9,
		Status:     domain.StatusPassed,
		Details: domain.FinancialDetails{
			Stability:      0.8,
			LiquidityRatio: 1.2,
			DebtToEquity:   5,
			CashFlow:       0.8,
		},
	}
}

func TestEngineLateRejectAlwaysYieldsRejectedDecision(t *testing.T) {
	cases := map[string]struct {
		stage   domain.StageName
		verdict domain.Verdict
		reason  string
	}{
		"financial leverage": {
			stage:   domain.StageFinancial,
			verdict: leveragedFinancialVerdict(),
			reason:  "debt to equity 5.00 above 3.00",
		},
		"relevance score": {
			stage:   domain.StageRelevance,
			verdict: domain.Verdict{Score: 0.45, Confidence: 0.9, Status: domain.StatusPassed},
			reason:  "relevance score 0.45 below 0.50",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newEngineFixture(t, nil)
			for _, stage := range fx.stages {
				stage.verdict = domain.Verdict{Score: 0.8, Confidence: 0.9, Status: domain.StatusPassed}
			}
			fx.stages[tc.stage].verdict = tc.verdict

			state, err := fx.engine.Run(context.Background(), "app-1")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if state.CurrentStage != domain.StageRejected {
				t.Fatalf("expected rejected, got %s", state.CurrentStage)
			}
			if state.Halt == nil || state.Halt.Stage != tc.stage || state.Halt.Action != domain.HaltReject {
				t.Fatalf("expected reject halt at %s, got %+v", tc.stage, state.Halt)
			}
			final := state.FinalDecision
			if final == nil || final.Status != domain.DecisionRejected {
				t.Fatalf("expected rejected decision, got %+v", final)
			}
			if final.ApprovedAmount != 0 {
				t.Fatalf("expected no approved amount, got %v", final.ApprovedAmount)
			}
			if !strings.Contains(final.Justification, tc.reason) {
				t.Fatalf("justification %q does not mention %q", final.Justification, tc.reason)
			}
		})
	}
}

func TestEngineResumeFromRejectCheckpointStaysRejected(t *testing.T) {
	fx := newEngineFixture(t, nil)
	for _, stage := range fx.stages {
		stage.verdict = domain.Verdict{Score: 0.8, Confidence: 0.9, Status: domain.StatusPassed}
	}
	fx.stages[domain.StageFinancial].verdict = leveragedFinancialVerdict()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.stages[domain.StageFinancial].hook = cancel

	partial, err := fx.engine.Run(ctx, "app-1")
	if !domain.IsKind(err, domain.ErrCanceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	stored, err := fx.store.LoadCheckpoint(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if stored.CurrentStage != domain.StageDecision || stored.Halt == nil || stored.Halt.Action != domain.HaltReject {
		t.Fatalf("expected decision checkpoint with reject halt, got stage=%s halt=%+v", stored.CurrentStage, stored.Halt)
	}
	if partial.FinalDecision != nil {
		t.Fatalf("expected no decision before resume")
	}

	got, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() resume error = %v", err)
	}
	if got.CurrentStage != domain.StageRejected {
		t.Fatalf("expected rejected after resume, got %s", got.CurrentStage)
	}
	if got.FinalDecision == nil || got.FinalDecision.Status != domain.DecisionRejected {
		t.Fatalf("expected rejected decision after resume, got %+v", got.FinalDecision)
	}
	if fx.stages[domain.StageFinancial].calls != 1 {
		t.Fatalf("expected financial to run once, got %d", fx.stages[domain.StageFinancial].calls)
	}
}

func TestEngineResumeAfterCancelMatchesUninterruptedRun(t *testing.T) {
	reference := newEngineFixture(t, nil)
	want, err := reference.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() reference error = %v", err)
	}

	fx := newEngineFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.stages[domain.StageRisk].hook = cancel

	partial, err := fx.engine.Run(ctx, "app-1")
	if !domain.IsKind(err, domain.ErrCanceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if partial.CurrentStage != domain.StageRelevance {
		t.Fatalf("expected to stop at relevance, got %s", partial.CurrentStage)
	}
	if _, ok := partial.Result(domain.StageRisk); !ok {
		t.Fatalf("expected risk result to be checkpointed")
	}

	got, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() resume error = %v", err)
	}
	for _, name := range domain.AnalysisStages {
		if fx.stages[name].calls != 1 {
			t.Fatalf("expected %s to run once, got %d", name, fx.stages[name].calls)
		}
	}
	if !reflect.DeepEqual(want.AuditTrail, got.AuditTrail) {
		t.Fatalf("audit trail differs after resume:\nwant %+v\ngot  %+v", want.AuditTrail, got.AuditTrail)
	}
	if want.Version != got.Version {
		t.Fatalf("expected version %d, got %d", want.Version, got.Version)
	}
}

func TestEngineRunOnTerminalIsNoop(t *testing.T) {
	fx := newEngineFixture(t, nil)
	first, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	saves := fx.store.saves

	second, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() second error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected stored final state unchanged")
	}
	if fx.store.saves != saves {
		t.Fatalf("expected no new checkpoints, got %d", fx.store.saves-saves)
	}
	if fx.stages[domain.StageValidation].calls != 1 {
		t.Fatalf("expected no stage re-execution")
	}
}

func TestEnginePersistenceFaultErrorsFromLastGoodSnapshot(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.store.failOn[2] = errors.New("disk full")

	state, err := fx.engine.Run(context.Background(), "app-1")
	if !domain.IsFault(err, domain.PersistenceFault) {
		t.Fatalf("expected persistence fault, got %v", err)
	}
	if state.CurrentStage != domain.StageErrored {
		t.Fatalf("expected errored, got %s", state.CurrentStage)
	}
	if _, ok := state.Result(domain.StageLegal); ok {
		t.Fatalf("unsaved legal result must be dropped")
	}
	if _, ok := state.Result(domain.StageValidation); !ok {
		t.Fatalf("expected validation result from last good snapshot")
	}
	if state.Halt == nil || state.Halt.Stage != domain.StageLegal {
		t.Fatalf("expected halt at legal, got %+v", state.Halt)
	}

	stored, err := fx.store.LoadCheckpoint(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if stored.CurrentStage != domain.StageErrored {
		t.Fatalf("expected errored checkpoint, got %s", stored.CurrentStage)
	}

	retried, err := fx.engine.Retry(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected completed after retry, got %s", retried.CurrentStage)
	}
	if fx.stages[domain.StageLegal].calls != 2 || fx.stages[domain.StageValidation].calls != 1 {
		t.Fatalf("unexpected calls: legal=%d validation=%d",
			fx.stages[domain.StageLegal].calls, fx.stages[domain.StageValidation].calls)
	}
	if len(retried.Errors) != 1 {
		t.Fatalf("expected error history to be kept, got %v", retried.Errors)
	}
}

func TestEngineAggregationFaultFallsBackToRequiresReview(t *testing.T) {
	for name, aggregator := range map[string]*aggregatorFake{
		"error": {err: errors.New("weights table unreadable")},
		"panic": {panicMsg: "index out of range"},
	} {
		t.Run(name, func(t *testing.T) {
			fx := newEngineFixture(t, aggregator)

			state, err := fx.engine.Run(context.Background(), "app-1")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if state.CurrentStage != domain.StageCompleted {
				t.Fatalf("expected completed, got %s", state.CurrentStage)
			}
			final := state.FinalDecision
			if final == nil || final.Status != domain.DecisionRequiresReview || !final.Fallback {
				t.Fatalf("expected fallback requires_review decision, got %+v", final)
			}
			if final.ApprovedAmount != 0 {
				t.Fatalf("expected no approved amount, got %v", final.ApprovedAmount)
			}
			if len(state.Errors) != 1 || !strings.Contains(state.Errors[0], "aggregation fault") {
				t.Fatalf("unexpected errors: %v", state.Errors)
			}
		})
	}
}

func TestEngineForceResolveErroredApplication(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.stages[domain.StageLegal].verdict = domain.Verdict{Status: domain.StatusError}

	if _, err := fx.engine.Run(context.Background(), "app-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	state, err := fx.engine.ForceResolve(context.Background(), "app-1", "documents verified by phone")
	if err != nil {
		t.Fatalf("ForceResolve() error = %v", err)
	}
	if state.FinalDecision == nil || !state.FinalDecision.Forced {
		t.Fatalf("expected forced decision, got %+v", state.FinalDecision)
	}
	if state.CurrentStage != domain.StageRejected {
		t.Fatalf("expected rejected after four critical failures, got %s", state.CurrentStage)
	}
	if fx.stages[domain.StageRisk].calls != 0 {
		t.Fatalf("force resolve must not run remaining stages")
	}

	_, err = fx.engine.ForceResolve(context.Background(), "app-1", "again")
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on terminal application, got %v", err)
	}
}

func TestEngineRetryRequiresErroredApplication(t *testing.T) {
	fx := newEngineFixture(t, nil)

	_, err := fx.engine.Retry(context.Background(), "app-1")
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := fx.engine.ForceResolve(context.Background(), "app-1", ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty reason, got %v", err)
	}
}

func TestEngineNotifierFailureDoesNotBlockRun(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.notifier.err = errors.New("nats down")

	state, err := fx.engine.Run(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.CurrentStage != domain.StageCompleted {
		t.Fatalf("expected completed, got %s", state.CurrentStage)
	}
}

func TestEngineLockConflict(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.locker.err = domain.WrapError(domain.ErrConflict, "acquire run lock", errors.New("held by another worker"))

	_, err := fx.engine.Run(context.Background(), "app-1")
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if fx.stages[domain.StageValidation].calls != 0 {
		t.Fatalf("no stage may run without the lock")
	}
}

func TestEngineUnknownApplication(t *testing.T) {
	fx := newEngineFixture(t, nil)

	_, err := fx.engine.Run(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrApplicationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewEngineRequiresEveryStage(t *testing.T) {
	router, err := routing.New(routing.DefaultThresholds())
	if err != nil {
		t.Fatalf("routing.New() error = %v", err)
	}
	stages := []ports.Stage{&stageFake{name: domain.StageValidation}}

	_, err = NewEngine(stages, router, &aggregatorFake{}, newMemoryStore())
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
