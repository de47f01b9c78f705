package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/decision"
	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
	"github.com/kirillkom/credit-pipeline/internal/core/routing"
)

const (
	defaultNotifyTimeout = 2 * time.Second

	actorAggregator = "decision_aggregator"
	actorOperator   = "operator"
)

// Engine drives applications through the stage machine. Every transition is
// checkpointed before the next stage starts, so Run can resume any
// non-terminal snapshot without re-executing completed stages.
type Engine struct {
	stages        map[domain.StageName]ports.Stage
	router        *routing.Router
	aggregator    ports.DecisionMaker
	store         ports.CheckpointStore
	notifier      ports.Notifier
	locker        ports.RunLocker
	observer      ports.PipelineObserver
	logger        *slog.Logger
	now           func() time.Time
	notifyTimeout time.Duration
}

type EngineOption func(*Engine)

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithNotifier(notifier ports.Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

func WithRunLocker(locker ports.RunLocker) EngineOption {
	return func(e *Engine) {
		e.locker = locker
	}
}

func WithObserver(observer ports.PipelineObserver) EngineOption {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithNotifyTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.notifyTimeout = timeout
		}
	}
}

func NewEngine(
	stages []ports.Stage,
	router *routing.Router,
	aggregator ports.DecisionMaker,
	store ports.CheckpointStore,
	opts ...EngineOption,
) (*Engine, error) {
	if router == nil || aggregator == nil || store == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "new engine", errors.New("router, aggregator and store are required"))
	}

	table := make(map[domain.StageName]ports.Stage, len(stages))
	for _, stage := range stages {
		name := stage.Name()
		if !name.IsAnalysis() {
			return nil, domain.WrapError(domain.ErrInvalidInput, "new engine", fmt.Errorf("%q is not an analysis stage", name))
		}
		if _, dup := table[name]; dup {
			return nil, domain.WrapError(domain.ErrInvalidInput, "new engine", fmt.Errorf("duplicate stage %q", name))
		}
		table[name] = stage
	}
	for _, name := range domain.AnalysisStages {
		if _, ok := table[name]; !ok {
			return nil, domain.WrapError(domain.ErrInvalidInput, "new engine", fmt.Errorf("missing stage %q", name))
		}
	}

	e := &Engine{
		stages:        table,
		router:        router,
		aggregator:    aggregator,
		store:         store,
		observer:      noopObserver{},
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run continues an application from its checkpoint until it reaches a
// terminal stage. Terminal applications are returned unchanged.
func (e *Engine) Run(ctx context.Context, applicationID string) (domain.ApplicationState, error) {
	release, err := e.lock(ctx, applicationID)
	if err != nil {
		return domain.ApplicationState{}, err
	}
	defer release()

	state, err := e.load(ctx, applicationID)
	if err != nil {
		return domain.ApplicationState{}, err
	}
	if state.IsTerminal() {
		return state, nil
	}
	return e.drive(ctx, state)
}

// Retry reopens an Errored application at the stage that halted it and runs
// it again.
func (e *Engine) Retry(ctx context.Context, applicationID string) (domain.ApplicationState, error) {
	release, err := e.lock(ctx, applicationID)
	if err != nil {
		return domain.ApplicationState{}, err
	}
	defer release()

	state, err := e.load(ctx, applicationID)
	if err != nil {
		return domain.ApplicationState{}, err
	}
	if state.CurrentStage != domain.StageErrored {
		return state, domain.WrapError(domain.ErrConflict, "retry", fmt.Errorf("application is %s", state.CurrentStage))
	}
	if state.Halt == nil {
		return state, domain.WrapError(domain.ErrConflict, "retry", errors.New("no halted stage recorded"))
	}

	reopened, err := state.Reopen(state.Halt.Stage, domain.AuditEntry{
		Actor:     actorOperator,
		Stage:     state.Halt.Stage,
		Narrative: "retry requested for " + string(state.Halt.Stage),
		Timestamp: e.now(),
	}, e.now())
	if err != nil {
		return state, fmt.Errorf("retry: %w", err)
	}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), reopened); err != nil {
		return state, domain.NewFault(domain.PersistenceFault, reopened.CurrentStage, "save checkpoint", err)
	}

	e.logger.Info("application_retry",
		"application_id", applicationID,
		"stage", reopened.CurrentStage,
	)
	return e.drive(ctx, reopened)
}

// ForceResolve sends an Errored application straight to the aggregator. The
// resulting decision is marked as forced.
func (e *Engine) ForceResolve(ctx context.Context, applicationID, reason string) (domain.ApplicationState, error) {
	if reason == "" {
		return domain.ApplicationState{}, domain.WrapError(domain.ErrInvalidInput, "force resolve", errors.New("reason is required"))
	}
	release, err := e.lock(ctx, applicationID)
	if err != nil {
		return domain.ApplicationState{}, err
	}
	defer release()

	state, err := e.load(ctx, applicationID)
	if err != nil {
		return domain.ApplicationState{}, err
	}
	if state.CurrentStage != domain.StageErrored {
		return state, domain.WrapError(domain.ErrConflict, "force resolve", fmt.Errorf("application is %s", state.CurrentStage))
	}

	now := e.now()
	reopened, err := state.Reopen(domain.StageDecision, domain.AuditEntry{
		Actor:     actorOperator,
		Stage:     domain.StageDecision,
		Narrative: "force resolve: " + reason,
		Timestamp: now,
	}, now)
	if err != nil {
		return state, fmt.Errorf("force resolve: %w", err)
	}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), reopened); err != nil {
		return state, domain.NewFault(domain.PersistenceFault, domain.StageDecision, "save checkpoint", err)
	}

	e.logger.Warn("application_force_resolve",
		"application_id", applicationID,
		"reason", reason,
	)
	e.observer.RunStarted()
	started := time.Now()
	final, err := e.decide(ctx, reopened, true)
	e.observer.RunFinished(final.CurrentStage, time.Since(started))
	return final, err
}

func (e *Engine) drive(ctx context.Context, state domain.ApplicationState) (domain.ApplicationState, error) {
	e.observer.RunStarted()
	started := time.Now()
	defer func() {
		e.observer.RunFinished(state.CurrentStage, time.Since(started))
	}()

	for !state.IsTerminal() {
		if err := ctx.Err(); err != nil {
			e.logger.Info("run_canceled",
				"application_id", state.ApplicationID,
				"stage", state.CurrentStage,
			)
			return state, domain.WrapError(domain.ErrCanceled, "run "+state.ApplicationID, err)
		}

		var err error
		if state.CurrentStage == domain.StageDecision {
			state, err = e.decide(ctx, state, false)
		} else {
			state, err = e.step(ctx, state)
		}
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

// step runs the current analysis stage, routes its verdict and checkpoints
// the resulting snapshot.
func (e *Engine) step(ctx context.Context, state domain.ApplicationState) (domain.ApplicationState, error) {
	name := state.CurrentStage
	stage, ok := e.stages[name]
	if !ok {
		fault := domain.NewFault(domain.StageFault, name, "lookup", errors.New("no stage registered"))
		return e.fail(ctx, state, name, fault)
	}

	started := time.Now()
	delta, err := e.execute(ctx, stage, state)
	if err == nil {
		err = checkVerdict(name, delta.Verdict)
	}
	now := e.now()
	if err != nil {
		fault, isFault := domain.FaultOf(err)
		if !isFault || fault.Kind != domain.StageFault {
			fault = domain.NewFault(domain.StageFault, name, "execute", err)
		}
		e.logger.Error("stage_fault",
			"application_id", state.ApplicationID,
			"stage", name,
			"error", fault,
		)
		delta = domain.StateDelta{
			Verdict: &domain.Verdict{
				Stage:       name,
				Status:      domain.StatusError,
				Findings:    []string{fault.Error()},
				CompletedAt: now,
			},
			Narrative: fault.Error(),
		}
	}

	route := e.router.Next(name, delta.Verdict, state)
	tr := domain.Transition{
		Stage: name,
		Next:  route.Next,
		At:    now,
		Audit: stageAudit(name, delta, route, now),
	}
	switch route.Action {
	case routing.ActionReject:
		tr.Halt = &domain.Halt{Stage: name, Action: domain.HaltReject, Reasons: route.Reasons, At: now}
	case routing.ActionError:
		tr.Halt = &domain.Halt{Stage: name, Action: domain.HaltError, Reasons: route.Reasons, At: now}
		tr.Error = fmt.Sprintf("%s: %s", name, route.Reason())
	}

	next, err := state.Apply(delta, tr)
	if err != nil {
		return e.fail(ctx, state, name, domain.NewFault(domain.StageFault, name, "apply", err))
	}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), next); err != nil {
		return e.fail(ctx, state, name, domain.NewFault(domain.PersistenceFault, name, "save checkpoint", err))
	}

	e.observer.ObserveStage(name, string(route.Action), time.Since(started))
	e.logger.Info("stage_completed",
		"application_id", next.ApplicationID,
		"stage", name,
		"action", route.Action,
		"next", next.CurrentStage,
		"version", next.Version,
	)
	event := domain.PipelineEvent{
		ApplicationID: next.ApplicationID,
		Type:          eventForAction(route.Action),
		Stage:         name,
		CurrentStage:  next.CurrentStage,
		Version:       next.Version,
		At:            now,
	}
	if delta.Verdict != nil {
		event.Status = string(delta.Verdict.Status)
		event.Score = delta.Verdict.Score
	}
	if len(route.Reasons) > 0 {
		event.Attributes = map[string]any{"reasons": route.Reasons}
	}
	e.notify(ctx, event)
	return next, nil
}

// decide runs the aggregator. Aggregation faults become a conservative
// requires_review decision rather than an Errored application.
func (e *Engine) decide(ctx context.Context, state domain.ApplicationState, forced bool) (domain.ApplicationState, error) {
	started := time.Now()
	final, err := e.aggregate(ctx, state)
	now := e.now()

	var errs []string
	if err != nil {
		fault, isFault := domain.FaultOf(err)
		if !isFault || fault.Kind != domain.AggregationFault {
			fault = domain.NewFault(domain.AggregationFault, domain.StageDecision, "decide", err)
		}
		e.logger.Warn("decision_fallback",
			"application_id", state.ApplicationID,
			"error", fault,
		)
		final = decision.FallbackDecision(state, fault, now)
		errs = []string{fault.Error()}
	}
	final.Forced = forced

	route := e.router.Finish(final)
	audit := domain.AuditEntry{
		Actor:      actorAggregator,
		Stage:      domain.StageDecision,
		Narrative:  final.Justification,
		Confidence: final.Confidence,
		Metadata: map[string]any{
			"status":            string(final.Status),
			"final_score":       final.FinalScore,
			"critical_failures": final.CriticalFailures,
			"approved_amount":   final.ApprovedAmount,
			"fallback":          final.Fallback,
			"forced":            forced,
		},
		Timestamp: now,
	}

	next, err := state.Finalize(final, route.Next, audit, errs, now)
	if err != nil {
		return e.fail(ctx, state, domain.StageDecision, domain.NewFault(domain.StageFault, domain.StageDecision, "finalize", err))
	}
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), next); err != nil {
		return e.fail(ctx, state, domain.StageDecision, domain.NewFault(domain.PersistenceFault, domain.StageDecision, "save checkpoint", err))
	}

	e.observer.ObserveStage(domain.StageDecision, string(route.Action), time.Since(started))
	e.observer.ObserveDecision(final.Status, final.Fallback)
	e.logger.Info("application_decided",
		"application_id", next.ApplicationID,
		"status", final.Status,
		"final_score", final.FinalScore,
		"fallback", final.Fallback,
		"forced", forced,
	)
	e.notify(ctx, domain.PipelineEvent{
		ApplicationID: next.ApplicationID,
		Type:          domain.EventDecided,
		Stage:         domain.StageDecision,
		CurrentStage:  next.CurrentStage,
		Status:        string(final.Status),
		Score:         final.FinalScore,
		Version:       next.Version,
		At:            now,
		Attributes: map[string]any{
			"approved_amount": final.ApprovedAmount,
			"fallback":        final.Fallback,
		},
	})
	return next, nil
}

// fail moves the last good snapshot to Errored. The errored snapshot is saved
// best-effort; the fault is always returned.
func (e *Engine) fail(ctx context.Context, last domain.ApplicationState, stage domain.StageName, fault *domain.Fault) (domain.ApplicationState, error) {
	now := e.now()
	failed := last.Fail(stage, fault.Error(), now)

	e.logger.Error("run_errored",
		"application_id", last.ApplicationID,
		"stage", stage,
		"fault", string(fault.Kind),
		"error", fault,
	)
	if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), failed); err != nil {
		e.logger.Error("errored_checkpoint_save_failed",
			"application_id", last.ApplicationID,
			"error", err,
		)
	}
	e.observer.ObserveStage(stage, string(fault.Kind)+"_fault", 0)
	e.notify(ctx, domain.PipelineEvent{
		ApplicationID: failed.ApplicationID,
		Type:          domain.EventErrored,
		Stage:         stage,
		CurrentStage:  failed.CurrentStage,
		Version:       failed.Version,
		At:            now,
		Attributes:    map[string]any{"fault": string(fault.Kind)},
	})
	return failed, fault
}

func (e *Engine) execute(ctx context.Context, stage ports.Stage, state domain.ApplicationState) (delta domain.StateDelta, err error) {
	defer func() {
		if r := recover(); r != nil {
			delta = domain.StateDelta{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	// Stages are never interrupted mid-execution; cancellation is observed
	// between stages.
	return stage.Execute(context.WithoutCancel(ctx), state.Clone())
}

func (e *Engine) aggregate(ctx context.Context, state domain.ApplicationState) (final domain.FinalDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			final = domain.FinalDecision{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.aggregator.Decide(context.WithoutCancel(ctx), state.Clone())
}

func (e *Engine) load(ctx context.Context, applicationID string) (domain.ApplicationState, error) {
	if applicationID == "" {
		return domain.ApplicationState{}, domain.WrapError(domain.ErrInvalidInput, "load checkpoint", errors.New("application id is required"))
	}
	state, err := e.store.LoadCheckpoint(ctx, applicationID)
	if err != nil {
		if domain.IsKind(err, domain.ErrApplicationNotFound) {
			return domain.ApplicationState{}, fmt.Errorf("load checkpoint %s: %w", applicationID, err)
		}
		return domain.ApplicationState{}, domain.NewFault(domain.PersistenceFault, "", "load checkpoint", err)
	}
	return state, nil
}

func (e *Engine) lock(ctx context.Context, applicationID string) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	release, err := e.locker.Acquire(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("run_lock_release_failed",
				"application_id", applicationID,
				"error", err,
			)
		}
	}, nil
}

func (e *Engine) notify(ctx context.Context, event domain.PipelineEvent) {
	if e.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
	defer cancel()
	if err := e.notifier.Publish(notifyCtx, event); err != nil {
		e.logger.Warn("event_publish_failed",
			"application_id", event.ApplicationID,
			"event", event.Type,
			"error", err,
		)
	}
}

func checkVerdict(stage domain.StageName, verdict *domain.Verdict) error {
	if verdict == nil {
		return nil
	}
	if verdict.Stage != stage {
		return fmt.Errorf("verdict belongs to %q", verdict.Stage)
	}
	if verdict.Details != nil && domain.DetailsStage(verdict.Details) != stage {
		return fmt.Errorf("details belong to %q", domain.DetailsStage(verdict.Details))
	}
	return nil
}

func stageAudit(stage domain.StageName, delta domain.StateDelta, route routing.Route, at time.Time) domain.AuditEntry {
	entry := domain.AuditEntry{
		Actor:     string(stage) + "_stage",
		Stage:     stage,
		Narrative: delta.Narrative,
		Metadata:  map[string]any{"route": string(route.Action)},
		Timestamp: at,
	}
	for k, v := range delta.Metadata {
		entry.Metadata[k] = v
	}
	if delta.Verdict != nil {
		entry.Confidence = domain.Clamp01(delta.Verdict.Confidence)
		entry.Metadata["score"] = domain.Clamp01(delta.Verdict.Score)
		entry.Metadata["status"] = string(delta.Verdict.Status)
		if entry.Narrative == "" {
			entry.Narrative = delta.Verdict.Summary
		}
	}
	if len(route.Reasons) > 0 {
		entry.Metadata["reasons"] = route.Reason()
	}
	return entry
}

func eventForAction(action routing.Action) domain.EventType {
	switch action {
	case routing.ActionReject:
		return domain.EventRejectedEarly
	case routing.ActionError:
		return domain.EventErrored
	default:
		return domain.EventStageCompleted
	}
}

type noopObserver struct{}

func (noopObserver) ObserveStage(domain.StageName, string, time.Duration) {}
func (noopObserver) ObserveDecision(domain.DecisionStatus, bool)          {}
func (noopObserver) RunStarted()                                          {}
func (noopObserver) RunFinished(domain.StageName, time.Duration)          {}
