package domain

import (
	"fmt"
	"time"
)

// AuditEntry records one actor's contribution to an application.
type AuditEntry struct {
	Actor      string         `json:"actor"`
	Stage      StageName      `json:"stage"`
	Narrative  string         `json:"narrative"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type HaltAction string

const (
	HaltReject HaltAction = "reject"
	HaltError  HaltAction = "error"
)

// Halt records the stage that stopped normal advancement.
type Halt struct {
	Stage   StageName  `json:"stage"`
	Action  HaltAction `json:"action"`
	Reasons []string   `json:"reasons,omitempty"`
	At      time.Time  `json:"at"`
}

// ApplicationState is one application's checkpointed progress. Values are
// treated as immutable snapshots: every transition returns a new value.
type ApplicationState struct {
	ApplicationID  string                `json:"application_id"`
	Version        int64                 `json:"version"`
	Intake         IntakeData            `json:"intake"`
	Documents      []DocumentRef         `json:"documents,omitempty"`
	StageResults   map[StageName]Verdict `json:"stage_results"`
	CurrentStage   StageName             `json:"current_stage"`
	Errors         []string              `json:"errors"`
	Warnings       []string              `json:"warnings"`
	AuditTrail     []AuditEntry          `json:"audit_trail"`
	FinalDecision  *FinalDecision        `json:"final_decision,omitempty"`
	Halt           *Halt                 `json:"halt,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	ElapsedSeconds *float64              `json:"elapsed_seconds,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func NewApplicationState(id string, intake IntakeData, documents []DocumentRef, now time.Time) ApplicationState {
	return ApplicationState{
		ApplicationID: id,
		Version:       1,
		Intake:        intake.Clone(),
		Documents:     append([]DocumentRef(nil), documents...),
		StageResults:  map[StageName]Verdict{},
		CurrentStage:  StageValidation,
		Errors:        []string{},
		Warnings:      []string{},
		AuditTrail:    []AuditEntry{},
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

func (s ApplicationState) IsTerminal() bool {
	return s.CurrentStage.IsTerminal()
}

func (s ApplicationState) Result(stage StageName) (Verdict, bool) {
	v, ok := s.StageResults[stage]
	return v, ok
}

// Clone deep-copies every mutable field.
func (s ApplicationState) Clone() ApplicationState {
	out := s
	out.Intake = s.Intake.Clone()
	out.Documents = append([]DocumentRef(nil), s.Documents...)
	out.StageResults = make(map[StageName]Verdict, len(s.StageResults))
	for k, v := range s.StageResults {
		out.StageResults[k] = cloneVerdict(v)
	}
	out.Errors = append([]string{}, s.Errors...)
	out.Warnings = append([]string{}, s.Warnings...)
	out.AuditTrail = make([]AuditEntry, len(s.AuditTrail))
	for i, entry := range s.AuditTrail {
		out.AuditTrail[i] = cloneAudit(entry)
	}
	out.FinalDecision = s.FinalDecision.Clone()
	if s.Halt != nil {
		halt := *s.Halt
		halt.Reasons = append([]string(nil), s.Halt.Reasons...)
		out.Halt = &halt
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	if s.ElapsedSeconds != nil {
		elapsed := *s.ElapsedSeconds
		out.ElapsedSeconds = &elapsed
	}
	return out
}

// StateDelta is a stage's partial update.
type StateDelta struct {
	Verdict   *Verdict
	Warnings  []string
	Errors    []string
	Narrative string
	Metadata  map[string]any
}

// Transition tells Apply where the application goes after a stage.
type Transition struct {
	Stage StageName
	Next  StageName
	Halt  *Halt
	// Error is appended to Errors when Next is StageErrored.
	Error string
	Audit AuditEntry
	At    time.Time
}

// Apply merges an analysis stage's delta and moves to the next stage. The
// receiver is left untouched.
func (s ApplicationState) Apply(delta StateDelta, tr Transition) (ApplicationState, error) {
	if s.IsTerminal() {
		return ApplicationState{}, fmt.Errorf("apply %s: application is terminal (%s): %w", tr.Stage, s.CurrentStage, ErrConflict)
	}
	if s.CurrentStage != tr.Stage {
		return ApplicationState{}, fmt.Errorf("apply %s: current stage is %s: %w", tr.Stage, s.CurrentStage, ErrConflict)
	}
	if !tr.Stage.IsAnalysis() {
		return ApplicationState{}, fmt.Errorf("apply %s: not an analysis stage: %w", tr.Stage, ErrInvalidInput)
	}
	if err := validateNext(tr.Stage, tr.Next); err != nil {
		return ApplicationState{}, err
	}
	if delta.Verdict != nil && delta.Verdict.Stage != tr.Stage {
		return ApplicationState{}, fmt.Errorf("apply %s: verdict belongs to %s: %w", tr.Stage, delta.Verdict.Stage, ErrInvalidInput)
	}
	if delta.Verdict != nil && delta.Verdict.Details != nil && DetailsStage(delta.Verdict.Details) != tr.Stage {
		return ApplicationState{}, fmt.Errorf("apply %s: details belong to %s: %w", tr.Stage, DetailsStage(delta.Verdict.Details), ErrInvalidInput)
	}

	out := s.Clone()
	if delta.Verdict != nil {
		out.StageResults[tr.Stage] = cloneVerdict(delta.Verdict.Normalize())
	}
	out.Warnings = append(out.Warnings, delta.Warnings...)
	out.Errors = append(out.Errors, delta.Errors...)
	if tr.Next == StageErrored && tr.Error != "" {
		out.Errors = append(out.Errors, tr.Error)
	}
	out.AuditTrail = append(out.AuditTrail, cloneAudit(tr.Audit))
	if tr.Halt != nil {
		halt := *tr.Halt
		out.Halt = &halt
	}
	out.advance(tr.Next, tr.At)
	return out, nil
}

// Finalize records the aggregator's decision and moves to Completed or Rejected.
func (s ApplicationState) Finalize(decision FinalDecision, next StageName, audit AuditEntry, errs []string, at time.Time) (ApplicationState, error) {
	if s.CurrentStage != StageDecision {
		return ApplicationState{}, fmt.Errorf("finalize: current stage is %s: %w", s.CurrentStage, ErrConflict)
	}
	if s.FinalDecision != nil {
		return ApplicationState{}, fmt.Errorf("finalize: decision already recorded: %w", ErrConflict)
	}
	if next != StageCompleted && next != StageRejected {
		return ApplicationState{}, fmt.Errorf("finalize: invalid terminal stage %s: %w", next, ErrInvalidInput)
	}

	out := s.Clone()
	out.FinalDecision = decision.Clone()
	out.Errors = append(out.Errors, errs...)
	out.AuditTrail = append(out.AuditTrail, cloneAudit(audit))
	out.advance(next, at)
	return out, nil
}

// Fail moves a non-terminal snapshot straight to Errored. It is used when a
// transition cannot be made durable, so the delta that produced it is dropped.
func (s ApplicationState) Fail(stage StageName, message string, at time.Time) ApplicationState {
	out := s.Clone()
	out.Errors = append(out.Errors, message)
	out.Halt = &Halt{Stage: stage, Action: HaltError, Reasons: []string{message}, At: at}
	out.advance(StageErrored, at)
	return out
}

// Reopen returns an Errored application to a runnable stage after operator
// intervention. Completion timestamps are cleared.
func (s ApplicationState) Reopen(stage StageName, audit AuditEntry, at time.Time) (ApplicationState, error) {
	if s.CurrentStage != StageErrored {
		return ApplicationState{}, fmt.Errorf("reopen: application is %s, not errored: %w", s.CurrentStage, ErrConflict)
	}
	if !stage.IsAnalysis() && stage != StageDecision {
		return ApplicationState{}, fmt.Errorf("reopen: invalid stage %s: %w", stage, ErrInvalidInput)
	}

	out := s.Clone()
	out.CurrentStage = stage
	out.CompletedAt = nil
	out.ElapsedSeconds = nil
	out.Halt = nil
	out.AuditTrail = append(out.AuditTrail, cloneAudit(audit))
	out.Version++
	out.UpdatedAt = at
	return out, nil
}

func (s *ApplicationState) advance(next StageName, at time.Time) {
	s.CurrentStage = next
	s.Version++
	s.UpdatedAt = at
	if next.IsTerminal() {
		completed := at
		elapsed := at.Sub(s.StartedAt).Seconds()
		s.CompletedAt = &completed
		s.ElapsedSeconds = &elapsed
	}
}

func validateNext(stage, next StageName) error {
	nominal, _ := stage.Next()
	switch next {
	case nominal, StageDecision, StageErrored:
		return nil
	default:
		return fmt.Errorf("apply %s: illegal transition to %s: %w", stage, next, ErrInvalidInput)
	}
}

func cloneVerdict(v Verdict) Verdict {
	out := v
	out.Findings = append([]string(nil), v.Findings...)
	out.Recommendations = append([]string(nil), v.Recommendations...)
	out.Details = cloneDetails(v.Details)
	return out
}

func cloneDetails(details StageDetails) StageDetails {
	switch d := details.(type) {
	case ValidationDetails:
		d.Errors = append([]string(nil), d.Errors...)
		d.Documents = append([]DocumentSummary(nil), d.Documents...)
		return d
	case LegalDetails:
		d.CriticalRisks = append([]string(nil), d.CriticalRisks...)
		d.ComplianceIssues = append([]string(nil), d.ComplianceIssues...)
		return d
	default:
		return details
	}
}

func cloneAudit(entry AuditEntry) AuditEntry {
	out := entry
	if entry.Metadata != nil {
		out.Metadata = make(map[string]any, len(entry.Metadata))
		for k, v := range entry.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
