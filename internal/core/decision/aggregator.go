// Package decision combines stage verdicts into the final credit decision.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
)

// reviewConfidenceCap bounds the final confidence when a review is available.
const reviewConfidenceCap = 0.7

type Aggregator struct {
	policy   Policy
	reviewer ports.QualitativeReviewer
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator validates the policy. reviewer may be nil.
func NewAggregator(policy Policy, reviewer ports.QualitativeReviewer, opts ...Option) (*Aggregator, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("decision policy: %w", err)
	}
	a := &Aggregator{
		policy:   policy,
		reviewer: reviewer,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Aggregator) Policy() Policy {
	return a.policy
}

// Decide never returns a partially built decision: any failure, including a
// panic in the review merge, is reported as an aggregation fault.
func (a *Aggregator) Decide(ctx context.Context, state domain.ApplicationState) (decision domain.FinalDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = domain.FinalDecision{}
			err = domain.NewFault(domain.AggregationFault, domain.StageDecision, "decide", fmt.Errorf("panic: %v", r))
		}
	}()

	form := state.Intake.Form()

	assessment := a.policy.ApplyHalt(a.policy.Assess(state.StageResults), state.Halt)
	numeric := a.policy.Tier(assessment.FinalScore, assessment.CriticalFailures)
	if assessment.Halted {
		numeric = domain.DecisionRejected
	}
	review := a.review(ctx, state, assessment, numeric)

	status, applied, floored := a.policy.MergeReview(numeric, assessment, review)
	now := a.now()

	requested := math.Max(0, form.RequestedAmount)
	confidence := baseConfidence(status, assessment.FinalScore)
	if review != nil && !review.Degraded {
		confidence = math.Min(confidence, math.Min(review.Confidence, reviewConfidenceCap))
	}

	decision = domain.FinalDecision{
		Status:           status,
		NumericStatus:    numeric,
		FinalScore:       assessment.FinalScore,
		WeightedScore:    assessment.WeightedScore,
		CriticalFailures: assessment.CriticalFailures,
		ComponentScores:  assessment.ComponentScores,
		FailedStages:     assessment.FailedStages,
		Confidence:       roundScore(confidence),
		RiskLevel:        riskLevelFor(status),
		RequestedAmount:  requested,
		ApprovedAmount:   math.Round(requested*a.policy.AmountFraction(status)*100) / 100,
		Review:           review,
		ReviewApplied:    applied,
		FloorApplied:     floored,
		DecidedAt:        now,
		ExpiresAt:        now.AddDate(0, 0, a.policy.ValidityDays(status)),
	}
	decision.Conditions = a.policy.Conditions(status, form, assessment, review)
	decision.Justification = justify(state, assessment, decision)
	return decision, nil
}

func (a *Aggregator) review(ctx context.Context, state domain.ApplicationState, assessment Assessment, numeric domain.DecisionStatus) *domain.Review {
	if a.reviewer == nil {
		return nil
	}
	req := domain.ReviewRequest{
		ApplicationID: state.ApplicationID,
		Stage:         domain.StageDecision,
		Summary:       summarize(state, assessment, numeric),
		Facts: map[string]any{
			"final_score":       assessment.FinalScore,
			"critical_failures": assessment.CriticalFailures,
			"numeric_status":    string(numeric),
			"halted":            assessment.Halted,
		},
	}
	review, err := a.reviewer.Review(ctx, req)
	if err != nil {
		a.logger.Warn("decision_review_degraded", "application_id", state.ApplicationID, "error", err)
		return &domain.Review{
			Recommendation: string(numeric),
			Degraded:       true,
			Findings:       []string{"qualitative review unavailable: " + err.Error()},
		}
	}
	review.Confidence = domain.Clamp01(review.Confidence)
	review.Score = domain.Clamp01(review.Score)
	return &review
}

// baseConfidence grows with the score for favourable tiers and with the
// shortfall for rejections.
func baseConfidence(status domain.DecisionStatus, score float64) float64 {
	switch status {
	case domain.DecisionApproved:
		return math.Min(0.95, 0.7+score*0.25)
	case domain.DecisionConditional:
		return math.Min(0.85, 0.5+score*0.35)
	case domain.DecisionRequiresReview:
		return math.Min(0.7, 0.3+score*0.4)
	default:
		return math.Min(0.9, 0.7+(1-score)*0.2)
	}
}

func riskLevelFor(status domain.DecisionStatus) domain.RiskLevel {
	switch status {
	case domain.DecisionApproved:
		return domain.RiskLow
	case domain.DecisionConditional:
		return domain.RiskModerate
	case domain.DecisionRequiresReview:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

func summarize(state domain.ApplicationState, assessment Assessment, numeric domain.DecisionStatus) string {
	form := state.Intake.Form()
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s. Project: %s. Requested: %.2f for %d months.\n",
		form.CompanyName, form.ProjectName, form.RequestedAmount, form.DurationMonths)
	for _, stage := range domain.AnalysisStages {
		if verdict, ok := state.StageResults[stage]; ok {
			fmt.Fprintf(&b, "%s: score %.2f, status %s. %s\n", stage, verdict.Score, verdict.Status, verdict.Summary)
		} else {
			fmt.Fprintf(&b, "%s: not executed\n", stage)
		}
	}
	if assessment.Halted {
		fmt.Fprintf(&b, "Rejected at %s: %s\n", assessment.HaltStage, strings.Join(assessment.HaltReasons, "; "))
	}
	fmt.Fprintf(&b, "Final score %.2f with %d critical failures; numeric decision %s.", assessment.FinalScore, assessment.CriticalFailures, numeric)
	return b.String()
}

func justify(state domain.ApplicationState, assessment Assessment, decision domain.FinalDecision) string {
	lines := []string{
		fmt.Sprintf("Decision %s: final score %.2f (weighted %.2f, %d critical failures).",
			decision.Status, assessment.FinalScore, assessment.WeightedScore, assessment.CriticalFailures),
	}
	if assessment.Halted {
		lines = append(lines, fmt.Sprintf("Analysis stopped at %s: %s.", assessment.HaltStage, strings.Join(assessment.HaltReasons, "; ")))
	}
	for _, stage := range domain.AnalysisStages {
		verdict, ok := state.StageResults[stage]
		if !ok {
			lines = append(lines, fmt.Sprintf("%s: not executed.", stage))
			continue
		}
		line := fmt.Sprintf("%s: %.2f (%s)", stage, verdict.Score, verdict.Status)
		if verdict.Summary != "" {
			line += " " + verdict.Summary
		}
		if len(verdict.Findings) > 0 {
			line += " Key finding: " + verdict.Findings[0]
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	if decision.FloorApplied {
		lines = append(lines, "Rejection floor applied: the score or failure count is below the minimum for any approval.")
	}
	if decision.Review != nil {
		switch {
		case decision.Review.Degraded:
			lines = append(lines, "Qualitative review was unavailable.")
		case decision.ReviewApplied:
			lines = append(lines, fmt.Sprintf("Qualitative review (%s, confidence %.2f) adjusted the numeric decision %s.",
				decision.Review.Recommendation, decision.Review.Confidence, decision.NumericStatus))
		default:
			lines = append(lines, fmt.Sprintf("Qualitative review recommended %s.", decision.Review.Recommendation))
		}
	}
	return strings.Join(lines, "\n")
}
