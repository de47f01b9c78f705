package decision

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// ReviewMode controls how far a qualitative review may move the numeric tier.
// The hard floor applies in every mode.
type ReviewMode string

const (
	// ReviewModeBounded lets a confident review move the tier by one step.
	ReviewModeBounded ReviewMode = "bounded"
	// ReviewModeAdvisory never changes the tier; the review only adds findings and conditions.
	ReviewModeAdvisory ReviewMode = "advisory"
	// ReviewModeOverride lets a confident review replace the numeric tier.
	ReviewModeOverride ReviewMode = "override"
)

type Tier struct {
	Status         domain.DecisionStatus `yaml:"status"`
	MinScore       float64               `yaml:"min_score"`
	MaxFailures    int                   `yaml:"max_failures"`
	AmountFraction float64               `yaml:"amount_fraction"`
	ValidityDays   int                   `yaml:"validity_days"`
}

type Policy struct {
	Weights       map[domain.StageName]float64 `yaml:"weights"`
	MinAcceptance map[domain.StageName]float64 `yaml:"min_acceptance"`

	FailurePenalty float64 `yaml:"failure_penalty"`
	// Tiers are evaluated in order; the first match wins. Anything unmatched is rejected.
	Tiers                []Tier `yaml:"tiers"`
	RejectedValidityDays int    `yaml:"rejected_validity_days"`

	FloorScore    float64 `yaml:"floor_score"`
	FloorFailures int     `yaml:"floor_failures"`

	ReviewMode          ReviewMode `yaml:"review_mode"`
	ReviewMinConfidence float64    `yaml:"review_min_confidence"`

	MaxConditions      int     `yaml:"max_conditions"`
	LargeAmount        float64 `yaml:"large_amount"`
	LongDurationMonths int     `yaml:"long_duration_months"`
}

func DefaultPolicy() Policy {
	return Policy{
		Weights: map[domain.StageName]float64{
			domain.StageValidation: 0.15,
			domain.StageLegal:      0.20,
			domain.StageRisk:       0.25,
			domain.StageRelevance:  0.15,
			domain.StageFinancial:  0.25,
		},
		MinAcceptance: map[domain.StageName]float64{
			domain.StageValidation: 0.6,
			domain.StageLegal:      0.5,
			domain.StageRisk:       0.4,
			domain.StageRelevance:  0.4,
			domain.StageFinancial:  0.4,
		},
		FailurePenalty: 0.1,
		Tiers: []Tier{
			{Status: domain.DecisionApproved, MinScore: 0.75, MaxFailures: 0, AmountFraction: 1.0, ValidityDays: 90},
			{Status: domain.DecisionConditional, MinScore: 0.6, MaxFailures: 1, AmountFraction: 0.8, ValidityDays: 60},
			{Status: domain.DecisionRequiresReview, MinScore: 0.4, MaxFailures: 2, AmountFraction: 0.6, ValidityDays: 60},
		},
		RejectedValidityDays: 30,
		FloorScore:           0.3,
		FloorFailures:        3,
		ReviewMode:           ReviewModeBounded,
		ReviewMinConfidence:  0.6,
		MaxConditions:        10,
		LargeAmount:          1e9,
		LongDurationMonths:   60,
	}
}

func (p Policy) Validate() error {
	var errs []error

	sum := 0.0
	for _, stage := range domain.AnalysisStages {
		w, ok := p.Weights[stage]
		if !ok {
			errs = append(errs, fmt.Errorf("weight for %s is missing", stage))
			continue
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("weight for %s must be >= 0", stage))
		}
		sum += w
	}
	for stage := range p.Weights {
		if !stage.IsAnalysis() {
			errs = append(errs, fmt.Errorf("weight for unknown stage %q", stage))
		}
	}
	if math.Abs(sum-1.0) > 1e-6 {
		errs = append(errs, fmt.Errorf("weights must sum to 1.0, got %.4f", sum))
	}
	for stage, min := range p.MinAcceptance {
		if !stage.IsAnalysis() || min < 0 || min > 1 {
			errs = append(errs, fmt.Errorf("invalid min_acceptance %s=%v", stage, min))
		}
	}

	if p.FailurePenalty < 0 || p.FailurePenalty > 1 {
		errs = append(errs, fmt.Errorf("failure_penalty must be within [0,1]"))
	}
	expected := []domain.DecisionStatus{domain.DecisionApproved, domain.DecisionConditional, domain.DecisionRequiresReview}
	if len(p.Tiers) != len(expected) {
		errs = append(errs, fmt.Errorf("expected %d tiers, got %d", len(expected), len(p.Tiers)))
	} else {
		for i, tier := range p.Tiers {
			if tier.Status != expected[i] {
				errs = append(errs, fmt.Errorf("tier %d must be %s, got %s", i, expected[i], tier.Status))
			}
			if tier.AmountFraction <= 0 || tier.AmountFraction > 1 {
				errs = append(errs, fmt.Errorf("tier %s amount_fraction must be within (0,1]", tier.Status))
			}
			if tier.MaxFailures < 0 || tier.ValidityDays <= 0 {
				errs = append(errs, fmt.Errorf("tier %s needs max_failures >= 0 and validity_days > 0", tier.Status))
			}
			if i == 0 {
				continue
			}
			prev := p.Tiers[i-1]
			if tier.MinScore >= prev.MinScore {
				errs = append(errs, fmt.Errorf("tier %s min_score must be below %s", tier.Status, prev.Status))
			}
			if tier.MaxFailures < prev.MaxFailures {
				errs = append(errs, fmt.Errorf("tier %s max_failures must not be below %s", tier.Status, prev.Status))
			}
			if tier.AmountFraction >= prev.AmountFraction {
				errs = append(errs, fmt.Errorf("tier %s amount_fraction must be below %s", tier.Status, prev.Status))
			}
		}
	}
	if p.RejectedValidityDays <= 0 {
		errs = append(errs, fmt.Errorf("rejected_validity_days must be > 0"))
	}
	if p.FloorFailures < 1 {
		errs = append(errs, fmt.Errorf("floor_failures must be >= 1"))
	}
	switch p.ReviewMode {
	case ReviewModeBounded, ReviewModeAdvisory, ReviewModeOverride:
	default:
		errs = append(errs, fmt.Errorf("unknown review_mode %q", p.ReviewMode))
	}
	if p.MaxConditions < 1 {
		errs = append(errs, fmt.Errorf("max_conditions must be >= 1"))
	}
	return errors.Join(errs...)
}

// Assessment is the numeric part of a decision (steps 1-3).
type Assessment struct {
	ComponentScores  map[domain.StageName]float64
	WeightedScore    float64
	FinalScore       float64
	CriticalFailures int
	FailedStages     []domain.StageName
	Halted           bool
	HaltStage        domain.StageName
	HaltReasons      []string
}

// Assess scores each analysis stage. A stage that is missing, errored or below
// its minimum acceptance score counts once as a critical failure; missing and
// errored stages contribute 0.
func (p Policy) Assess(results map[domain.StageName]domain.Verdict) Assessment {
	out := Assessment{ComponentScores: make(map[domain.StageName]float64, len(domain.AnalysisStages))}
	for _, stage := range domain.AnalysisStages {
		verdict, ok := results[stage]
		score := 0.0
		failed := false
		switch {
		case !ok, verdict.Status == domain.StatusError:
			failed = true
		default:
			score = domain.Clamp01(verdict.Score)
			if min, hasMin := p.MinAcceptance[stage]; hasMin && score < min {
				failed = true
			}
		}
		if failed {
			out.CriticalFailures++
			out.FailedStages = append(out.FailedStages, stage)
		}
		out.ComponentScores[stage] = score
		out.WeightedScore += score * p.Weights[stage]
	}
	out.WeightedScore = roundScore(out.WeightedScore)
	out.FinalScore = p.penalize(out)
	return out
}

// ApplyHalt folds a routing rejection into the assessment. The halting stage
// counts as a critical failure once, whatever its score.
func (p Policy) ApplyHalt(a Assessment, halt *domain.Halt) Assessment {
	if halt == nil || halt.Action != domain.HaltReject {
		return a
	}
	a.Halted = true
	a.HaltStage = halt.Stage
	a.HaltReasons = append([]string(nil), halt.Reasons...)
	if !slices.Contains(a.FailedStages, halt.Stage) {
		a.FailedStages = append(append([]domain.StageName(nil), a.FailedStages...), halt.Stage)
		a.CriticalFailures++
		a.FinalScore = p.penalize(a)
	}
	return a
}

func (p Policy) penalize(a Assessment) float64 {
	return roundScore(math.Max(0, a.WeightedScore-p.FailurePenalty*float64(a.CriticalFailures)))
}

// Tier maps a score and failure count to the first matching tier.
func (p Policy) Tier(finalScore float64, failures int) domain.DecisionStatus {
	for _, tier := range p.Tiers {
		if finalScore >= tier.MinScore && failures <= tier.MaxFailures {
			return tier.Status
		}
	}
	return domain.DecisionRejected
}

// HardFloor reports whether the assessment must be rejected regardless of review.
func (p Policy) HardFloor(a Assessment) bool {
	return a.FinalScore < p.FloorScore || a.CriticalFailures >= p.FloorFailures
}

// MergeReview applies the review recommendation to the numeric tier and then the
// hard floor. It returns the final status, whether the review changed it and
// whether the floor forced rejection. A halted assessment is always rejected.
func (p Policy) MergeReview(numeric domain.DecisionStatus, a Assessment, review *domain.Review) (domain.DecisionStatus, bool, bool) {
	status := numeric
	if review != nil && !review.Degraded && review.Confidence >= p.ReviewMinConfidence {
		if recommended, ok := domain.ParseDecisionStatus(review.Recommendation); ok {
			switch p.ReviewMode {
			case ReviewModeOverride:
				status = recommended
			case ReviewModeBounded:
				rank := recommended.Rank()
				base := numeric.Rank()
				if rank > base+1 {
					rank = base + 1
				}
				if rank < base-1 {
					rank = base - 1
				}
				status = domain.DecisionStatusFromRank(rank)
			}
		}
	}
	applied := status != numeric

	if a.Halted {
		return domain.DecisionRejected, false, p.HardFloor(a)
	}
	if p.HardFloor(a) {
		return domain.DecisionRejected, false, true
	}
	return status, applied, false
}

func (p Policy) tierFor(status domain.DecisionStatus) (Tier, bool) {
	for _, tier := range p.Tiers {
		if tier.Status == status {
			return tier, true
		}
	}
	return Tier{}, false
}

func (p Policy) AmountFraction(status domain.DecisionStatus) float64 {
	if tier, ok := p.tierFor(status); ok {
		return tier.AmountFraction
	}
	return 0
}

func (p Policy) ValidityDays(status domain.DecisionStatus) int {
	if tier, ok := p.tierFor(status); ok {
		return tier.ValidityDays
	}
	return p.RejectedValidityDays
}

func roundScore(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
