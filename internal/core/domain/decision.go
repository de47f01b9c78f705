package domain

import "time"

// DecisionStatus is a final-decision tier, ordered from best to worst.
type DecisionStatus string

const (
	DecisionApproved       DecisionStatus = "approved"
	DecisionConditional    DecisionStatus = "conditional"
	DecisionRequiresReview DecisionStatus = "requires_review"
	DecisionRejected       DecisionStatus = "rejected"
)

// Rank orders tiers: approved=3 ... rejected=0. Unknown statuses rank -1.
func (s DecisionStatus) Rank() int {
	switch s {
	case DecisionApproved:
		return 3
	case DecisionConditional:
		return 2
	case DecisionRequiresReview:
		return 1
	case DecisionRejected:
		return 0
	default:
		return -1
	}
}

func DecisionStatusFromRank(rank int) DecisionStatus {
	switch {
	case rank >= 3:
		return DecisionApproved
	case rank == 2:
		return DecisionConditional
	case rank == 1:
		return DecisionRequiresReview
	default:
		return DecisionRejected
	}
}

// ParseDecisionStatus accepts the tier names and a few common aliases.
func ParseDecisionStatus(raw string) (DecisionStatus, bool) {
	switch raw {
	case "approved", "approve", "accept", "accepted":
		return DecisionApproved, true
	case "conditional", "conditionally_approved", "approve_with_conditions":
		return DecisionConditional, true
	case "requires_review", "review", "manual_review", "needs_review":
		return DecisionRequiresReview, true
	case "rejected", "reject", "decline", "declined":
		return DecisionRejected, true
	default:
		return "", false
	}
}

// FinalDecision is produced exactly once by the decision aggregator.
type FinalDecision struct {
	Status           DecisionStatus        `json:"status"`
	NumericStatus    DecisionStatus        `json:"numeric_status"`
	FinalScore       float64               `json:"final_score"`
	WeightedScore    float64               `json:"weighted_score"`
	CriticalFailures int                   `json:"critical_failures"`
	ComponentScores  map[StageName]float64 `json:"component_scores"`
	FailedStages     []StageName           `json:"failed_stages,omitempty"`
	Confidence       float64               `json:"confidence"`
	RiskLevel        RiskLevel             `json:"risk_level"`
	RequestedAmount  float64               `json:"requested_amount"`
	ApprovedAmount   float64               `json:"approved_amount"`
	Conditions       []string              `json:"conditions"`
	Justification    string                `json:"justification"`
	Review           *Review               `json:"review,omitempty"`
	ReviewApplied    bool                  `json:"review_applied"`
	FloorApplied     bool                  `json:"floor_applied"`
	Fallback         bool                  `json:"fallback,omitempty"`
	Forced           bool                  `json:"forced,omitempty"`
	DecidedAt        time.Time             `json:"decided_at"`
	ExpiresAt        time.Time             `json:"expires_at"`
}

func (d *FinalDecision) Clone() *FinalDecision {
	if d == nil {
		return nil
	}
	out := *d
	if d.ComponentScores != nil {
		out.ComponentScores = make(map[StageName]float64, len(d.ComponentScores))
		for k, v := range d.ComponentScores {
			out.ComponentScores[k] = v
		}
	}
	out.FailedStages = append([]StageName(nil), d.FailedStages...)
	out.Conditions = append([]string(nil), d.Conditions...)
	if d.Review != nil {
		review := d.Review.Clone()
		out.Review = &review
	}
	return &out
}

// ReviewRequest is the application summary sent to the qualitative reviewer.
type ReviewRequest struct {
	ApplicationID string         `json:"application_id"`
	Stage         StageName      `json:"stage"`
	Summary       string         `json:"summary"`
	Facts         map[string]any `json:"facts,omitempty"`
}

// Review is the qualitative reviewer's answer.
type Review struct {
	Recommendation string   `json:"recommendation"`
	Score          float64  `json:"score"`
	Confidence     float64  `json:"confidence"`
	Findings       []string `json:"findings,omitempty"`
	Conditions     []string `json:"conditions,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
}

func (r Review) Clone() Review {
	out := r
	out.Findings = append([]string(nil), r.Findings...)
	out.Conditions = append([]string(nil), r.Conditions...)
	return out
}
