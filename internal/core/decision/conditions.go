package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

var tierConditions = map[domain.DecisionStatus][]string{
	domain.DecisionApproved: {
		"Quarterly financial reporting",
		"Use of funds strictly for the declared project",
	},
	domain.DecisionConditional: {
		"Monthly financial reporting",
		"Collateral of at least 120% of the approved amount",
		"Personal guarantee from the principal shareholders",
	},
	domain.DecisionRequiresReview: {
		"Independent expert assessment of the project before disbursement",
		"Updated audited financial statements",
		"Disbursement in tranches tied to project milestones",
		"Increased collateral of at least 150% of the approved amount",
	},
	domain.DecisionRejected: {
		"Resubmission requires a revised business plan addressing the rejection reasons",
	},
}

var stageConditions = map[domain.StageName]string{
	domain.StageValidation: "Provide a complete and consistent application package",
	domain.StageLegal:      "Resolve outstanding legal and compliance findings",
	domain.StageRisk:       "Submit a risk mitigation plan",
	domain.StageRelevance:  "Substantiate the project's market and economic relevance",
	domain.StageFinancial:  "Provide additional financial guarantees",
}

var (
	exportKeywords       = []string{"export", "foreign market", "international"}
	constructionKeywords = []string{"construction", "production", "manufacturing", "plant", "factory"}
)

// Conditions builds the deduplicated, bounded condition list for a decision.
func (p Policy) Conditions(status domain.DecisionStatus, form domain.ApplicationForm, a Assessment, review *domain.Review) []string {
	candidates := append([]string(nil), tierConditions[status]...)

	for _, reason := range a.HaltReasons {
		candidates = append(candidates, fmt.Sprintf("Resolve the %s rejection: %s", a.HaltStage, reason))
	}
	for _, stage := range a.FailedStages {
		if condition, ok := stageConditions[stage]; ok {
			candidates = append(candidates, condition)
		}
	}

	if status != domain.DecisionRejected {
		if form.RequestedAmount > p.LargeAmount {
			candidates = append(candidates,
				"Mandatory insurance of the financed project",
				"Reserve fund of at least 10% of the approved amount",
			)
		}
		if form.DurationMonths > p.LongDurationMonths {
			candidates = append(candidates, "Annual review of project progress")
		}
		text := form.SearchText()
		if containsAny(text, exportKeywords) {
			candidates = append(candidates, "Currency risk hedging for export revenue")
		}
		if containsAny(text, constructionKeywords) {
			candidates = append(candidates, "All construction and production permits obtained before disbursement")
		}
	}

	if review != nil && !review.Degraded {
		candidates = append(candidates, review.Conditions...)
	}

	return dedupeBounded(candidates, p.MaxConditions)
}

func dedupeBounded(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, limit)
	for _, raw := range in {
		condition := strings.TrimSpace(raw)
		if condition == "" {
			continue
		}
		key := strings.ToLower(condition)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, condition)
		if len(out) == limit {
			break
		}
	}
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// FallbackDecision is the conservative outcome used when aggregation fails. An
// application already rejected by routing stays rejected.
func FallbackDecision(state domain.ApplicationState, cause error, at time.Time) domain.FinalDecision {
	form := state.Intake.Form()
	decision := domain.FinalDecision{
		Status:          domain.DecisionRequiresReview,
		NumericStatus:   domain.DecisionRequiresReview,
		RiskLevel:       domain.RiskHigh,
		RequestedAmount: form.RequestedAmount,
		Conditions:      []string{"Manual review required before any disbursement"},
		Justification:   fmt.Sprintf("Automated decision failed and was escalated to manual review: %v", cause),
		Fallback:        true,
		DecidedAt:       at,
		ExpiresAt:       at.AddDate(0, 0, 30),
	}
	if halt := state.Halt; halt != nil && halt.Action == domain.HaltReject {
		decision.Status = domain.DecisionRejected
		decision.NumericStatus = domain.DecisionRejected
		decision.RiskLevel = domain.RiskCritical
		decision.FailedStages = []domain.StageName{halt.Stage}
		decision.CriticalFailures = 1
		decision.Conditions = append([]string(nil), tierConditions[domain.DecisionRejected]...)
		decision.Justification = fmt.Sprintf("Analysis stopped at %s: %s. Automated decision failed: %v",
			halt.Stage, strings.Join(halt.Reasons, "; "), cause)
	}
	return decision
}
