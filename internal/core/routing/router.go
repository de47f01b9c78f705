// Package routing decides where an application goes after each analysis stage.
package routing

import (
	"fmt"
	"strings"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

type Action string

const (
	ActionContinue Action = "continue"
	ActionReject   Action = "reject"
	ActionError    Action = "error"
	ActionFinish   Action = "finish"
)

type Route struct {
	Action  Action
	Next    domain.StageName
	Reasons []string
}

func (r Route) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

// Router is a pure function of (stage, verdict, state). It holds only
// immutable thresholds and is safe for concurrent use.
type Router struct {
	thresholds Thresholds
}

func New(thresholds Thresholds) (*Router, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Router{thresholds: thresholds}, nil
}

func (r *Router) Thresholds() Thresholds {
	return r.thresholds
}

// Next routes an analysis stage. Scores equal to a threshold pass.
func (r *Router) Next(stage domain.StageName, verdict *domain.Verdict, _ domain.ApplicationState) Route {
	if !stage.IsAnalysis() {
		return errorRoute(fmt.Sprintf("stage %q is not routable", stage))
	}
	if verdict == nil {
		return errorRoute(fmt.Sprintf("%s produced no verdict", stage))
	}
	if verdict.Stage != stage {
		return errorRoute(fmt.Sprintf("%s returned a verdict for %q", stage, verdict.Stage))
	}
	if verdict.Status == domain.StatusError {
		reason := fmt.Sprintf("%s reported an error", stage)
		if len(verdict.Findings) > 0 {
			reason += ": " + verdict.Findings[0]
		}
		return errorRoute(reason)
	}

	var reasons []string
	if verdict.Status.IsFailure() {
		reasons = append(reasons, fmt.Sprintf("%s status is %s", stage, verdict.Status))
	}
	switch stage {
	case domain.StageValidation:
		reasons = append(reasons, r.validation(verdict)...)
	case domain.StageLegal:
		reasons = append(reasons, r.legal(verdict)...)
	case domain.StageRisk:
		reasons = append(reasons, r.risk(verdict)...)
	case domain.StageRelevance:
		reasons = append(reasons, r.relevance(verdict)...)
	case domain.StageFinancial:
		reasons = append(reasons, r.financial(verdict)...)
	}
	if len(reasons) > 0 {
		return Route{Action: ActionReject, Next: domain.StageDecision, Reasons: reasons}
	}

	next, _ := stage.Next()
	return Route{Action: ActionContinue, Next: next}
}

// Finish maps the aggregator's decision onto a terminal stage.
func (r *Router) Finish(decision domain.FinalDecision) Route {
	if decision.Status == domain.DecisionRejected {
		return Route{Action: ActionFinish, Next: domain.StageRejected, Reasons: []string{"final decision is rejected"}}
	}
	return Route{Action: ActionFinish, Next: domain.StageCompleted}
}

func (r *Router) validation(v *domain.Verdict) []string {
	t := r.thresholds.Validation
	var reasons []string
	if details, ok := v.Details.(domain.ValidationDetails); ok && len(details.Errors) > t.MaxErrors {
		reasons = append(reasons, fmt.Sprintf("too many validation errors: %d", len(details.Errors)))
	}
	if v.Score < t.MinScore {
		reasons = append(reasons, belowScore(v, t.MinScore))
	}
	return reasons
}

func (r *Router) legal(v *domain.Verdict) []string {
	t := r.thresholds.Legal
	var reasons []string
	if details, ok := v.Details.(domain.LegalDetails); ok {
		for _, risk := range details.CriticalRisks {
			reasons = append(reasons, "critical legal risk: "+risk)
		}
	}
	if v.Score < t.MinScore {
		reasons = append(reasons, belowScore(v, t.MinScore))
	}
	if v.Confidence < t.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("legal confidence %.2f below %.2f", v.Confidence, t.MinConfidence))
	}
	return reasons
}

func (r *Router) risk(v *domain.Verdict) []string {
	t := r.thresholds.Risk
	var reasons []string
	if details, ok := v.Details.(domain.RiskDetails); ok {
		if details.Level == domain.RiskCritical {
			reasons = append(reasons, "risk level is critical")
		}
		if details.FinancialRisk > t.MaxFinancialRisk {
			reasons = append(reasons, fmt.Sprintf("financial risk %.2f above %.2f", details.FinancialRisk, t.MaxFinancialRisk))
		}
		high := 0
		for _, component := range []float64{details.FinancialRisk, details.MarketRisk, details.OperationalRisk} {
			if component > t.HighComponentRisk {
				high++
			}
		}
		if high >= t.MaxHighComponents {
			reasons = append(reasons, fmt.Sprintf("%d risk components above %.2f", high, t.HighComponentRisk))
		}
	}
	if v.Score < t.MinScore {
		reasons = append(reasons, belowScore(v, t.MinScore))
	}
	return reasons
}

func (r *Router) relevance(v *domain.Verdict) []string {
	t := r.thresholds.Relevance
	var reasons []string
	if details, ok := v.Details.(domain.RelevanceDetails); ok {
		if details.MarketRelevance < t.MinMarketRelevance {
			reasons = append(reasons, fmt.Sprintf("market relevance %.2f below %.2f", details.MarketRelevance, t.MinMarketRelevance))
		}
		if details.EconomicImpact < t.MinEconomicImpact {
			reasons = append(reasons, fmt.Sprintf("economic impact %.2f below %.2f", details.EconomicImpact, t.MinEconomicImpact))
		}
	}
	if v.Score < t.MinScore {
		reasons = append(reasons, belowScore(v, t.MinScore))
	}
	return reasons
}

func (r *Router) financial(v *domain.Verdict) []string {
	t := r.thresholds.Financial
	var reasons []string
	if details, ok := v.Details.(domain.FinancialDetails); ok {
		if details.DebtToEquity > t.MaxDebtToEquity {
			reasons = append(reasons, fmt.Sprintf("debt to equity %.2f above %.2f", details.DebtToEquity, t.MaxDebtToEquity))
		}
		if details.LiquidityRatio < t.MinLiquidity {
			reasons = append(reasons, fmt.Sprintf("liquidity ratio %.2f below %.2f", details.LiquidityRatio, t.MinLiquidity))
		}
		if details.CashFlow < t.MinCashFlow {
			reasons = append(reasons, fmt.Sprintf("cash flow score %.2f below %.2f", details.CashFlow, t.MinCashFlow))
		}
		if details.Stability < t.MinStability {
			reasons = append(reasons, fmt.Sprintf("financial stability %.2f below %.2f", details.Stability, t.MinStability))
		}
	}
	if v.Score < t.MinScore {
		reasons = append(reasons, belowScore(v, t.MinScore))
	}
	return reasons
}

func belowScore(v *domain.Verdict, min float64) string {
	return fmt.Sprintf("%s score %.2f below %.2f", v.Stage, v.Score, min)
}

func errorRoute(reason string) Route {
	return Route{Action: ActionError, Next: domain.StageErrored, Reasons: []string{reason}}
}
