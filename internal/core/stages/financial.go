package stages

import (
	"context"
	"fmt"
	"math"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

const (
	noDebtLiquidity  = 2.0
	maxDebtToEquity  = 10.0
	neutralLiquidity = 1.0
	neutralLeverage  = 1.0
	neutralComponent = 0.5
)

type FinancialStage struct {
	deps Deps
}

func NewFinancialStage(deps Deps) *FinancialStage {
	return &FinancialStage{deps: deps.normalize()}
}

func (s *FinancialStage) Name() domain.StageName { return domain.StageFinancial }

func (s *FinancialStage) Execute(ctx context.Context, state domain.ApplicationState) (domain.StateDelta, error) {
	form := state.Intake.Form()
	ratios := ComputeRatios(form)
	cashFlow := CashFlowScore(form)
	credit := CreditworthinessScore(form)
	capacity := DebtCapacityScore(form)

	facts := formFacts(form)
	facts["liquidity_ratio"] = ratios.Liquidity
	facts["debt_to_equity"] = ratios.DebtToEquity
	review, reviewWarning := s.deps.review(ctx, state, domain.StageFinancial, projectSummary(form), facts)

	stability := domain.Clamp01(0.25*ratios.Score + 0.25*cashFlow + 0.20*credit + 0.15*capacity + 0.15*review.Score)
	level := stabilityLevel(stability)

	status := domain.StatusPassed
	switch {
	case stability < 0.5:
		status = domain.StatusFailed
	case stability < 0.6:
		status = domain.StatusConditional
	}

	var warnings []string
	warnings = appendWarning(warnings, reviewWarning)
	if !ratios.Complete {
		warnings = append(warnings, "financial statements are incomplete; neutral values were assumed")
	}

	var findings []string
	if ratios.DebtToEquity > 3 {
		findings = append(findings, fmt.Sprintf("high leverage: debt to equity %.2f", ratios.DebtToEquity))
	}
	if ratios.Liquidity < 1 {
		findings = append(findings, fmt.Sprintf("weak liquidity ratio %.2f", ratios.Liquidity))
	}
	if cashFlow < 0.4 {
		findings = append(findings, "projected cash flow does not cover debt service")
	}
	findings = append(findings, reviewFindings(review)...)

	confidence := blendConfidence(review)
	if !ratios.Complete {
		confidence = domain.Clamp01(confidence - 0.1)
	}

	details := domain.FinancialDetails{
		StabilityLevel:   level,
		Stability:        round4(stability),
		LiquidityRatio:   round4(ratios.Liquidity),
		DebtToEquity:     round4(ratios.DebtToEquity),
		Profitability:    round4(ratios.Profitability),
		RatioScore:       round4(ratios.Score),
		CashFlow:         round4(cashFlow),
		Creditworthiness: round4(credit),
		DebtCapacity:     round4(capacity),
		DataComplete:     ratios.Complete,
	}
	verdict := domain.Verdict{
		Stage:      domain.StageFinancial,
		Score:      round4(stability),
		Confidence: confidence,
		Status:     status,
		Summary: fmt.Sprintf("Stability %.2f (%s): liquidity %.2f, D/E %.2f, cash flow %.2f, creditworthiness %.2f, capacity %.2f.",
			stability, level, ratios.Liquidity, ratios.DebtToEquity, cashFlow, credit, capacity),
		Findings:    findings,
		CompletedAt: s.deps.Now(),
		Details:     details,
	}
	if status != domain.StatusPassed {
		verdict.Recommendations = []string{"Provide additional guarantees or reduce the requested amount"}
	}

	return domain.StateDelta{
		Verdict:   &verdict,
		Warnings:  warnings,
		Narrative: verdict.Summary,
		Metadata: map[string]any{
			"stability_level": level,
			"liquidity_ratio": details.LiquidityRatio,
			"debt_to_equity":  details.DebtToEquity,
		},
	}, nil
}

// Ratios are balance-sheet indicators. Missing inputs yield neutral values
// with Complete=false.
type Ratios struct {
	Liquidity     float64
	DebtToEquity  float64
	Profitability float64
	Score         float64
	Complete      bool
}

func ComputeRatios(form domain.ApplicationForm) Ratios {
	out := Ratios{
		Liquidity:     neutralLiquidity,
		DebtToEquity:  neutralLeverage,
		Profitability: neutralComponent,
		Complete:      form.TotalAssets != nil && form.DebtAmount != nil && form.AnnualRevenue != nil && form.NetProfit != nil,
	}

	if form.TotalAssets != nil && form.DebtAmount != nil {
		assets, debt := *form.TotalAssets, *form.DebtAmount
		if debt <= 0 {
			out.Liquidity = noDebtLiquidity
			out.DebtToEquity = 0
		} else {
			out.Liquidity = (assets * 0.6) / (debt * 0.7)
			equity := assets - debt
			if equity <= 0 {
				out.DebtToEquity = maxDebtToEquity
			} else {
				out.DebtToEquity = math.Min(maxDebtToEquity, debt/equity)
			}
		}
	}

	if form.AnnualRevenue != nil && *form.AnnualRevenue > 0 && form.NetProfit != nil {
		margin := *form.NetProfit / *form.AnnualRevenue
		switch {
		case margin >= 0.15:
			out.Profitability = 1.0
		case margin >= 0.10:
			out.Profitability = 0.8
		case margin >= 0.05:
			out.Profitability = 0.6
		case margin >= 0:
			out.Profitability = 0.4
		default:
			out.Profitability = 0.1
		}
	}

	out.Score = domain.Clamp01(
		math.Min(out.Liquidity, 1)*0.3 +
			(1-math.Min(1, out.DebtToEquity/3))*0.3 +
			out.Profitability*0.4,
	)
	return out
}

// CashFlowScore compares net profit with the annual debt service of the request.
func CashFlowScore(form domain.ApplicationForm) float64 {
	if form.NetProfit == nil || form.RequestedAmount <= 0 {
		return neutralComponent
	}
	years := math.Max(1, float64(form.DurationMonths)/12)
	coverage := *form.NetProfit / (form.RequestedAmount / years)
	switch {
	case coverage >= 1.5:
		return 1.0
	case coverage >= 1.2:
		return 0.8
	case coverage >= 1.0:
		return 0.6
	case coverage >= 0.5:
		return 0.4
	default:
		return 0.2
	}
}

// CreditworthinessScore compares annual revenue with the requested amount.
func CreditworthinessScore(form domain.ApplicationForm) float64 {
	if form.AnnualRevenue == nil || form.RequestedAmount <= 0 {
		return neutralComponent
	}
	cover := *form.AnnualRevenue / form.RequestedAmount
	switch {
	case cover >= 3:
		return 1.0
	case cover >= 1.5:
		return 0.8
	case cover >= 1:
		return 0.6
	case cover >= 0.5:
		return 0.4
	default:
		return 0.2
	}
}

// DebtCapacityScore measures total debt after the loan against assets.
func DebtCapacityScore(form domain.ApplicationForm) float64 {
	if form.TotalAssets == nil || *form.TotalAssets <= 0 {
		return neutralComponent
	}
	debt := 0.0
	if form.DebtAmount != nil {
		debt = *form.DebtAmount
	}
	load := (debt + form.RequestedAmount) / *form.TotalAssets
	switch {
	case load <= 0.5:
		return 1.0
	case load <= 0.7:
		return 0.7
	case load <= 0.9:
		return 0.4
	default:
		return 0.1
	}
}

func stabilityLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "excellent"
	case score >= 0.7:
		return "good"
	case score >= 0.6:
		return "acceptable"
	case score >= 0.4:
		return "weak"
	default:
		return "poor"
	}
}
