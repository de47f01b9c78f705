package routing

import (
	"errors"
	"fmt"
)

type Thresholds struct {
	Validation ValidationThresholds `yaml:"validation"`
	Legal      LegalThresholds      `yaml:"legal"`
	Risk       RiskThresholds       `yaml:"risk"`
	Relevance  RelevanceThresholds  `yaml:"relevance"`
	Financial  FinancialThresholds  `yaml:"financial"`
}

type ValidationThresholds struct {
	MinScore  float64 `yaml:"min_score"`
	MaxErrors int     `yaml:"max_errors"`
}

type LegalThresholds struct {
	MinScore      float64 `yaml:"min_score"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type RiskThresholds struct {
	MinScore          float64 `yaml:"min_score"`
	MaxFinancialRisk  float64 `yaml:"max_financial_risk"`
	HighComponentRisk float64 `yaml:"high_component_risk"`
	MaxHighComponents int     `yaml:"max_high_components"`
}

type RelevanceThresholds struct {
	MinScore           float64 `yaml:"min_score"`
	MinMarketRelevance float64 `yaml:"min_market_relevance"`
	MinEconomicImpact  float64 `yaml:"min_economic_impact"`
}

type FinancialThresholds struct {
	MinScore        float64 `yaml:"min_score"`
	MaxDebtToEquity float64 `yaml:"max_debt_to_equity"`
	MinLiquidity    float64 `yaml:"min_liquidity"`
	MinCashFlow     float64 `yaml:"min_cash_flow"`
	MinStability    float64 `yaml:"min_stability"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Validation: ValidationThresholds{MinScore: 0.6, MaxErrors: 5},
		Legal:      LegalThresholds{MinScore: 0.5, MinConfidence: 0.6},
		Risk: RiskThresholds{
			MinScore:          0.4,
			MaxFinancialRisk:  0.8,
			HighComponentRisk: 0.7,
			MaxHighComponents: 2,
		},
		Relevance: RelevanceThresholds{MinScore: 0.5, MinMarketRelevance: 0.3, MinEconomicImpact: 0.4},
		Financial: FinancialThresholds{
			MinScore:        0.5,
			MaxDebtToEquity: 3.0,
			MinLiquidity:    0.5,
			MinCashFlow:     0.3,
			MinStability:    0.4,
		},
	}
}

func (t Thresholds) Validate() error {
	var errs []error
	unit := map[string]float64{
		"validation.min_score":           t.Validation.MinScore,
		"legal.min_score":                t.Legal.MinScore,
		"legal.min_confidence":           t.Legal.MinConfidence,
		"risk.min_score":                 t.Risk.MinScore,
		"risk.max_financial_risk":        t.Risk.MaxFinancialRisk,
		"risk.high_component_risk":       t.Risk.HighComponentRisk,
		"relevance.min_score":            t.Relevance.MinScore,
		"relevance.min_market_relevance": t.Relevance.MinMarketRelevance,
		"relevance.min_economic_impact":  t.Relevance.MinEconomicImpact,
		"financial.min_score":            t.Financial.MinScore,
		"financial.min_cash_flow":        t.Financial.MinCashFlow,
		"financial.min_stability":        t.Financial.MinStability,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if t.Validation.MaxErrors < 0 {
		errs = append(errs, fmt.Errorf("validation.max_errors must be >= 0"))
	}
	if t.Risk.MaxHighComponents < 1 {
		errs = append(errs, fmt.Errorf("risk.max_high_components must be >= 1"))
	}
	if t.Financial.MaxDebtToEquity <= 0 {
		errs = append(errs, fmt.Errorf("financial.max_debt_to_equity must be > 0"))
	}
	if t.Financial.MinLiquidity < 0 {
		errs = append(errs, fmt.Errorf("financial.min_liquidity must be >= 0"))
	}
	return errors.Join(errs...)
}
