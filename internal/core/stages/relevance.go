package stages

import (
	"context"
	"fmt"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

var sectorRelevance = []struct {
	keywords []string
	score    float64
}{
	{[]string{"renewable", "green energy", "clean energy"}, 0.9},
	{[]string{"digital", "software", "artificial intelligence", "automation"}, 0.9},
	{[]string{"import substitution"}, 0.8},
	{[]string{"innovation", "innovative", "high-tech"}, 0.8},
	{[]string{"export"}, 0.7},
	{[]string{"agritech", "agricultur", "food processing"}, 0.7},
	{[]string{"logistics", "transport"}, 0.6},
	{[]string{"manufactur", "production"}, 0.6},
	{[]string{"retail", "trade"}, 0.4},
}

var (
	demandPositive        = []string{"growing demand", "shortage", "new market", "unmet demand", "demand exceeds"}
	demandNegative        = []string{"saturated", "declining market", "oversupply"}
	innovationKeywords    = []string{"innovation", "patent", "r&d", "research", "technology", "automation", "artificial intelligence", "unique", "prototype"}
	jobsKeywords          = []string{"jobs", "employment", "hire", "workplaces"}
	taxKeywords           = []string{"tax revenue", "taxes", "budget revenue"}
	regionalKeywords      = []string{"region", "local suppliers", "rural", "community"}
	policyKeywords        = []string{"import substitution", "export", "regional development", "digitalization", "modernization", "national project"}
	sustainabilityGood    = []string{"renewable", "energy efficiency", "recycling", "emission", "green", "sustainable", "circular"}
	sustainabilityHarmful = []string{"coal", "landfill", "hazardous waste"}
)

type RelevanceStage struct {
	deps Deps
}

func NewRelevanceStage(deps Deps) *RelevanceStage {
	return &RelevanceStage{deps: deps.normalize()}
}

func (s *RelevanceStage) Name() domain.StageName { return domain.StageRelevance }

func (s *RelevanceStage) Execute(ctx context.Context, state domain.ApplicationState) (domain.StateDelta, error) {
	form := state.Intake.Form()
	text := form.SearchText()

	market := MarketRelevance(text)
	innovation := InnovationScore(text)
	economic := EconomicImpact(form)
	policy := PolicyAlignment(text)
	sustainability := SustainabilityScore(text)

	review, reviewWarning := s.deps.review(ctx, state, domain.StageRelevance, projectSummary(form), formFacts(form))

	score := domain.Clamp01(0.25*market + 0.25*innovation + 0.20*economic + 0.15*policy + 0.10*sustainability + 0.05*review.Score)
	level := relevanceLevel(score)

	status := domain.StatusPassed
	switch {
	case score < 0.4:
		status = domain.StatusFailed
	case score < 0.6:
		status = domain.StatusConditional
	}

	var warnings []string
	warnings = appendWarning(warnings, reviewWarning)
	confidence := blendConfidence(review)
	if confidence < 0.6 {
		warnings = append(warnings, fmt.Sprintf("relevance assessment has low confidence (%.2f)", confidence))
	}

	var findings []string
	if market < 0.4 {
		findings = append(findings, "weak market relevance")
	}
	if innovation < 0.4 {
		findings = append(findings, "low innovation content")
	}
	if economic < 0.5 {
		findings = append(findings, "limited economic impact")
	}
	findings = append(findings, reviewFindings(review)...)

	details := domain.RelevanceDetails{
		Level:           level,
		MarketRelevance: round4(market),
		Innovation:      round4(innovation),
		EconomicImpact:  round4(economic),
		PolicyAlignment: round4(policy),
		Sustainability:  round4(sustainability),
	}
	verdict := domain.Verdict{
		Stage:      domain.StageRelevance,
		Score:      round4(score),
		Confidence: confidence,
		Status:     status,
		Summary: fmt.Sprintf("Relevance %.2f (%s): market %.2f, innovation %.2f, economic %.2f, policy %.2f, sustainability %.2f.",
			score, level, market, innovation, economic, policy, sustainability),
		Findings:    findings,
		CompletedAt: s.deps.Now(),
		Details:     details,
	}

	return domain.StateDelta{
		Verdict:   &verdict,
		Warnings:  warnings,
		Narrative: verdict.Summary,
		Metadata: map[string]any{
			"relevance_level": level,
			"market":          details.MarketRelevance,
			"economic":        details.EconomicImpact,
		},
	}, nil
}

// MarketRelevance combines the best sector match with demand signals.
func MarketRelevance(text string) float64 {
	sector := 0.3
	for _, candidate := range sectorRelevance {
		if containsAny(text, candidate.keywords) {
			sector = candidate.score
			break
		}
	}
	demand := 0.5 + 0.2*float64(countMatches(text, demandPositive)) - 0.2*float64(countMatches(text, demandNegative))
	return domain.Clamp01((sector + domain.Clamp01(demand)) / 2)
}

func InnovationScore(text string) float64 {
	return domain.Clamp01(0.3 + 0.15*float64(countMatches(text, innovationKeywords)))
}

// EconomicImpact rewards job creation, fiscal effect, regional spillover and scale.
func EconomicImpact(form domain.ApplicationForm) float64 {
	text := form.SearchText()
	score := 0.4
	if containsAny(text, jobsKeywords) {
		score += 0.2
	}
	if containsAny(text, taxKeywords) {
		score += 0.1
	}
	if containsAny(text, regionalKeywords) {
		score += 0.1
	}
	if containsAny(text, []string{"export"}) {
		score += 0.1
	}
	if form.RequestedAmount >= 1e8 {
		score += 0.1
	}
	return domain.Clamp01(score)
}

func PolicyAlignment(text string) float64 {
	return domain.Clamp01(0.4 + 0.15*float64(countMatches(text, policyKeywords)))
}

func SustainabilityScore(text string) float64 {
	score := 0.4 + 0.15*float64(countMatches(text, sustainabilityGood)) - 0.1*float64(countMatches(text, sustainabilityHarmful))
	return domain.Clamp01(score)
}

func relevanceLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.6:
		return "moderate"
	case score >= 0.4:
		return "low"
	default:
		return "very_low"
	}
}
