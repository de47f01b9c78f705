package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

var industryRisk = []struct {
	keywords []string
	risk     float64
}{
	{[]string{"tourism", "hospitality", "restaurant"}, 0.9},
	{[]string{"oil", "gas", "mining"}, 0.8},
	{[]string{"construction", "real estate", "development of housing"}, 0.7},
	{[]string{"agricultur", "farm"}, 0.6},
	{[]string{"retail", "trade", "wholesale"}, 0.5},
	{[]string{"transport", "logistics"}, 0.5},
	{[]string{"manufactur", "production", "processing"}, 0.4},
	{[]string{"software", "information technology", " it ", "digital"}, 0.3},
}

var (
	currencyKeywords    = []string{"currency", "dollar", "euro", "export", "import", "foreign"}
	competitionKeywords = []string{"competition", "competitor", "market share"}
	teamKeywords        = []string{"team", "staff", "employees", "specialists", "engineers"}
	permitKeywords      = []string{"permit", "license", "licence", "approval"}
	permitIndustries    = []string{"construction", "manufactur", "production", "mining", "oil"}
	experienceKeywords  = []string{"experience", "years", "track record", "expertise"}
	freeMailDomains     = []string{"gmail.", "yahoo.", "hotmail.", "outlook.", "mail.ru", "yandex."}
)

type RiskStage struct {
	deps Deps
}

func NewRiskStage(deps Deps) *RiskStage {
	return &RiskStage{deps: deps.normalize()}
}

func (s *RiskStage) Name() domain.StageName { return domain.StageRisk }

func (s *RiskStage) Execute(ctx context.Context, state domain.ApplicationState) (domain.StateDelta, error) {
	form := state.Intake.Form()

	financial, financialNotes := FinancialRisk(form)
	market := MarketRisk(form)
	operational := OperationalRisk(form)
	management := ManagementRisk(form)

	review, reviewWarning := s.deps.review(ctx, state, domain.StageRisk, projectSummary(form), formFacts(form))
	reviewRisk := 1 - review.Score

	overall := domain.Clamp01(0.35*financial + 0.25*market + 0.20*operational + 0.15*management + 0.05*reviewRisk)
	level := RiskLevelFor(overall)

	status := domain.StatusPassed
	switch level {
	case domain.RiskCritical:
		status = domain.StatusFailed
	case domain.RiskHigh:
		status = domain.StatusConditional
	}

	findings := append([]string{}, financialNotes...)
	for _, component := range []struct {
		name string
		risk float64
	}{{"market", market}, {"operational", operational}, {"management", management}} {
		if component.risk > 0.7 {
			findings = append(findings, fmt.Sprintf("high %s risk (%.2f)", component.name, component.risk))
		}
	}
	findings = append(findings, reviewFindings(review)...)

	details := domain.RiskDetails{
		Level:           level,
		OverallRisk:     round4(overall),
		FinancialRisk:   round4(financial),
		MarketRisk:      round4(market),
		OperationalRisk: round4(operational),
		ManagementRisk:  round4(management),
	}
	verdict := domain.Verdict{
		Stage:      domain.StageRisk,
		Score:      round4(1 - overall),
		Confidence: blendConfidence(review),
		Status:     status,
		Summary: fmt.Sprintf("Overall risk %.2f (%s): financial %.2f, market %.2f, operational %.2f, management %.2f.",
			overall, level, financial, market, operational, management),
		Findings:    findings,
		CompletedAt: s.deps.Now(),
		Details:     details,
	}
	if level == domain.RiskHigh || level == domain.RiskCritical {
		verdict.Recommendations = []string{"Require additional collateral and a risk mitigation plan"}
	}

	return domain.StateDelta{
		Verdict:   &verdict,
		Warnings:  appendWarning(nil, reviewWarning),
		Narrative: verdict.Summary,
		Metadata: map[string]any{
			"risk_level":   string(level),
			"overall_risk": details.OverallRisk,
		},
	}, nil
}

// RiskLevelFor maps an overall risk in [0,1] onto a tier.
func RiskLevelFor(risk float64) domain.RiskLevel {
	switch {
	case risk >= 0.8:
		return domain.RiskCritical
	case risk >= 0.6:
		return domain.RiskHigh
	case risk >= 0.4:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// FinancialRisk averages credit load, profitability, leverage and company size.
// Missing figures count as moderately risky.
func FinancialRisk(form domain.ApplicationForm) (float64, []string) {
	var notes []string

	load := 0.6
	size := 0.6
	if form.AnnualRevenue != nil && *form.AnnualRevenue > 0 {
		revenue := *form.AnnualRevenue
		ratio := form.RequestedAmount / revenue
		switch {
		case ratio > 2:
			load = 0.9
			notes = append(notes, fmt.Sprintf("requested amount is %.1fx annual revenue", ratio))
		case ratio > 1:
			load = 0.7
		case ratio > 0.5:
			load = 0.5
		default:
			load = 0.3
		}
		switch {
		case revenue < 1e7:
			size = 0.7
		case revenue < 1e8:
			size = 0.5
		default:
			size = 0.3
		}
	} else {
		notes = append(notes, "no revenue data provided")
	}

	profitability := 0.6
	if form.AnnualRevenue != nil && *form.AnnualRevenue > 0 && form.NetProfit != nil {
		margin := *form.NetProfit / *form.AnnualRevenue
		switch {
		case margin < 0:
			profitability = 0.9
			notes = append(notes, "company is loss-making")
		case margin < 0.05:
			profitability = 0.6
		case margin < 0.1:
			profitability = 0.4
		default:
			profitability = 0.2
		}
	}

	leverage := 0.5
	if form.TotalAssets != nil && *form.TotalAssets > 0 && form.DebtAmount != nil {
		ratio := *form.DebtAmount / *form.TotalAssets
		switch {
		case ratio > 0.8:
			leverage = 0.9
			notes = append(notes, fmt.Sprintf("debt is %.0f%% of assets", ratio*100))
		case ratio > 0.6:
			leverage = 0.7
		case ratio > 0.4:
			leverage = 0.5
		default:
			leverage = 0.3
		}
	}

	return mean(load, profitability, leverage, size), notes
}

// MarketRisk scores industry volatility, currency exposure and competitive awareness.
func MarketRisk(form domain.ApplicationForm) float64 {
	text := " " + form.SearchText() + " "

	industry := 0.6
	for _, candidate := range industryRisk {
		if containsAny(text, candidate.keywords) {
			industry = candidate.risk
			break
		}
	}

	currency := 0.3
	if containsAny(text, currencyKeywords) {
		currency = 0.6
	}

	competition := 0.5
	if containsAny(text, competitionKeywords) {
		competition = 0.4
	}

	return mean(industry, currency, competition)
}

// OperationalRisk scores plan detail, team, permits and project length.
func OperationalRisk(form domain.ApplicationForm) float64 {
	text := form.SearchText()

	detail := 0.4
	if len([]rune(form.ProjectDescription)) < 200 {
		detail = 0.7
	}

	team := 0.6
	if containsAny(text, teamKeywords) {
		team = 0.3
	}

	permits := 0.4
	if containsAny(text, permitIndustries) {
		permits = 0.7
		if containsAny(text, permitKeywords) {
			permits = 0.3
		}
	}

	duration := 0.3
	switch {
	case form.DurationMonths > 60:
		duration = 0.7
	case form.DurationMonths > 36:
		duration = 0.5
	}

	return mean(detail, team, permits, duration)
}

// ManagementRisk scores contact accountability, experience and corporate identity.
func ManagementRisk(form domain.ApplicationForm) float64 {
	contact := 0.4
	if form.ContactPerson == "" {
		contact = 0.8
	}

	experience := 0.6
	if containsAny(form.SearchText(), experienceKeywords) {
		experience = 0.3
	}

	identity := 0.3
	email := strings.ToLower(form.Email)
	if email == "" || containsAny(email, freeMailDomains) {
		identity = 0.5
	}

	return mean(contact, experience, identity)
}
