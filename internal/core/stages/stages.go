// Package stages implements the five scored analysis steps of the credit
// pipeline. Every sub-score is a pure function of the application form and
// collaborator outputs so it can be tested in isolation.
package stages

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

const (
	heuristicConfidence = 0.85

	unconfiguredReviewConfidence = 0.5
	fallbackReviewConfidence     = 0.3
	neutralReviewScore           = 0.5
)

// Deps are the collaborators shared by all stages. Reviewer and Extractor may be nil.
type Deps struct {
	Reviewer  ports.QualitativeReviewer
	Extractor ports.DocumentExtractor
	Now       func() time.Time
	Logger    *slog.Logger
}

func (d Deps) normalize() Deps {
	out := d
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// All returns the analysis stages in execution order.
func All(deps Deps) []ports.Stage {
	return []ports.Stage{
		NewValidationStage(deps),
		NewLegalStage(deps),
		NewRiskStage(deps),
		NewRelevanceStage(deps),
		NewFinancialStage(deps),
	}
}

// review asks the qualitative reviewer and degrades to a neutral answer on
// failure. The returned warning is empty unless the reviewer failed.
func (d Deps) review(ctx context.Context, state domain.ApplicationState, stage domain.StageName, summary string, facts map[string]any) (domain.Review, string) {
	if d.Reviewer == nil {
		return domain.Review{
			Recommendation: string(domain.DecisionRequiresReview),
			Score:          neutralReviewScore,
			Confidence:     unconfiguredReviewConfidence,
			Degraded:       true,
		}, ""
	}

	review, err := d.Reviewer.Review(ctx, domain.ReviewRequest{
		ApplicationID: state.ApplicationID,
		Stage:         stage,
		Summary:       summary,
		Facts:         facts,
	})
	if err != nil {
		fault := domain.NewFault(domain.CollaboratorFault, stage, "review", err)
		d.Logger.Warn("stage_review_degraded",
			"application_id", state.ApplicationID,
			"stage", stage,
			"error", err,
		)
		return domain.Review{
			Recommendation: string(domain.DecisionRequiresReview),
			Score:          neutralReviewScore,
			Confidence:     fallbackReviewConfidence,
			Degraded:       true,
		}, fault.Error()
	}
	review.Score = domain.Clamp01(review.Score)
	review.Confidence = domain.Clamp01(review.Confidence)
	return review, ""
}

func blendConfidence(review domain.Review) float64 {
	return domain.Clamp01(heuristicConfidence*0.6 + review.Confidence*0.4)
}

func appendWarning(list []string, warning string) []string {
	if warning == "" {
		return list
	}
	return append(list, warning)
}

func mean(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			n++
		}
	}
	return n
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func formFacts(form domain.ApplicationForm) map[string]any {
	facts := map[string]any{
		"company_name":     form.CompanyName,
		"legal_form":       form.LegalForm,
		"project_name":     form.ProjectName,
		"requested_amount": form.RequestedAmount,
		"duration_months":  form.DurationMonths,
	}
	for key, v := range map[string]*float64{
		"annual_revenue": form.AnnualRevenue,
		"net_profit":     form.NetProfit,
		"total_assets":   form.TotalAssets,
		"debt_amount":    form.DebtAmount,
	} {
		if v != nil {
			facts[key] = *v
		}
	}
	return facts
}

func projectSummary(form domain.ApplicationForm) string {
	description := form.ProjectDescription
	if len(description) > 1500 {
		description = description[:1500]
	}
	return fmt.Sprintf("Company %q (%s) requests %.2f for %d months for project %q: %s",
		form.CompanyName, form.LegalForm, form.RequestedAmount, form.DurationMonths, form.ProjectName, description)
}

func reviewFindings(review domain.Review) []string {
	if review.Degraded {
		return nil
	}
	return review.Findings
}
