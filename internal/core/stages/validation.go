package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

const (
	minTextLength        = 100
	minDescriptionLength = 50
	maxDescriptionLength = 5000
	maxDurationMonths    = 120
	largeAmountWarning   = 1e9
	maxValidationErrors  = 3
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type ValidationStage struct {
	deps Deps
}

func NewValidationStage(deps Deps) *ValidationStage {
	return &ValidationStage{deps: deps.normalize()}
}

func (s *ValidationStage) Name() domain.StageName { return domain.StageValidation }

func (s *ValidationStage) Execute(ctx context.Context, state domain.ApplicationState) (domain.StateDelta, error) {
	form := state.Intake.Form()
	formCheck := CheckForm(state.Intake)
	docCheck := s.checkDocuments(ctx, state, form)

	review, reviewWarning := s.deps.review(ctx, state, domain.StageValidation, projectSummary(form), formFacts(form))

	score := 0.4*formCheck.Score + 0.3*docCheck.Score + 0.3*review.Score
	warnings := append(append([]string{}, formCheck.Warnings...), docCheck.Warnings...)
	warnings = appendWarning(warnings, reviewWarning)

	status := domain.StatusPassed
	switch {
	case len(formCheck.Errors) > maxValidationErrors:
		status = domain.StatusFailed
	case len(formCheck.Errors) > 0 || len(warnings) > 0:
		status = domain.StatusWarning
	}

	details := domain.ValidationDetails{
		FormScore:     round4(formCheck.Score),
		DocumentScore: round4(docCheck.Score),
		ReviewScore:   round4(review.Score),
		Errors:        formCheck.Errors,
		Documents:     docCheck.Documents,
	}
	verdict := domain.Verdict{
		Stage:      domain.StageValidation,
		Score:      round4(score),
		Confidence: blendConfidence(review),
		Status:     status,
		Summary: fmt.Sprintf("Form %.2f, documents %.2f, review %.2f; %d errors, %d warnings.",
			formCheck.Score, docCheck.Score, review.Score, len(formCheck.Errors), len(warnings)),
		Findings:    append(append([]string{}, formCheck.Errors...), reviewFindings(review)...),
		CompletedAt: s.deps.Now(),
		Details:     details,
	}
	if len(formCheck.Errors) > 0 {
		verdict.Recommendations = []string{"Correct the application form and resubmit"}
	}

	return domain.StateDelta{
		Verdict:   &verdict,
		Warnings:  warnings,
		Narrative: verdict.Summary,
		Metadata: map[string]any{
			"form_score":     details.FormScore,
			"document_score": details.DocumentScore,
			"errors":         len(formCheck.Errors),
		},
	}, nil
}

// FormCheck is the result of structural form validation.
type FormCheck struct {
	Score    float64
	Errors   []string
	Warnings []string
}

// CheckForm validates required fields and value ranges. Each error costs 0.2.
func CheckForm(intake domain.IntakeData) FormCheck {
	var check FormCheck
	factors := []float64{}

	for _, field := range domain.RequiredFields {
		if !intake.Has(field) {
			check.Errors = append(check.Errors, "missing required field: "+field)
		}
	}

	if intake.Has(domain.FieldEmail) && !emailPattern.MatchString(intake.String(domain.FieldEmail)) {
		check.Errors = append(check.Errors, "invalid email format")
	}
	if intake.Has(domain.FieldPhone) && len(digitsOnly(intake.String(domain.FieldPhone))) < 10 {
		check.Errors = append(check.Errors, "phone number must contain at least 10 digits")
	}

	if intake.Has(domain.FieldRequestedAmount) {
		amount, ok := intake.Float(domain.FieldRequestedAmount)
		switch {
		case !ok || amount <= 0:
			check.Errors = append(check.Errors, "requested amount must be a positive number")
		case amount > largeAmountWarning:
			check.Warnings = append(check.Warnings, "requested amount is unusually large")
			factors = append(factors, 0.8)
		default:
			factors = append(factors, 1.0)
		}
	}

	if intake.Has(domain.FieldDurationMonths) {
		months, ok := intake.Float(domain.FieldDurationMonths)
		switch {
		case !ok || months <= 0:
			check.Errors = append(check.Errors, "project duration must be a positive number of months")
		case months > maxDurationMonths:
			check.Warnings = append(check.Warnings, fmt.Sprintf("project duration exceeds %d months", maxDurationMonths))
			factors = append(factors, 0.9)
		default:
			factors = append(factors, 1.0)
		}
	}

	if intake.Has(domain.FieldProjectDescription) {
		length := len([]rune(intake.String(domain.FieldProjectDescription)))
		switch {
		case length < minDescriptionLength:
			check.Warnings = append(check.Warnings, "project description is too short")
			factors = append(factors, 0.7)
		case length > maxDescriptionLength:
			check.Warnings = append(check.Warnings, "project description is too long")
			factors = append(factors, 0.9)
		default:
			factors = append(factors, 1.0)
		}
	}

	for _, field := range domain.OptionalFinancialFields {
		if !intake.Has(field) {
			continue
		}
		if intake.NonFinite(field) {
			check.Errors = append(check.Errors, "financial value must be a finite number: "+field)
			continue
		}
		v, ok := intake.Float(field)
		if !ok || v < 0 {
			check.Warnings = append(check.Warnings, "invalid financial value: "+field)
			factors = append(factors, 0.8)
		}
	}

	base := 1.0
	if len(factors) > 0 {
		base = mean(factors...)
	}
	check.Score = domain.Clamp01(base - 0.2*float64(len(check.Errors)))
	return check
}

type documentCheck struct {
	Score     float64
	Warnings  []string
	Documents []domain.DocumentSummary
}

func (s *ValidationStage) checkDocuments(ctx context.Context, state domain.ApplicationState, form domain.ApplicationForm) documentCheck {
	if len(state.Documents) == 0 {
		return documentCheck{Score: 0.7, Warnings: []string{"no supporting documents provided"}}
	}

	var check documentCheck
	factors := make([]float64, 0, len(state.Documents)*2)
	company := strings.ToLower(strings.TrimSpace(form.CompanyName))

	for _, ref := range state.Documents {
		summary := domain.DocumentSummary{StorageKey: ref.StorageKey, Filename: ref.Filename}
		if s.deps.Extractor == nil {
			check.Warnings = append(check.Warnings, fmt.Sprintf("document %s was not analysed: no extractor configured", ref.Filename))
			factors = append(factors, 0.5)
			check.Documents = append(check.Documents, summary)
			continue
		}

		extracted, err := s.deps.Extractor.ExtractText(ctx, ref)
		if err != nil {
			fault := domain.NewFault(domain.CollaboratorFault, domain.StageValidation, "extract "+ref.Filename, err)
			s.deps.Logger.Warn("document_extract_failed",
				"application_id", state.ApplicationID,
				"document", ref.StorageKey,
				"error", err,
			)
			check.Warnings = append(check.Warnings, fault.Error())
			factors = append(factors, 0.0)
			check.Documents = append(check.Documents, summary)
			continue
		}

		text := strings.ToLower(extracted.Text)
		summary.Extracted = true
		summary.PageCount = extracted.PageCount
		summary.TextLength = len([]rune(extracted.Text))
		summary.Kind = ClassifyDocument(ref.Filename, text)

		if summary.TextLength < minTextLength {
			check.Warnings = append(check.Warnings, fmt.Sprintf("document %s contains too little text", ref.Filename))
			factors = append(factors, 0.6)
		} else {
			factors = append(factors, 1.0)
		}

		if company != "" && strings.Contains(text, company) {
			summary.MentionsCompany = true
			factors = append(factors, 1.0)
		} else {
			check.Warnings = append(check.Warnings, fmt.Sprintf("document %s does not mention the company name", ref.Filename))
			factors = append(factors, 0.8)
		}
		check.Documents = append(check.Documents, summary)
	}

	check.Score = mean(factors...)
	return check
}

var documentKinds = []struct {
	kind     string
	keywords []string
}{
	{"charter", []string{"charter", "articles of association", "articles of incorporation", "bylaws"}},
	{"license", []string{"license", "licence", "permit"}},
	{"financial_statement", []string{"balance sheet", "income statement", "financial statement", "profit and loss"}},
	{"bank_statement", []string{"bank statement", "account statement"}},
	{"business_plan", []string{"business plan", "feasibility"}},
}

// ClassifyDocument guesses a document's kind from its name and text.
func ClassifyDocument(filename, lowerText string) string {
	haystack := strings.ToLower(filename) + " " + lowerText
	for _, candidate := range documentKinds {
		if containsAny(haystack, candidate.keywords) {
			return candidate.kind
		}
	}
	return "other"
}
