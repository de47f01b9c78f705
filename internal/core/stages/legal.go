package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// Program limits checked by the compliance sub-score.
const (
	programMinAmount         = 1e6
	programMaxAmount         = 1e10
	programMaxDurationMonths = 84
)

var (
	knownLegalForms = []string{
		"llc", "ltd", "limited", "inc", "corp", "corporation", "jsc", "plc", "gmbh", "llp",
		"sole proprietor", "partnership", "ooo", "oao", "pao", "zao", "ao", "ip",
	}
	priorityActivities = []string{
		"manufactur", "production", "processing", "innovation", "technology", "export",
		"import substitution", "modernization", "agricultur", "energy efficiency", "digital",
	}
	suspiciousNameChars = "<>{}$#@!"
)

type LegalStage struct {
	deps Deps
}

func NewLegalStage(deps Deps) *LegalStage {
	return &LegalStage{deps: deps.normalize()}
}

func (s *LegalStage) Name() domain.StageName { return domain.StageLegal }

func (s *LegalStage) Execute(ctx context.Context, state domain.ApplicationState) (domain.StateDelta, error) {
	form := state.Intake.Form()

	company := AssessCompany(form)
	documents := AssessLegalDocuments(state)
	compliance := AssessCompliance(form)

	facts := formFacts(form)
	facts["tax_number"] = form.TaxNumber
	facts["registration_address"] = form.RegistrationAddress
	review, reviewWarning := s.deps.review(ctx, state, domain.StageLegal, projectSummary(form), facts)

	critical := append(append([]string{}, company.Critical...), compliance.Critical...)
	for _, finding := range reviewFindings(review) {
		lower := strings.ToLower(finding)
		if strings.HasPrefix(lower, "critical") || strings.Contains(lower, "prohibited") {
			critical = append(critical, finding)
		}
	}

	score := 0.3*company.Score + 0.3*documents.Score + 0.25*review.Score + 0.15*compliance.Score
	issues := append(append(append([]string{}, company.Issues...), documents.Issues...), compliance.Issues...)

	status := domain.StatusFailed
	switch {
	case score >= 0.7 && len(critical) == 0 && len(issues) <= 2:
		status = domain.StatusPassed
	case score >= 0.5 && len(issues) <= 5:
		status = domain.StatusConditional
	}

	details := domain.LegalDetails{
		CompanyScore:     round4(company.Score),
		DocumentScore:    round4(documents.Score),
		ReviewScore:      round4(review.Score),
		ComplianceScore:  round4(compliance.Score),
		CriticalRisks:    critical,
		ComplianceIssues: compliance.Issues,
	}
	verdict := domain.Verdict{
		Stage:      domain.StageLegal,
		Score:      round4(score),
		Confidence: blendConfidence(review),
		Status:     status,
		Summary: fmt.Sprintf("Company %.2f, documents %.2f, review %.2f, compliance %.2f; %d critical risks.",
			company.Score, documents.Score, review.Score, compliance.Score, len(critical)),
		Findings:    append(append([]string{}, critical...), issues...),
		CompletedAt: s.deps.Now(),
		Details:     details,
	}
	if len(documents.Issues) > 0 {
		verdict.Recommendations = append(verdict.Recommendations, "Provide the company charter and activity licenses")
	}

	return domain.StateDelta{
		Verdict:   &verdict,
		Warnings:  appendWarning(nil, reviewWarning),
		Narrative: verdict.Summary,
		Metadata: map[string]any{
			"critical_risks":   len(critical),
			"compliance_score": details.ComplianceScore,
		},
	}, nil
}

// SubScore is a sub-score with the issues that lowered it. Critical entries
// are blocking.
type SubScore struct {
	Score    float64
	Issues   []string
	Critical []string
}

// AssessCompany checks identity fields: tax number, name, legal form and address.
func AssessCompany(form domain.ApplicationForm) SubScore {
	var out SubScore

	tax := 0.0
	digits := digitsOnly(form.TaxNumber)
	switch {
	case form.TaxNumber == "":
		out.Critical = append(out.Critical, "missing tax identification number")
	case len(digits) == len(form.TaxNumber) && (len(digits) == 10 || len(digits) == 12):
		tax = 1.0
	default:
		tax = 0.3
		out.Issues = append(out.Issues, "tax identification number has an unexpected format")
	}

	name := 0.7
	lowerName := strings.ToLower(form.CompanyName)
	switch {
	case form.CompanyName == "":
		name = 0
		out.Issues = append(out.Issues, "company name is missing")
	default:
		if len([]rune(form.CompanyName)) < 3 {
			name -= 0.3
			out.Issues = append(out.Issues, "company name is too short")
		}
		if strings.ContainsAny(form.CompanyName, suspiciousNameChars) {
			name -= 0.3
			out.Issues = append(out.Issues, "company name contains unexpected characters")
		}
		if hasLegalFormMarker(lowerName) {
			name += 0.2
		}
	}

	legalForm := 0.5
	switch {
	case form.LegalForm == "":
		legalForm = 0
		out.Issues = append(out.Issues, "legal form is missing")
	case hasLegalFormMarker(strings.ToLower(form.LegalForm)):
		legalForm = 1.0
	default:
		out.Issues = append(out.Issues, "legal form is not recognised")
	}

	address := 0.0
	switch {
	case form.RegistrationAddress == "":
		out.Issues = append(out.Issues, "registration address is missing")
	case len(form.RegistrationAddress) >= 15 && strings.ContainsAny(form.RegistrationAddress, "0123456789"):
		address = 1.0
	default:
		address = 0.6
		out.Issues = append(out.Issues, "registration address looks incomplete")
	}

	out.Score = domain.Clamp01(mean(tax, domain.Clamp01(name), legalForm, address))
	return out
}

func hasLegalFormMarker(lower string) bool {
	for _, token := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '"' || r == '\'' || r == '(' || r == ')'
	}) {
		for _, form := range knownLegalForms {
			if token == form {
				return true
			}
		}
	}
	return strings.Contains(lower, "sole proprietor")
}

// AssessLegalDocuments scores the document kinds detected during validation.
func AssessLegalDocuments(state domain.ApplicationState) SubScore {
	validation, ok := state.StageResults[domain.StageValidation]
	details, hasDetails := validation.Details.(domain.ValidationDetails)
	if !ok || !hasDetails || len(details.Documents) == 0 {
		return SubScore{Score: 0.4, Issues: []string{"no legal documents provided"}}
	}

	kinds := map[string]bool{}
	for _, doc := range details.Documents {
		if doc.Extracted {
			kinds[doc.Kind] = true
		}
	}

	out := SubScore{Score: 0.5}
	if kinds["charter"] {
		out.Score += 0.25
	} else {
		out.Issues = append(out.Issues, "company charter not found among documents")
	}
	if kinds["license"] {
		out.Score += 0.25
	} else {
		out.Issues = append(out.Issues, "activity license not found among documents")
	}
	return out
}

// AssessCompliance checks the request against program limits.
func AssessCompliance(form domain.ApplicationForm) SubScore {
	out := SubScore{Score: 1.0}
	switch {
	case form.RequestedAmount > programMaxAmount:
		out.Score -= 0.5
		out.Critical = append(out.Critical, "prohibited: requested amount exceeds the program maximum")
	case form.RequestedAmount < programMinAmount:
		out.Score -= 0.3
		out.Issues = append(out.Issues, "requested amount is below the program minimum")
	}
	if form.DurationMonths > programMaxDurationMonths {
		out.Score -= 0.3
		out.Issues = append(out.Issues, fmt.Sprintf("project duration exceeds %d months", programMaxDurationMonths))
	}
	if !containsAny(form.SearchText(), priorityActivities) {
		out.Score -= 0.2
		out.Issues = append(out.Issues, "project activity is outside the priority sectors")
	}
	out.Score = domain.Clamp01(out.Score)
	return out
}
