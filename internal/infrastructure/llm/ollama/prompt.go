package ollama

import (
	"encoding/json"
	"fmt"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

func buildReviewPrompt(req domain.ReviewRequest) string {
	const maxSummary = 4000
	summary := req.Summary
	if len(summary) > maxSummary {
		summary = summary[:maxSummary]
	}
	facts, err := json.Marshal(req.Facts)
	if err != nil {
		facts = []byte("{}")
	}

	return fmt.Sprintf(`You are a credit analyst reviewing the %s step of a loan application.
Return strict JSON object with keys:
recommendation (one of approved, conditional, requires_review, rejected), score (number from 0 to 1),
confidence (number from 0 to 1), findings (array of strings), conditions (array of strings).
Prefix blocking problems in findings with "critical:". No markdown, no extra keys.

Facts:
%s

Summary:
%s
`, req.Stage, facts, summary)
}
