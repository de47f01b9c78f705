package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
)

const maxReviewItems = 10

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

// New builds an Ollama client. executor may be nil, in which case calls are
// made once without retry or circuit breaking.
func New(baseURL, model string, timeout time.Duration, executor *resilience.Executor) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

// Reviewer implements the qualitative review collaborator on top of the
// generate endpoint in JSON mode.
type Reviewer struct {
	client *Client
}

func NewReviewer(client *Client) *Reviewer {
	return &Reviewer{client: client}
}

type reviewResponse struct {
	Recommendation string   `json:"recommendation"`
	Score          *float64 `json:"score"`
	Confidence     *float64 `json:"confidence"`
	Findings       []string `json:"findings"`
	Conditions     []string `json:"conditions"`
}

func (r *Reviewer) Review(ctx context.Context, req domain.ReviewRequest) (domain.Review, error) {
	respText, err := r.client.generateJSON(ctx, buildReviewPrompt(req))
	if err != nil {
		return domain.Review{}, err
	}

	var parsed reviewResponse
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &parsed); err != nil {
		return domain.Review{}, domain.WrapError(domain.ErrInvalidInput, "parse review json", err)
	}

	status, ok := domain.ParseDecisionStatus(strings.ToLower(strings.TrimSpace(parsed.Recommendation)))
	if !ok {
		return domain.Review{}, domain.WrapError(domain.ErrInvalidInput, "parse review json",
			fmt.Errorf("unknown recommendation %q", parsed.Recommendation))
	}
	if parsed.Confidence == nil || math.IsNaN(*parsed.Confidence) {
		return domain.Review{}, domain.WrapError(domain.ErrInvalidInput, "parse review json", errors.New("confidence is missing"))
	}

	score := scoreForRecommendation(status)
	if parsed.Score != nil && !math.IsNaN(*parsed.Score) {
		score = *parsed.Score
	}
	return domain.Review{
		Recommendation: string(status),
		Score:          domain.Clamp01(score),
		Confidence:     domain.Clamp01(*parsed.Confidence),
		Findings:       cleanItems(parsed.Findings),
		Conditions:     cleanItems(parsed.Conditions),
	}, nil
}

func scoreForRecommendation(status domain.DecisionStatus) float64 {
	switch status {
	case domain.DecisionApproved:
		return 0.85
	case domain.DecisionConditional:
		return 0.65
	case domain.DecisionRequiresReview:
		return 0.5
	default:
		return 0.2
	}
}

func cleanItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == maxReviewItems {
			break
		}
	}
	return out
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}
	response, err := postJSON[generateResponse](ctx, c, "/api/generate", reqBody, "generate")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
