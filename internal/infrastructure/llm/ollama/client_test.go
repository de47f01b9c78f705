package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})
}

func TestReviewerParsesJSONResponse(t *testing.T) {
	var capturedPrompt, capturedFormat string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		capturedPrompt, _ = payload["prompt"].(string)
		capturedFormat, _ = payload["format"].(string)
		inner := `Sure: {"recommendation":"Approve","score":0.8,"confidence":1.4,"findings":["stable revenue"," ",""],"conditions":[]}`
		_ = json.NewEncoder(w).Encode(map[string]string{"response": inner})
	}))
	defer server.Close()

	reviewer := NewReviewer(New(server.URL, "llama3", time.Second, testExecutor()))
	review, err := reviewer.Review(context.Background(), domain.ReviewRequest{
		ApplicationID: "app-1",
		Stage:         domain.StageFinancial,
		Summary:       "Company Acme requests 1000000",
		Facts:         map[string]any{"liquidity_ratio": 1.4},
	})
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if review.Recommendation != string(domain.DecisionApproved) {
		t.Fatalf("expected approved, got %s", review.Recommendation)
	}
	if review.Score != 0.8 || review.Confidence != 1 {
		t.Fatalf("unexpected score/confidence: %v/%v", review.Score, review.Confidence)
	}
	if len(review.Findings) != 1 || review.Findings[0] != "stable revenue" {
		t.Fatalf("unexpected findings: %v", review.Findings)
	}
	if capturedFormat != "json" {
		t.Fatalf("expected json format, got %q", capturedFormat)
	}
	if !strings.Contains(capturedPrompt, "financial") || !strings.Contains(capturedPrompt, "liquidity_ratio") {
		t.Fatalf("unexpected prompt: %s", capturedPrompt)
	}
}

func TestReviewerRetriesBadGateway(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "model loading", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"response":"{\"recommendation\":\"conditional\",\"confidence\":0.7}"}`))
	}))
	defer server.Close()

	review, err := NewReviewer(New(server.URL, "llama3", time.Second, testExecutor())).
		Review(context.Background(), domain.ReviewRequest{Stage: domain.StageRisk})
	if err != nil {
		t.Fatalf("Review() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if review.Score != 0.65 {
		t.Fatalf("expected score derived from recommendation, got %v", review.Score)
	}
}

func TestReviewerPermanentStatusIsNotTemporary(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewReviewer(New(server.URL, "missing", time.Second, testExecutor())).
		Review(context.Background(), domain.ReviewRequest{Stage: domain.StageLegal})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("404 must not be temporary: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries, got %d calls", calls.Load())
	}
}

func TestReviewerServiceUnavailableIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewReviewer(New(server.URL, "llama3", time.Second, nil)).
		Review(context.Background(), domain.ReviewRequest{Stage: domain.StageLegal})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestReviewerRejectsMalformedResponse(t *testing.T) {
	for name, inner := range map[string]string{
		"not json":       "I think it is fine",
		"unknown status": `{"recommendation":"maybe","confidence":0.5}`,
		"no confidence":  `{"recommendation":"approved"}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"response": inner})
			}))
			defer server.Close()

			_, err := NewReviewer(New(server.URL, "llama3", time.Second, nil)).
				Review(context.Background(), domain.ReviewRequest{Stage: domain.StageRelevance})
			if !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}
