package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/credit-pipeline/internal/core/decision"
	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHECKPOINT_BACKEND", "")
	t.Setenv("RUN_TIMEOUT", "")
	t.Setenv("RATE_LIMIT_RPS", "")
	t.Setenv("REVIEW_ENABLED", "")

	cfg := Load()
	if cfg.CheckpointBackend != "postgres" {
		t.Fatalf("expected default backend postgres, got %q", cfg.CheckpointBackend)
	}
	if cfg.RunTimeout != 5*time.Minute {
		t.Fatalf("expected default run timeout 5m, got %s", cfg.RunTimeout)
	}
	if cfg.RateLimitRPS != 20 {
		t.Fatalf("expected default rate limit 20, got %v", cfg.RateLimitRPS)
	}
	if !cfg.ReviewEnabled {
		t.Fatalf("expected review to be enabled by default")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("RUN_TIMEOUT", "90s")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REVIEW_ENABLED", "false")

	cfg := Load()
	if cfg.CheckpointBackend != "sqlite" {
		t.Fatalf("expected backend override, got %q", cfg.CheckpointBackend)
	}
	if cfg.RunTimeout != 90*time.Second {
		t.Fatalf("expected run timeout 90s, got %s", cfg.RunTimeout)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rate limit 2.5, got %v", cfg.RateLimitRPS)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.RedisDB)
	}
	if cfg.ReviewEnabled {
		t.Fatalf("expected review to be disabled")
	}
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("RUN_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_BURST", "many")

	cfg := Load()
	if cfg.RunTimeout != 5*time.Minute {
		t.Fatalf("expected fallback run timeout, got %s", cfg.RunTimeout)
	}
	if cfg.RateLimitBurst != 40 {
		t.Fatalf("expected fallback burst, got %d", cfg.RateLimitBurst)
	}
}

func TestLoadPipelineEmptyPathReturnsDefaults(t *testing.T) {
	pipeline, err := LoadPipeline("")
	if err != nil {
		t.Fatalf("LoadPipeline() error = %v", err)
	}
	if pipeline.Decision.ReviewMode != decision.ReviewModeBounded {
		t.Fatalf("expected bounded review mode, got %q", pipeline.Decision.ReviewMode)
	}
}

func TestLoadPipelineOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
decision:
  review_mode: advisory
  floor_score: 0.25
  weights:
    validation: 0.10
    legal: 0.20
    risk: 0.30
    relevance: 0.15
    financial: 0.25
routing:
  validation:
    min_score: 0.65
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	pipeline, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline() error = %v", err)
	}
	if pipeline.Decision.ReviewMode != decision.ReviewModeAdvisory {
		t.Fatalf("expected advisory mode, got %q", pipeline.Decision.ReviewMode)
	}
	if pipeline.Decision.Weights[domain.StageRisk] != 0.30 {
		t.Fatalf("expected risk weight 0.30, got %v", pipeline.Decision.Weights[domain.StageRisk])
	}
	if pipeline.Decision.FloorFailures != 3 {
		t.Fatalf("expected untouched floor failures 3, got %d", pipeline.Decision.FloorFailures)
	}
	if pipeline.Routing.Validation.MinScore != 0.65 || pipeline.Routing.Validation.MaxErrors != 5 {
		t.Fatalf("unexpected validation thresholds %+v", pipeline.Routing.Validation)
	}
}

func TestParsePipelineRejectsInvalidPolicy(t *testing.T) {
	cases := map[string]string{
		"weights do not sum": "decision:\n  weights:\n    risk: 0.9\n",
		"unknown key":        "decision:\n  tiers_typo: []\n",
		"unknown review":     "decision:\n  review_mode: veto\n",
	}
	for name, content := range cases {
		if _, err := ParsePipeline([]byte(content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
