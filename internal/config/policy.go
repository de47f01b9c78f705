package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/credit-pipeline/internal/core/decision"
	"github.com/kirillkom/credit-pipeline/internal/core/routing"
)

// Pipeline is the business policy: aggregation rules and routing thresholds.
type Pipeline struct {
	Decision decision.Policy    `yaml:"decision"`
	Routing  routing.Thresholds `yaml:"routing"`
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		Decision: decision.DefaultPolicy(),
		Routing:  routing.DefaultThresholds(),
	}
}

// LoadPipeline overlays the YAML file at path onto the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func LoadPipeline(path string) (Pipeline, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePipeline(raw)
}

func ParsePipeline(raw []byte) (Pipeline, error) {
	out := DefaultPipeline()

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return Pipeline{}, fmt.Errorf("decode policy: %w", err)
	}

	if err := out.Decision.Validate(); err != nil {
		return Pipeline{}, fmt.Errorf("invalid decision policy: %w", err)
	}
	if err := out.Routing.Validate(); err != nil {
		return Pipeline{}, fmt.Errorf("invalid routing thresholds: %w", err)
	}
	return out, nil
}
