package ports

import (
	"context"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// Stage is one analysis step. Expected business outcomes are encoded in the
// returned verdict; an error return is treated as a stage fault.
type Stage interface {
	Name() domain.StageName
	Execute(ctx context.Context, state domain.ApplicationState) (domain.StateDelta, error)
}

// DecisionMaker aggregates stage results into the final decision.
type DecisionMaker interface {
	Decide(ctx context.Context, state domain.ApplicationState) (domain.FinalDecision, error)
}
