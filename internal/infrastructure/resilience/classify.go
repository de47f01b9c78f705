package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

// Transient builds a classifier from an adapter-specific predicate.
// Cancellation is neither retried nor recorded; an open breaker is retried so
// callers back off until the half-open probe.
func Transient(isTransient func(error) bool) ErrorClassifier {
	return func(err error) ErrorClassification {
		switch {
		case err == nil:
			return ErrorClassification{}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ErrorClassification{}
		case IsCircuitOpen(err), isTransient(err):
			return ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return ErrorClassification{RecordFailure: true}
		}
	}
}

// MarkTemporary wraps err as domain.ErrTemporary when classify would retry it,
// so callers above the adapter can requeue instead of failing the application.
func MarkTemporary(operation string, err error, classify ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classify(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
