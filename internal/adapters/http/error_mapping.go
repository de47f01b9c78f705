package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
)

func mapErrorToHTTPStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrApplicationNotFound), domain.IsKind(err, domain.ErrDecisionUnavailable):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrCanceled):
		return http.StatusRequestTimeout
	case domain.IsKind(err, domain.ErrTemporary), resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
