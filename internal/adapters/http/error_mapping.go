package httpadapter

import (
	"net/http"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrDimensionMismatch):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case domain.IsKind(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapResultToHTTPStatus keeps ok and degraded answers at 200; a failed
// query carries the status of its failure kind.
func mapResultToHTTPStatus(result domain.QueryResult) int {
	if result.Status != domain.StatusFailed {
		return http.StatusOK
	}
	switch result.FailureKind {
	case domain.FailureInput, domain.FailureContentFiltered:
		return http.StatusBadRequest
	case domain.FailureTimeout:
		return http.StatusGatewayTimeout
	case domain.FailureUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
