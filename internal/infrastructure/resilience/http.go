package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// HTTPStatusError is returned by gateway transports for non-2xx responses.
type HTTPStatusError struct {
	Gateway    string
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "gateway status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s %s status: %s", e.Gateway, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Gateway, e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// NewHTTPStatusError reads at most 2KiB of the body into the error.
func NewHTTPStatusError(gateway, operation string, resp *http.Response) *HTTPStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Gateway:    gateway,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// ClassifyHTTPError decides retry and breaker accounting for gateway calls.
func ClassifyHTTPError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{RecordFailure: true}
}

// DomainError maps a transport failure to the domain error kinds. Transient
// kinds also carry domain.ErrTemporary.
func DomainError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, operation, err)
	}
	if IsCircuitOpen(err) {
		return transient(domain.ErrUnavailable, operation, err)
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return transient(domain.ErrRateLimited, operation, err)
		case code == http.StatusUnavailableForLegalReasons:
			return domain.WrapError(domain.ErrContentFiltered, operation, err)
		case code == http.StatusRequestTimeout || code >= 500:
			return transient(domain.ErrUnavailable, operation, err)
		case code == http.StatusNotFound:
			return domain.WrapError(domain.ErrNotFound, operation, err)
		default:
			return domain.WrapError(domain.ErrInvalidInput, operation, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(domain.ErrUnavailable, operation, err)
	}
	return domain.WrapError(domain.ErrUnavailable, operation, err)
}

func transient(kind error, operation string, err error) error {
	return fmt.Errorf("%s: %w: %w: %w", operation, kind, domain.ErrTemporary, err)
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
