package ollama

import (
	"errors"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
)

// classifyOllamaError also retries the model-loading response ollama returns
// while a model is pulled into memory.
func classifyOllamaError(err error) resilience.ErrorClassification {
	var statusErr *resilience.HTTPStatusError
	if errors.As(err, &statusErr) && strings.Contains(strings.ToLower(statusErr.Body), "loading model") {
		return resilience.ErrorClassification{Retryable: true}
	}
	return resilience.ClassifyHTTPError(err)
}

func wrapOllamaError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return resilience.DomainError("ollama "+operation, err)
}
