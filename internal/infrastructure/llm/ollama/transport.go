package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
)

// call posts through the resilience executor and maps failures to domain kinds.
func (c *Client) call(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	attempt := func(ctx context.Context) error {
		return c.postJSON(ctx, path, body, out, operation)
	}
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama."+operation, attempt, classifyOllamaError)
	} else {
		err = attempt(ctx)
	}
	return wrapOllamaError(operation, err)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("ollama", operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
