package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	BaseURL         string
	APIKey          string
	GenerationModel string
	EmbeddingModel  string
	Timeout         time.Duration
	Temperature     float64
}

// Client talks to any OpenAI-compatible chat and embeddings API.
type Client struct {
	baseURL     string
	apiKey      string
	genModel    string
	embedModel  string
	temperature float64
	httpClient  *http.Client
	executor    *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		genModel:    cfg.GenerationModel,
		embedModel:  cfg.EmbeddingModel,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
		executor:    executor,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	Stream         bool              `json:"stream"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Model() string {
	return e.client.embedModel
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "openai embed", errors.New("text is empty"))
	}
	var out embedResponse
	if err := e.client.call(ctx, "/embeddings", embedRequest{Model: e.client.embedModel, Input: text}, &out, "embed"); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, domain.WrapError(domain.ErrUnavailable, "openai embed", errors.New("response has no embeddings"))
	}
	return out.Data[0].Embedding, nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Model() string {
	return g.client.genModel
}

func (g *Generator) GenerateAnswer(ctx context.Context, question string, chunks []domain.ScoredChunk) (string, error) {
	return g.client.chat(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt(question, chunks)},
	}, false)
}

type Classifier struct {
	client *Client
}

func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

func (c *Classifier) ClassifyQuestion(ctx context.Context, question string) (domain.QuestionCategory, error) {
	raw, err := c.client.chat(ctx, []chatMessage{
		{Role: "system", Content: classificationPrompt},
		{Role: "user", Content: question},
	}, true)
	if err != nil {
		return "", err
	}
	var result struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "openai classify", fmt.Errorf("parse classification json: %w", err))
	}
	category, ok := domain.ParseQuestionCategory(result.Category)
	if !ok {
		return "", domain.WrapError(domain.ErrInvalidInput, "openai classify", fmt.Errorf("unknown category %q", result.Category))
	}
	return category, nil
}

func (c *Client) chat(ctx context.Context, messages []chatMessage, jsonMode bool) (string, error) {
	req := chatRequest{
		Model:       c.genModel,
		Messages:    messages,
		Temperature: c.temperature,
	}
	if jsonMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}

	var out chatResponse
	if err := c.call(ctx, "/chat/completions", req, &out, "chat"); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", domain.WrapError(domain.ErrUnavailable, "openai chat", errors.New("response has no choices"))
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return "", domain.WrapError(domain.ErrContentFiltered, "openai chat", errors.New("completion stopped by content filter"))
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *Client) call(ctx context.Context, path string, payload any, out any, operation string) error {
	if c.apiKey == "" {
		return domain.WrapError(domain.ErrUnavailable, "openai "+operation, errors.New("api key is not configured"))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	attempt := func(ctx context.Context) error {
		return c.post(ctx, path, body, out, operation)
	}
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai."+operation, attempt, resilience.ClassifyHTTPError)
	} else {
		err = attempt(ctx)
	}
	if err == nil {
		return nil
	}
	var statusErr *resilience.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest && strings.Contains(statusErr.Body, "content_filter") {
		return domain.WrapError(domain.ErrContentFiltered, "openai "+operation, err)
	}
	return resilience.DomainError("openai "+operation, err)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resilience.NewHTTPStatusError("openai", operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
