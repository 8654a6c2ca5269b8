package ollama

import (
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

type Config struct {
	BaseURL         string
	GenerationModel string
	EmbeddingModel  string
	Timeout         time.Duration
	Temperature     float64
}

type Client struct {
	baseURL     string
	genModel    string
	embedModel  string
	temperature float64
	httpClient  *http.Client
	executor    *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		genModel:    cfg.GenerationModel,
		embedModel:  cfg.EmbeddingModel,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
		executor:    executor,
	}
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
		return nil, domain.WrapError(domain.ErrInvalidInput, "ollama embed", errors.New("text is empty"))
	}
	request := map[string]any{
		"model": e.client.embedModel,
		"input": []string{text},
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
		return nil, domain.WrapError(domain.ErrUnavailable, "ollama embed", errors.New("empty embedding result"))
	}
	return response.Embeddings[0], nil
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
	return g.client.generate(ctx, buildAnswerPrompt(question, chunks), false)
}

// Classifier asks the generation model for a question category in JSON mode.
type Classifier struct {
	client *Client
}

func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

func (c *Classifier) ClassifyQuestion(ctx context.Context, question string) (domain.QuestionCategory, error) {
	raw, err := c.client.generate(ctx, buildClassificationPrompt(question), true)
	if err != nil {
		return "", err
	}

	var result struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &result); err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "ollama classify", fmt.Errorf("parse classification json: %w", err))
	}
	category, ok := domain.ParseQuestionCategory(result.Category)
	if !ok {
		return "", domain.WrapError(domain.ErrInvalidInput, "ollama classify", fmt.Errorf("unknown category %q", result.Category))
	}
	return category, nil
}

func (c *Client) generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	reqBody := map[string]any{
		"model":   c.genModel,
		"prompt":  prompt,
		"stream":  false,
		"options": map[string]any{"temperature": c.temperature},
	}
	if jsonMode {
		reqBody["format"] = "json"
	}

	var response struct {
		Response   string `json:"response"`
		DoneReason string `json:"done_reason"`
	}
	if err := c.call(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	if response.DoneReason == "content_filter" {
		return "", domain.WrapError(domain.ErrContentFiltered, "ollama generate", errors.New("response withheld by model"))
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
