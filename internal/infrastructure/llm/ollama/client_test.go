package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
)

func newTestClient(url string, executor *resilience.Executor) *Client {
	return New(Config{BaseURL: url, GenerationModel: "gen", EmbeddingModel: "embed"}, executor)
}

func fastExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	}, nil)
}

func TestGeneratorBuildsContextPrompt(t *testing.T) {
	var capturedPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		capturedPrompt, _ = payload["prompt"].(string)
		_, _ = w.Write([]byte(`{"response":" ok "}`))
	}))
	defer server.Close()

	gen := NewGenerator(newTestClient(server.URL, nil))
	answer, err := gen.GenerateAnswer(context.Background(), "question?", []domain.ScoredChunk{
		{Chunk: domain.ChunkRecord{ID: "c1", DocumentID: "doc-a", Text: "chunk text"}, Score: 0.99},
	})
	if err != nil {
		t.Fatalf("GenerateAnswer() error = %v", err)
	}
	if answer != "ok" {
		t.Fatalf("expected trimmed answer, got %q", answer)
	}
	if !strings.Contains(capturedPrompt, "question?") || !strings.Contains(capturedPrompt, "chunk text") || !strings.Contains(capturedPrompt, "doc-a") {
		t.Fatalf("unexpected prompt: %s", capturedPrompt)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(newTestClient(server.URL, nil))
	_, err := embedder.EmbedQuery(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrUnavailable) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected transient unavailable error, got %v", err)
	}
}

func TestEmbedRetriesRateLimitedRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(newTestClient(server.URL, fastExecutor()))
	vector, err := embedder.EmbedQuery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vector) != 3 || calls.Load() != 2 {
		t.Fatalf("expected 3-dim vector after 2 calls, got %v after %d", vector, calls.Load())
	}
	if embedder.Model() != "embed" {
		t.Fatalf("unexpected model %q", embedder.Model())
	}
}

func TestEmbedDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewEmbedder(newTestClient(server.URL, fastExecutor())).EmbedQuery(context.Background(), "hello")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestClassifierParsesCategory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["format"] != "json" {
			t.Errorf("expected json format, got %v", payload["format"])
		}
		_, _ = w.Write([]byte(`{"response":"Sure: {\"category\": \"Comparative\"}"}`))
	}))
	defer server.Close()

	category, err := NewClassifier(newTestClient(server.URL, nil)).ClassifyQuestion(context.Background(), "A vs B?")
	if err != nil {
		t.Fatalf("ClassifyQuestion() error = %v", err)
	}
	if category != domain.CategoryComparative {
		t.Fatalf("expected comparative, got %s", category)
	}
}

func TestClassifierRejectsUnknownCategory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"{\"category\":\"poetry\"}"}`))
	}))
	defer server.Close()

	_, err := NewClassifier(newTestClient(server.URL, nil)).ClassifyQuestion(context.Background(), "Write a poem")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGenerateHonorsDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewGenerator(newTestClient(server.URL, fastExecutor())).GenerateAnswer(ctx, "q", nil)
	if !domain.IsKind(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}
