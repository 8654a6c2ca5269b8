package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/config"
	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		IndexBackend:        "memory",
		EmbeddingDimension:  3,
		LLMProvider:         "ollama",
		OllamaURL:           "http://127.0.0.1:1",
		OllamaGenModel:      "gen",
		OllamaEmbedModel:    "embed",
		CacheStore:          "disk",
		CacheStoragePath:    t.TempDir(),
		CacheCompactionSpec: "@every 1m",
		RAGEfSearch:         100,
		RAGMaxEfSearch:      512,
		RAGQualityThreshold: 0.5,
		RAGRetryCap:         2,
		RAGQueryTimeout:     time.Second,
		QueryWorkers:        2,
		Policy:              config.DefaultPolicy(5, 100, 0.3),
	}
}

func TestNewWiresInMemoryApp(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := New(context.Background(), testConfig(t), logger, Options{Service: "test", SkipQueue: true})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	if app.Queries == nil || app.Maintenance == nil || app.Scheduler == nil || app.Metrics == nil {
		t.Fatalf("expected fully wired app, got %+v", app)
	}
	if app.Queue != nil {
		t.Fatalf("expected no queue when skipped")
	}

	chunks := []domain.ChunkRecord{{ID: "c1", DocumentID: "doc", KnowledgeBaseID: "kb", Text: "refunds", Vector: []float32{1, 0, 0}}}
	if err := app.Maintenance.InsertChunks(context.Background(), chunks); err != nil {
		t.Fatalf("insert: %v", err)
	}
	report, err := app.Maintenance.RemoveDocument(context.Background(), "doc")
	if err != nil || len(report.RemovedChunkIDs) != 1 {
		t.Fatalf("unexpected removal %+v err=%v", report, err)
	}
}

func TestNewRejectsBadCompactionSpec(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheCompactionSpec = "every minute"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(context.Background(), cfg, logger, Options{SkipQueue: true}); err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}

func TestCacheConfigAppliesPolicy(t *testing.T) {
	cfg := testConfig(t)
	noPersist := false
	cfg.Policy.SemanticThreshold = 0.9
	cfg.Policy.Tiers = map[domain.CacheTier]config.TierPolicy{
		domain.TierEmbedding:      {Capacity: 42, TTL: time.Hour},
		domain.TierClassification: {Persist: &noPersist},
	}

	out := cacheConfig(cfg, true)
	if out.SemanticThreshold != 0.9 {
		t.Fatalf("expected semantic threshold 0.9, got %v", out.SemanticThreshold)
	}
	if tier := out.Tiers[domain.TierEmbedding]; tier.Capacity != 42 || tier.TTL != time.Hour {
		t.Fatalf("unexpected embedding tier %+v", tier)
	}
	if !out.Tiers[domain.TierResult].Persist {
		t.Fatalf("expected result tier to persist with a store")
	}
	if out.Tiers[domain.TierClassification].Persist {
		t.Fatalf("expected classification tier not persisted")
	}

	if cacheConfig(cfg, false).Tiers[domain.TierResult].Persist {
		t.Fatalf("expected no persistence without a store")
	}
}
