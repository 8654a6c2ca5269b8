package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestRecordQueryExportsStatusAndCacheOutcomes(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordQuery(domain.QueryRecord{
		Status:           domain.StatusOK,
		TotalLatency:     120 * time.Millisecond,
		RetrievalLatency: 20 * time.Millisecond,
		Composite:        0.8,
		Cache: map[domain.CacheTier]domain.CacheOutcome{
			domain.TierEmbedding: domain.CacheHit,
			domain.TierResult:    domain.CacheMiss,
		},
	})
	m.RecordQuery(domain.QueryRecord{Status: domain.StatusFailed, FailureKind: domain.FailureTimeout})

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`rqp_query_total{failure_kind="none",service="api",status="ok"} 1`,
		`rqp_query_total{failure_kind="timeout",service="api",status="failed"} 1`,
		`rqp_cache_lookups_total{outcome="hit",service="api",tier="embedding"} 1`,
		`rqp_cache_lookups_total{outcome="miss",service="api",tier="result"} 1`,
		`rqp_query_confidence_count{service="api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestObserveCacheStatsSetsGauges(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.ObserveCacheStats([]domain.CacheStats{{Tier: domain.TierResult, Size: 7, HitRate: 0.5, Evictions: 2}})

	body := scrape(t, m.Handler())
	if !strings.Contains(body, `rqp_cache_entries{service="api",tier="result"} 7`) {
		t.Fatalf("expected entries gauge, got:\n%s", body)
	}
	if !strings.Contains(body, `rqp_cache_hit_rate{service="api",tier="result"} 0.5`) {
		t.Fatalf("expected hit rate gauge, got:\n%s", body)
	}
}

func TestMiddlewareNormalizesIDPaths(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/v1/documents/doc-42", nil))

	body := scrape(t, m.Handler())
	if !strings.Contains(body, `rqp_http_requests_total{method="DELETE",path="/v1/documents/{document_id}",service="api",status="404"} 1`) {
		t.Fatalf("expected normalized path series, got:\n%s", body)
	}
}

func TestWorkerMetricsCountsChunks(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartEvent()
	m.FinishEvent("chunks", 3, 10*time.Millisecond, nil)
	m.StartEvent()
	m.FinishEvent("deletion", 2, time.Millisecond, io.EOF)

	body := scrape(t, m.Handler())
	if !strings.Contains(body, `rqp_worker_chunks_indexed_total{service="worker"} 3`) {
		t.Fatalf("expected indexed chunks, got:\n%s", body)
	}
	if !strings.Contains(body, `rqp_worker_chunks_removed_total{service="worker"} 0`) {
		t.Fatalf("expected failed deletion not counted, got:\n%s", body)
	}
	if !strings.Contains(body, `rqp_worker_events_total{kind="deletion",service="worker",status="error"} 1`) {
		t.Fatalf("expected error event, got:\n%s", body)
	}
}
