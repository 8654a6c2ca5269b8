package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/observability/logging"
	"github.com/kirillkom/rag-query-pipeline/internal/observability/metrics"
)

type queryServiceFake struct {
	mu       sync.Mutex
	result   domain.QueryResult
	requests []domain.QueryRequest
	logAttrs [][]slog.Attr
}

func (f *queryServiceFake) Answer(ctx context.Context, req domain.QueryRequest) domain.QueryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.logAttrs = append(f.logAttrs, logging.Attrs(ctx))
	result := f.result
	result.Question = req.Question
	result.KnowledgeBaseID = req.KnowledgeBaseID
	return result
}

func (f *queryServiceFake) AnswerBatch(ctx context.Context, reqs []domain.QueryRequest) []domain.QueryResult {
	out := make([]domain.QueryResult, len(reqs))
	for i, req := range reqs {
		out[i] = f.Answer(ctx, req)
	}
	return out
}

type maintainerFake struct {
	inserted []domain.ChunkRecord
	err      error
	flushed  []domain.CacheTier
	removed  string
}

func (f *maintainerFake) InsertChunks(_ context.Context, chunks []domain.ChunkRecord) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, chunks...)
	return nil
}

func (f *maintainerFake) RemoveDocument(_ context.Context, documentID string) (domain.RemovalReport, error) {
	if f.err != nil {
		return domain.RemovalReport{}, f.err
	}
	f.removed = documentID
	return domain.RemovalReport{DocumentID: documentID, RemovedChunkIDs: []string{"c1", "c2"}, InvalidatedCached: 3}, nil
}

func (f *maintainerFake) RemoveKnowledgeBase(_ context.Context, knowledgeBaseID string) (domain.RemovalReport, error) {
	if f.err != nil {
		return domain.RemovalReport{}, f.err
	}
	f.removed = knowledgeBaseID
	return domain.RemovalReport{KnowledgeBaseID: knowledgeBaseID}, nil
}

func (f *maintainerFake) ApplyDeletion(context.Context, domain.DeletionNotice) (domain.RemovalReport, error) {
	return domain.RemovalReport{}, nil
}

func (f *maintainerFake) FlushCaches(_ context.Context, tiers ...domain.CacheTier) int {
	f.flushed = tiers
	return 4
}

func (f *maintainerFake) CacheStats() []domain.CacheStats {
	return []domain.CacheStats{{Tier: domain.TierResult, Hits: 3, Misses: 1, HitRate: 0.75}}
}

func newTestHandler(queries *queryServiceFake, maintainer *maintainerFake, opts Options) http.Handler {
	return NewRouter(queries, maintainer, opts).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestQueryRAGReturnsResult(t *testing.T) {
	queries := &queryServiceFake{result: domain.QueryResult{Answer: "Refunds take 14 days.", Status: domain.StatusOK}}
	handler := newTestHandler(queries, &maintainerFake{}, Options{})

	res := doJSON(t, handler, http.MethodPost, "/v1/rag/query", map[string]any{"question": "refunds?", "knowledge_base_id": "kb", "top_k": 3})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var result domain.QueryResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Answer != "Refunds take 14 days." || result.KnowledgeBaseID != "kb" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(queries.requests) != 1 || queries.requests[0].TopK != 3 {
		t.Fatalf("expected top_k to reach the service, got %+v", queries.requests)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestFailedQueryMapsFailureKindToStatus(t *testing.T) {
	tests := []struct {
		kind domain.FailureKind
		want int
	}{
		{domain.FailureInput, http.StatusBadRequest},
		{domain.FailureTimeout, http.StatusGatewayTimeout},
		{domain.FailureUpstream, http.StatusServiceUnavailable},
		{domain.FailureConsistency, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		queries := &queryServiceFake{result: domain.QueryResult{Status: domain.StatusFailed, FailureKind: tt.kind, Error: "boom"}}
		res := doJSON(t, newTestHandler(queries, &maintainerFake{}, Options{}), http.MethodPost, "/v1/rag/query", map[string]any{"question": "q"})
		if res.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.kind, tt.want, res.Code)
		}
		if !strings.Contains(res.Body.String(), `"status":"failed"`) {
			t.Fatalf("%s: expected result body, got %s", tt.kind, res.Body.String())
		}
	}
}

func TestDegradedQueryIsStill200(t *testing.T) {
	queries := &queryServiceFake{result: domain.QueryResult{Status: domain.StatusDegraded}}
	res := doJSON(t, newTestHandler(queries, &maintainerFake{}, Options{}), http.MethodPost, "/v1/rag/query", map[string]any{"question": "q"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestQueryRAGRejectsInvalidJSON(t *testing.T) {
	handler := newTestHandler(&queryServiceFake{}, &maintainerFake{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/rag/query", strings.NewReader("{"))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestQueryRAGRejectsOversizedBody(t *testing.T) {
	handler := newTestHandler(&queryServiceFake{}, &maintainerFake{}, Options{MaxBodyBytes: 16})
	res := doJSON(t, handler, http.MethodPost, "/v1/rag/query", map[string]any{"question": strings.Repeat("a", 64)})
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestBatchKeepsOrderAndValidatesSize(t *testing.T) {
	queries := &queryServiceFake{result: domain.QueryResult{Status: domain.StatusOK}}
	handler := newTestHandler(queries, &maintainerFake{}, Options{})

	res := doJSON(t, handler, http.MethodPost, "/v1/rag/query/batch", map[string]any{"queries": []map[string]string{{"question": "a"}, {"question": "b"}}})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Results []domain.QueryResult `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Results) != 2 || payload.Results[0].Question != "a" || payload.Results[1].Question != "b" {
		t.Fatalf("unexpected results %+v", payload.Results)
	}

	empty := doJSON(t, handler, http.MethodPost, "/v1/rag/query/batch", map[string]any{"queries": []any{}})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", empty.Code)
	}
}

func TestInsertChunksAccepted(t *testing.T) {
	maintainer := &maintainerFake{}
	handler := newTestHandler(&queryServiceFake{}, maintainer, Options{})

	res := doJSON(t, handler, http.MethodPost, "/v1/chunks", map[string]any{"chunks": []domain.ChunkRecord{{ID: "c1", DocumentID: "d", Vector: []float32{1}}}})
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if len(maintainer.inserted) != 1 {
		t.Fatalf("expected one inserted chunk, got %d", len(maintainer.inserted))
	}
}

func TestInsertChunksMapsDimensionMismatchTo400(t *testing.T) {
	maintainer := &maintainerFake{err: domain.WrapError(domain.ErrDimensionMismatch, "insert", errors.New("want 3 got 2"))}
	res := doJSON(t, newTestHandler(&queryServiceFake{}, maintainer, Options{}), http.MethodPost, "/v1/chunks", map[string]any{"chunks": []domain.ChunkRecord{{ID: "c1"}}})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestRemoveDocumentReturnsReport(t *testing.T) {
	maintainer := &maintainerFake{}
	res := doJSON(t, newTestHandler(&queryServiceFake{}, maintainer, Options{}), http.MethodDelete, "/v1/documents/doc-7", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if maintainer.removed != "doc-7" {
		t.Fatalf("expected doc-7 removed, got %q", maintainer.removed)
	}
	if !strings.Contains(res.Body.String(), `"invalidated_cache_entries":3`) {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
}

func TestRemoveKnowledgeBaseMapsUnavailableTo503(t *testing.T) {
	maintainer := &maintainerFake{err: domain.WrapError(domain.ErrUnavailable, "delete", errors.New("qdrant down"))}
	res := doJSON(t, newTestHandler(&queryServiceFake{}, maintainer, Options{}), http.MethodDelete, "/v1/knowledge-bases/kb", nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestFlushCacheParsesTierAliases(t *testing.T) {
	maintainer := &maintainerFake{}
	handler := newTestHandler(&queryServiceFake{}, maintainer, Options{})

	res := doJSON(t, handler, http.MethodPost, "/v1/cache/flush", map[string]any{"tiers": []string{"l1", "semantic"}})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if len(maintainer.flushed) != 2 || maintainer.flushed[0] != domain.TierEmbedding || maintainer.flushed[1] != domain.TierSemantic {
		t.Fatalf("unexpected flushed tiers %v", maintainer.flushed)
	}

	bad := doJSON(t, handler, http.MethodPost, "/v1/cache/flush", map[string]any{"tiers": []string{"l9"}})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", bad.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/flush", nil)
	all := httptest.NewRecorder()
	handler.ServeHTTP(all, req)
	if all.Code != http.StatusOK || len(maintainer.flushed) != 0 {
		t.Fatalf("expected bodiless flush of every tier, got %d %v", all.Code, maintainer.flushed)
	}
}

func TestMetricsEndpointServesPipelineSeries(t *testing.T) {
	m := metrics.NewHTTPServerMetrics("api")
	handler := newTestHandler(&queryServiceFake{}, &maintainerFake{}, Options{Metrics: m})

	doJSON(t, handler, http.MethodGet, "/v1/cache/stats", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "rqp_http_requests_total") {
		t.Fatalf("expected prometheus output, got %d", res.Code)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	res := doJSON(t, newTestHandler(&queryServiceFake{}, &maintainerFake{}, Options{}), http.MethodGet, "/v1/rag/query", nil)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}
