package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/core/ports"
	"github.com/kirillkom/rag-query-pipeline/internal/observability/metrics"
)

const maxBatchQueries = 100

type Options struct {
	RateLimitRPS         float64
	RateLimitBurst       int
	BackpressureInFlight int
	BackpressureWait     time.Duration
	MaxBodyBytes         int64
	Metrics              *metrics.HTTPServerMetrics
}

type Router struct {
	queries    ports.QueryService
	maintainer ports.IndexMaintainer
	opts       Options
}

func NewRouter(queries ports.QueryService, maintainer ports.IndexMaintainer, opts Options) *Router {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	return &Router{
		queries:    queries,
		maintainer: maintainer,
		opts:       opts,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/rag/query", rt.queryRAG)
	api.HandleFunc("POST /v1/rag/query/batch", rt.queryRAGBatch)
	api.HandleFunc("POST /v1/chunks", rt.insertChunks)
	api.HandleFunc("DELETE /v1/documents/{id}", rt.removeDocument)
	api.HandleFunc("DELETE /v1/knowledge-bases/{id}", rt.removeKnowledgeBase)
	api.HandleFunc("GET /v1/cache/stats", rt.cacheStats)
	api.HandleFunc("POST /v1/cache/flush", rt.flushCache)

	var reject func(string)
	if rt.opts.Metrics != nil {
		reject = rt.opts.Metrics.RecordRejection
	}
	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.opts.BackpressureInFlight, rt.opts.BackpressureWait, reject)
	guarded = rateLimitMiddleware(guarded, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst, reject)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) queryRAG(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if !rt.decode(w, r, &req) {
		return
	}
	result := rt.queries.Answer(r.Context(), req)
	annotateResult(r, result)
	writeJSON(w, mapResultToHTTPStatus(result), result)
}

func (rt *Router) queryRAGBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queries []domain.QueryRequest `json:"queries"`
	}
	if !rt.decode(w, r, &req) {
		return
	}
	switch {
	case len(req.Queries) == 0:
		writeError(w, http.StatusBadRequest, "queries are required")
		return
	case len(req.Queries) > maxBatchQueries:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d queries per batch", maxBatchQueries))
		return
	}
	results := rt.queries.AnswerBatch(r.Context(), req.Queries)
	failed := 0
	for _, result := range results {
		if result.Status == domain.StatusFailed {
			failed++
		}
	}
	annotate(r, "batch_size", len(results), "batch_failed", failed)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (rt *Router) insertChunks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chunks []domain.ChunkRecord `json:"chunks"`
	}
	if !rt.decode(w, r, &req) {
		return
	}
	if len(req.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, "chunks are required")
		return
	}
	if err := rt.maintainer.InsertChunks(r.Context(), req.Chunks); err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err.Error())
		return
	}
	annotate(r, "chunks", len(req.Chunks))
	writeJSON(w, http.StatusAccepted, map[string]int{"indexed": len(req.Chunks)})
}

func (rt *Router) removeDocument(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}
	report, err := rt.maintainer.RemoveDocument(r.Context(), id)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err.Error())
		return
	}
	annotate(r, "document_id", id, "chunks_removed", len(report.RemovedChunkIDs), "cache_invalidated", report.InvalidatedCached)
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) removeKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "knowledge base id is required")
		return
	}
	report, err := rt.maintainer.RemoveKnowledgeBase(r.Context(), id)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), err.Error())
		return
	}
	annotate(r, "knowledge_base_id", id, "chunks_removed", len(report.RemovedChunkIDs), "cache_invalidated", report.InvalidatedCached)
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": rt.maintainer.CacheStats()})
}

func (rt *Router) flushCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tiers []string `json:"tiers"`
	}
	if r.ContentLength != 0 && !rt.decode(w, r, &req) {
		return
	}
	tiers := make([]domain.CacheTier, 0, len(req.Tiers))
	for _, raw := range req.Tiers {
		tier, err := domain.ParseCacheTier(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tiers = append(tiers, tier)
	}
	removed := rt.maintainer.FlushCaches(r.Context(), tiers...)
	annotate(r, "cache_removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (rt *Router) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, rt.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
