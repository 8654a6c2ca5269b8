package httpadapter

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

type annotationsContextKey struct{}

// requestIDMiddleware also attaches the id to the logging context, so
// pipeline events of the request (query_completed, retry_attempt) carry it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithAttrs(r.Context(), "request_id", requestID)
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// annotations collects handler-level fields for the http_request line.
type annotations struct {
	mu    sync.Mutex
	attrs []any
}

func (a *annotations) add(args ...any) {
	a.mu.Lock()
	a.attrs = append(a.attrs, args...)
	a.mu.Unlock()
}

func (a *annotations) list() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]any(nil), a.attrs...)
}

// annotate adds fields to the access log line of the request. It is a no-op
// outside accessLogMiddleware.
func annotate(r *http.Request, args ...any) {
	if a, ok := r.Context().Value(annotationsContextKey{}).(*annotations); ok {
		a.add(args...)
	}
}

func annotateResult(r *http.Request, result domain.QueryResult) {
	args := []any{
		"query_status", string(result.Status),
		"knowledge_base_id", result.KnowledgeBaseID,
		"retries", result.Retries,
		"composite", result.Confidence.Composite,
	}
	if result.FailureKind != "" {
		args = append(args, "failure_kind", string(result.FailureKind))
	}
	annotate(r, args...)
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		notes := &annotations{}
		r = r.WithContext(context.WithValue(r.Context(), annotationsContextKey{}, notes))

		next.ServeHTTP(recorder, r)

		remoteAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			remoteAddr = host
		}

		logAttrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.statusCode,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"bytes", recorder.bytesWritten,
			"remote_addr", remoteAddr,
			"user_agent", r.UserAgent(),
		}
		logAttrs = append(logAttrs, notes.list()...)

		ctx := r.Context()
		switch {
		case recorder.statusCode >= 500:
			slog.ErrorContext(ctx, "http_request", logAttrs...)
		case recorder.statusCode >= 400:
			slog.WarnContext(ctx, "http_request", logAttrs...)
		default:
			slog.InfoContext(ctx, "http_request", logAttrs...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
