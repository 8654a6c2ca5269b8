package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type attrsContextKey struct{}

// NewJSONLogger writes JSON lines to stdout. Records logged with a context
// also carry the attributes attached to it by WithAttrs.
func NewJSONLogger(service, level string) *slog.Logger {
	return newJSONLogger(os.Stdout, service, level)
}

func newJSONLogger(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(contextHandler{Handler: handler}).With("service", service)
}

// WithAttrs returns a context whose log records get args appended, e.g. the
// request id of the HTTP call a query runs for.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	extra := slog.Group("", args...).Value.Group()
	existing := Attrs(ctx)
	merged := make([]slog.Attr, 0, len(existing)+len(extra))
	merged = append(merged, existing...)
	merged = append(merged, extra...)
	return context.WithValue(ctx, attrsContextKey{}, merged)
}

// Attrs lists the attributes attached to ctx.
func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	attrs, _ := ctx.Value(attrsContextKey{}).([]slog.Attr)
	return attrs
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := Attrs(ctx); len(attrs) > 0 {
		record = record.Clone()
		record.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
