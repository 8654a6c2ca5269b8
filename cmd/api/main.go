package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	httpadapter "github.com/kirillkom/rag-query-pipeline/internal/adapters/http"
	"github.com/kirillkom/rag-query-pipeline/internal/bootstrap"
	"github.com/kirillkom/rag-query-pipeline/internal/config"
	"github.com/kirillkom/rag-query-pipeline/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("rqp-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{Service: "api"})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Scheduler.Start(ctx)
	defer app.Scheduler.Stop()

	// Peers publish deletions they applied; every api process drops its own
	// cached entries for them.
	go func() {
		if err := app.Maintenance.ConsumeDeletions(ctx, app.Queue, nil); err != nil {
			logger.Error("deletion_subscription_failed", "error", err)
		}
	}()

	var handler http.Handler = httpadapter.NewRouter(app.Queries, app.Maintenance, httpadapter.Options{
		RateLimitRPS:         cfg.APIRateLimitRPS,
		RateLimitBurst:       cfg.APIRateLimitBurst,
		BackpressureInFlight: cfg.APIBackpressureMaxInFlight,
		BackpressureWait:     cfg.APIBackpressureWait,
		MaxBodyBytes:         cfg.APIMaxBodyBytes,
		Metrics:              app.Metrics,
	}).Handler()
	if cfg.H2CEnabled {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RAGQueryTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "addr", server.Addr, "h2c", cfg.H2CEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
