package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/rag-query-pipeline/internal/config"
	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/core/ports"
	"github.com/kirillkom/rag-query-pipeline/internal/core/usecase"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/cache"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/llm/openai"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/schedule"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/storage/redisstore"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/vector/memory"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/rag-query-pipeline/internal/observability/metrics"
)

type Options struct {
	Service string
	// SkipQueue builds the app without a NATS connection; deletions are then
	// not published to peers.
	SkipQueue bool
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Cache       *cache.Cache
	Retriever   *usecase.Retriever
	Pipeline    *usecase.Pipeline
	Queries     *usecase.QueryService
	Maintenance *usecase.Maintenance
	Queue       *nats.Queue
	Metrics     *metrics.HTTPServerMetrics
	Scheduler   *schedule.CronScheduler

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Service == "" {
		opts.Service = "api"
	}
	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	store, err := openCacheStore(ctx, cfg)
	if err != nil {
		return app, err
	}
	tieredCache, err := cache.New(cacheConfig(cfg, store != nil), cache.Options{Store: store})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return app, fmt.Errorf("init cache: %w", err)
	}
	app.Cache = tieredCache
	app.closers = append(app.closers, func() { _ = tieredCache.Close() })

	index, err := app.openIndex(ctx, cfg)
	if err != nil {
		return app, err
	}
	app.Retriever = usecase.NewRetriever(index, usecase.RetrieverConfig{
		DefaultEfSearch: cfg.RAGEfSearch,
		MaxEfSearch:     cfg.RAGMaxEfSearch,
	})

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		BreakerEnabled:      cfg.BreakerEnabled,
	}, logger)
	gateways := newGateways(cfg, executor)

	scorer, err := usecase.NewScorer(usecase.ScorerConfig{
		Weights:   cfg.Policy.Weights,
		Aggregate: cfg.Policy.Aggregate,
	})
	if err != nil {
		return app, fmt.Errorf("init scorer: %w", err)
	}
	policy := usecase.CategoryPolicy(cfg.Policy.Categories)
	if err := policy.Validate(); err != nil {
		return app, fmt.Errorf("init category policy: %w", err)
	}

	var remote ports.QuestionClassifier
	if cfg.RemoteClassifier {
		remote = gateways.classifier
	}

	app.Metrics = metrics.NewHTTPServerMetrics(opts.Service)
	app.Pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Embedder:   gateways.embedder,
		Generator:  gateways.generator,
		Retriever:  app.Retriever,
		Classifier: usecase.NewClassifier(remote, logger),
		Scorer:     scorer,
		Cache:      tieredCache,
		Policy:     policy,
		Metrics:    app.Metrics,
		Logger:     logger,
	}, usecase.PipelineConfig{
		QualityThreshold: cfg.RAGQualityThreshold,
		RetryCap:         cfg.RAGRetryCap,
		MaxEfSearch:      cfg.RAGMaxEfSearch,
		QueryTimeout:     cfg.RAGQueryTimeout,
		ResultTTL:        cfg.RAGResultTTL,
	})
	app.Queries = usecase.NewQueryService(app.Pipeline, cfg.QueryWorkers)

	var publisher ports.DeletionPublisher
	if !opts.SkipQueue {
		queue, err := nats.New(cfg.NATSURL, nats.Options{
			ChunkSubject:       cfg.NATSChunkSubject,
			DeletionSubject:    cfg.NATSDeletionSubject,
			QueueGroup:         cfg.NATSQueueGroup,
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return app, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.closers = append(app.closers, queue.Close)
		publisher = queue
	}
	app.Maintenance = usecase.NewMaintenance(app.Retriever, tieredCache, publisher, logger)

	app.Scheduler = schedule.NewCronScheduler(logger)
	if err := app.Scheduler.AddJob(cache.NewCompactionJob(tieredCache, app.Metrics.ObserveCacheStats), cfg.CacheCompactionSpec); err != nil {
		return app, fmt.Errorf("schedule cache compaction: %w", err)
	}

	logger.Info("app_initialized",
		"index_backend", cfg.IndexBackend,
		"llm_provider", cfg.LLMProvider,
		"cache_store", cfg.CacheStore,
		"embedding_model", gateways.embedder.Model(),
		"generation_model", gateways.generator.Model(),
	)
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openCacheStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	switch cfg.CacheStore {
	case "redis":
		store, err := redisstore.Dial(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("init redis cache store: %w", err)
		}
		return store, nil
	case "disk":
		store, err := localfs.New(cfg.CacheStoragePath)
		if err != nil {
			return nil, fmt.Errorf("init disk cache store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// cacheConfig applies the policy tiers. With a store configured the result
// tier persists unless the policy says otherwise.
func cacheConfig(cfg config.Config, persistent bool) cache.Config {
	out := cache.DefaultConfig()
	out.SemanticThreshold = cfg.Policy.SemanticThreshold
	if persistent {
		tier := out.Tiers[domain.TierResult]
		tier.Persist = true
		out.Tiers[domain.TierResult] = tier
	}
	for name, p := range cfg.Policy.Tiers {
		tier, ok := out.Tiers[name]
		if !ok {
			continue
		}
		if p.Capacity > 0 {
			tier.Capacity = p.Capacity
		}
		if p.TTL > 0 {
			tier.TTL = p.TTL
		}
		if p.Persist != nil {
			tier.Persist = *p.Persist
		}
		out.Tiers[name] = tier
	}
	return out
}

func (a *App) openIndex(ctx context.Context, cfg config.Config) (ports.VectorIndex, error) {
	switch cfg.IndexBackend {
	case "memory":
		return memory.New(cfg.EmbeddingDimension), nil
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		return ensurePostgresIndex(ctx, db, cfg.EmbeddingDimension)
	default:
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, cfg.EmbeddingDimension), nil
	}
}

func ensurePostgresIndex(ctx context.Context, db *sql.DB, dimension int) (*postgres.ChunkRepository, error) {
	repo := postgres.NewChunkRepository(db, dimension)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

type gatewaySet struct {
	embedder   ports.Embedder
	generator  ports.AnswerGenerator
	classifier ports.QuestionClassifier
}

func newGateways(cfg config.Config, executor *resilience.Executor) gatewaySet {
	if cfg.LLMProvider == "openai" {
		client := openai.New(openai.Config{
			BaseURL:         cfg.OpenAIBaseURL,
			APIKey:          cfg.OpenAIAPIKey,
			GenerationModel: cfg.OpenAIGenModel,
			EmbeddingModel:  cfg.OpenAIEmbedModel,
			Timeout:         cfg.LLMTimeout,
			Temperature:     cfg.LLMTemperature,
		}, executor)
		return gatewaySet{
			embedder:   openai.NewEmbedder(client),
			generator:  openai.NewGenerator(client),
			classifier: openai.NewClassifier(client),
		}
	}
	client := ollama.New(ollama.Config{
		BaseURL:         cfg.OllamaURL,
		GenerationModel: cfg.OllamaGenModel,
		EmbeddingModel:  cfg.OllamaEmbedModel,
		Timeout:         cfg.LLMTimeout,
		Temperature:     cfg.LLMTemperature,
	}, executor)
	return gatewaySet{
		embedder:   ollama.NewEmbedder(client),
		generator:  ollama.NewGenerator(client),
		classifier: ollama.NewClassifier(client),
	}
}
