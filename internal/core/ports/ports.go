package ports

import (
	"context"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// AnswerGenerator creates the final user-facing answer from retrieved context.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, chunks []domain.ScoredChunk) (string, error)
	Model() string
}

// QuestionClassifier assigns a retrieval category to a question.
type QuestionClassifier interface {
	ClassifyQuestion(ctx context.Context, question string) (domain.QuestionCategory, error)
}

// VectorIndex is the ANN backend behind the retriever.
type VectorIndex interface {
	Dimension() int
	Upsert(ctx context.Context, chunks []domain.ChunkRecord) error
	Search(ctx context.Context, vector []float32, k, efSearch int, knowledgeBaseID string) ([]domain.ScoredChunk, error)
	DeleteDocument(ctx context.Context, documentID string) ([]string, error)
	DeleteKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]string, error)
	Exists(ctx context.Context, chunkIDs []string) (map[string]bool, error)
}

// TieredCache memoizes expensive computations per tier.
type TieredCache interface {
	GetOrCompute(
		ctx context.Context,
		tier domain.CacheTier,
		material domain.KeyMaterial,
		opts domain.EntryOptions,
		compute func(context.Context) (any, error),
	) (any, bool, error)
	Get(ctx context.Context, tier domain.CacheTier, material domain.KeyMaterial) (any, bool)
	Set(ctx context.Context, tier domain.CacheTier, material domain.KeyMaterial, value any, opts domain.EntryOptions) error
	LookupSemantic(ctx context.Context, knowledgeBaseID string, vector []float32) (domain.QueryResult, float64, bool)
	StoreSemantic(ctx context.Context, knowledgeBaseID string, vector []float32, result domain.QueryResult, opts domain.EntryOptions) error
	InvalidateTags(ctx context.Context, tags ...string) int
	Flush(ctx context.Context, tiers ...domain.CacheTier) int
	Stats() []domain.CacheStats
}

// MetricsSink receives one flat record per finished query.
type MetricsSink interface {
	RecordQuery(record domain.QueryRecord)
}

// DeletionPublisher fans deletion notices out to peer processes.
type DeletionPublisher interface {
	PublishDeletion(ctx context.Context, notice domain.DeletionNotice) error
}

// EventObserver is told about every index event a consumer handles.
type EventObserver interface {
	StartEvent()
	FinishEvent(kind string, chunks int, duration time.Duration, err error)
}

// IndexEventSource delivers chunk batches and deletion notices from the document store.
type IndexEventSource interface {
	SubscribeChunkBatches(ctx context.Context, handler func(context.Context, []domain.ChunkRecord) error) error
	SubscribeDeletions(ctx context.Context, handler func(context.Context, domain.DeletionNotice) error) error
}
