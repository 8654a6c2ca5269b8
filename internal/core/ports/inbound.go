package ports

import (
	"context"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// QueryService is the inbound contract for answering questions.
type QueryService interface {
	Answer(ctx context.Context, req domain.QueryRequest) domain.QueryResult
	AnswerBatch(ctx context.Context, reqs []domain.QueryRequest) []domain.QueryResult
}

// IndexMaintainer is the inbound contract used by the ingestion side.
type IndexMaintainer interface {
	InsertChunks(ctx context.Context, chunks []domain.ChunkRecord) error
	RemoveDocument(ctx context.Context, documentID string) (domain.RemovalReport, error)
	RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID string) (domain.RemovalReport, error)
	ApplyDeletion(ctx context.Context, notice domain.DeletionNotice) (domain.RemovalReport, error)
	FlushCaches(ctx context.Context, tiers ...domain.CacheTier) int
	CacheStats() []domain.CacheStats
}
