package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/core/ports"
)

type RetrieverConfig struct {
	DefaultEfSearch int
	MaxEfSearch     int
	EfPerResult     int
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		DefaultEfSearch: 100,
		MaxEfSearch:     512,
		EfPerResult:     10,
	}
}

// Retriever wraps the ANN backend. Searches run concurrently; inserts and
// removals are serialized against each other.
type Retriever struct {
	index ports.VectorIndex
	cfg   RetrieverConfig
	write sync.Mutex
}

func NewRetriever(index ports.VectorIndex, cfg RetrieverConfig) *Retriever {
	def := DefaultRetrieverConfig()
	if cfg.DefaultEfSearch <= 0 {
		cfg.DefaultEfSearch = def.DefaultEfSearch
	}
	if cfg.MaxEfSearch <= 0 {
		cfg.MaxEfSearch = def.MaxEfSearch
	}
	if cfg.EfPerResult <= 0 {
		cfg.EfPerResult = def.EfPerResult
	}
	return &Retriever{index: index, cfg: cfg}
}

// EffectiveEfSearch raises ef to at least k*perResult and caps it.
func EffectiveEfSearch(ef, k, perResult, maxEf int) int {
	if floor := k * perResult; ef < floor {
		ef = floor
	}
	if maxEf > 0 && ef > maxEf {
		ef = maxEf
	}
	return ef
}

func (r *Retriever) Search(ctx context.Context, vector []float32, k, efSearch int, knowledgeBaseID string) (domain.RetrievalResult, error) {
	if k <= 0 {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrInvalidInput, "retriever search", fmt.Errorf("k must be positive, got %d", k))
	}
	if len(vector) == 0 {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrInvalidInput, "retriever search", fmt.Errorf("query vector is empty"))
	}
	if dim := r.index.Dimension(); dim > 0 && len(vector) != dim {
		return domain.RetrievalResult{}, domain.WrapError(domain.ErrDimensionMismatch, "retriever search",
			fmt.Errorf("query has dimension %d, index expects %d", len(vector), dim))
	}
	if efSearch <= 0 {
		efSearch = r.cfg.DefaultEfSearch
	}
	efSearch = EffectiveEfSearch(efSearch, k, r.cfg.EfPerResult, r.cfg.MaxEfSearch)

	items, err := r.index.Search(ctx, vector, k, efSearch, knowledgeBaseID)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("search vector index: %w", err)
	}
	return domain.NewRetrievalResult(items).Truncate(k), nil
}

func (r *Retriever) Insert(ctx context.Context, chunks []domain.ChunkRecord) error {
	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.DocumentID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "retriever insert", fmt.Errorf("chunk and document ids are required"))
		}
		if len(chunk.Vector) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "retriever insert", fmt.Errorf("chunk %q has no vector", chunk.ID))
		}
	}
	r.write.Lock()
	defer r.write.Unlock()
	if err := r.index.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return nil
}

func (r *Retriever) RemoveDocument(ctx context.Context, documentID string) ([]string, error) {
	if documentID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retriever remove", fmt.Errorf("document id is required"))
	}
	r.write.Lock()
	defer r.write.Unlock()
	ids, err := r.index.DeleteDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("delete document chunks: %w", err)
	}
	return ids, nil
}

func (r *Retriever) RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]string, error) {
	if knowledgeBaseID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retriever remove", fmt.Errorf("knowledge base id is required"))
	}
	r.write.Lock()
	defer r.write.Unlock()
	ids, err := r.index.DeleteKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("delete knowledge base chunks: %w", err)
	}
	return ids, nil
}

// Contains reports whether every chunk id is still indexed.
func (r *Retriever) Contains(ctx context.Context, chunkIDs []string) (bool, error) {
	if len(chunkIDs) == 0 {
		return true, nil
	}
	exists, err := r.index.Exists(ctx, chunkIDs)
	if err != nil {
		return false, fmt.Errorf("check chunk existence: %w", err)
	}
	for _, id := range chunkIDs {
		if !exists[id] {
			return false, nil
		}
	}
	return true, nil
}
