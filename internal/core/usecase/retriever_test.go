package usecase

import (
	"context"
	"testing"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/vector/memory"
)

func TestEffectiveEfSearch(t *testing.T) {
	tests := []struct {
		ef, k, perResult, maxEf int
		want                    int
	}{
		{ef: 100, k: 5, perResult: 10, maxEf: 512, want: 100},
		{ef: 100, k: 20, perResult: 10, maxEf: 512, want: 200},
		{ef: 800, k: 5, perResult: 10, maxEf: 512, want: 512},
		{ef: 10, k: 60, perResult: 10, maxEf: 512, want: 512},
		{ef: 10, k: 3, perResult: 10, maxEf: 0, want: 30},
	}
	for _, tt := range tests {
		if got := EffectiveEfSearch(tt.ef, tt.k, tt.perResult, tt.maxEf); got != tt.want {
			t.Fatalf("EffectiveEfSearch(%d,%d,%d,%d): expected %d, got %d", tt.ef, tt.k, tt.perResult, tt.maxEf, tt.want, got)
		}
	}
}

func newTestRetriever(t *testing.T) (*Retriever, *countingIndex) {
	t.Helper()
	index := &countingIndex{Index: memory.New(3)}
	r := NewRetriever(index, DefaultRetrieverConfig())
	if err := r.Insert(context.Background(), refundChunks); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return r, index
}

func TestRetrieverSearchOrdersAndTruncates(t *testing.T) {
	r, index := newTestRetriever(t)

	result, err := r.Search(context.Background(), []float32{1, 0, 0}, 2, 0, "kb")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := result.ChunkIDs(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("expected [c1 c2], got %v", got)
	}
	if result.Items[0].Score < result.Items[1].Score {
		t.Fatalf("expected descending scores, got %v", result.Scores())
	}
	if got := index.lastEf.Load(); got != 100 {
		t.Fatalf("expected default ef_search 100, got %d", got)
	}
}

func TestRetrieverRaisesEfForLargeK(t *testing.T) {
	r, index := newTestRetriever(t)
	if _, err := r.Search(context.Background(), []float32{1, 0, 0}, 30, 64, "kb"); err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := index.lastEf.Load(); got != 300 {
		t.Fatalf("expected ef_search raised to 300, got %d", got)
	}
}

func TestRetrieverRejectsBadQueries(t *testing.T) {
	r, index := newTestRetriever(t)
	ctx := context.Background()

	if _, err := r.Search(ctx, []float32{1, 0}, 3, 0, "kb"); !domain.IsKind(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if _, err := r.Search(ctx, []float32{1, 0, 0}, 0, 0, "kb"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid k to be rejected, got %v", err)
	}
	if _, err := r.Search(ctx, nil, 3, 0, "kb"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected empty vector to be rejected, got %v", err)
	}
	if got := index.searches.Load(); got != 0 {
		t.Fatalf("expected rejected queries not to reach the index, got %d searches", got)
	}
}

func TestRetrieverInsertValidatesChunks(t *testing.T) {
	r, _ := newTestRetriever(t)
	err := r.Insert(context.Background(), []domain.ChunkRecord{{ID: "c9", Text: "orphan", Vector: []float32{1, 0, 0}}})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected missing document id to be rejected, got %v", err)
	}
}

func TestRetrieverContainsAfterRemoval(t *testing.T) {
	r, _ := newTestRetriever(t)
	ctx := context.Background()

	ok, err := r.Contains(ctx, []string{"c1", "c3"})
	if err != nil || !ok {
		t.Fatalf("expected chunks to exist, got ok=%v err=%v", ok, err)
	}

	removed, err := r.RemoveDocument(ctx, "doc-refund")
	if err != nil {
		t.Fatalf("remove document: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed chunks, got %v", removed)
	}

	ok, err = r.Contains(ctx, []string{"c1", "c3"})
	if err != nil || ok {
		t.Fatalf("expected removed chunk to be reported missing, got ok=%v err=%v", ok, err)
	}
	if ok, _ := r.Contains(ctx, nil); !ok {
		t.Fatalf("expected empty id list to be trivially contained")
	}
}

// duplicateIndex answers every search with a fixed hit list, as a backend
// storing one point per chunk version would.
type duplicateIndex struct {
	*memory.Index
	hits []domain.ScoredChunk
}

func (x *duplicateIndex) Search(context.Context, []float32, int, int, string) ([]domain.ScoredChunk, error) {
	return x.hits, nil
}

func TestRetrieverDedupesBackendHitsAndBreaksTies(t *testing.T) {
	hit := func(id string, score float64) domain.ScoredChunk {
		return domain.ScoredChunk{Chunk: domain.ChunkRecord{ID: id, DocumentID: "doc", KnowledgeBaseID: "kb"}, Score: score}
	}
	index := &duplicateIndex{
		Index: memory.New(3),
		hits:  []domain.ScoredChunk{hit("c3", 0.5), hit("c1", 0.7), hit("c2", 0.5), hit("c1", 0.9), hit("c3", 0.4)},
	}
	r := NewRetriever(index, DefaultRetrieverConfig())

	result, err := r.Search(context.Background(), []float32{1, 0, 0}, 5, 0, "kb")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := result.ChunkIDs()
	if len(got) != 3 || got[0] != "c1" || got[1] != "c2" || got[2] != "c3" {
		t.Fatalf("expected [c1 c2 c3], got %v", got)
	}
	if scores := result.Scores(); scores[0] != 0.9 || scores[2] != 0.5 {
		t.Fatalf("expected best score kept per chunk, got %v", scores)
	}
}
