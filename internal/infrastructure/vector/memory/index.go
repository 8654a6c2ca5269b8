package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// Index is an in-process exact cosine index. Reads share the lock, writes are
// serialized and swap whole records so readers never observe a torn chunk.
type Index struct {
	mu        sync.RWMutex
	dimension int
	chunks    map[string]domain.ChunkRecord
	byDoc     map[string]map[string]struct{}
	byKB      map[string]map[string]struct{}
}

// New creates an index. A zero dimension is fixed by the first upsert.
func New(dimension int) *Index {
	return &Index{
		dimension: dimension,
		chunks:    make(map[string]domain.ChunkRecord),
		byDoc:     make(map[string]map[string]struct{}),
		byKB:      make(map[string]map[string]struct{}),
	}
}

func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dimension
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

func (x *Index) Upsert(_ context.Context, chunks []domain.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	dimension := x.dimension
	if dimension == 0 {
		dimension = len(chunks[0].Vector)
	}
	if dimension == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "memory upsert", fmt.Errorf("chunk vectors must not be empty"))
	}
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "memory upsert", fmt.Errorf("chunk id is required"))
		}
		if len(chunk.Vector) != dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "memory upsert",
				fmt.Errorf("chunk %q has dimension %d, index expects %d", chunk.ID, len(chunk.Vector), dimension))
		}
	}
	x.dimension = dimension

	for _, chunk := range chunks {
		if prev, ok := x.chunks[chunk.ID]; ok {
			x.unindexLocked(prev)
		}
		stored := chunk
		stored.Vector = append([]float32(nil), chunk.Vector...)
		x.chunks[chunk.ID] = stored
		addPosting(x.byDoc, stored.DocumentID, stored.ID)
		addPosting(x.byKB, stored.KnowledgeBaseID, stored.ID)
	}
	return nil
}

// Search scans every chunk in the knowledge base (all chunks when empty).
// efSearch is accepted for interface parity; an exact scan has nothing to tune.
func (x *Index) Search(_ context.Context, vector []float32, k, _ int, knowledgeBaseID string) ([]domain.ScoredChunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.dimension != 0 && len(vector) != x.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "memory search",
			fmt.Errorf("query has dimension %d, index expects %d", len(vector), x.dimension))
	}
	if k <= 0 || len(x.chunks) == 0 {
		return nil, nil
	}

	candidates := make([]domain.ScoredChunk, 0, len(x.chunks))
	visit := func(chunk domain.ChunkRecord) {
		candidates = append(candidates, domain.ScoredChunk{
			Chunk: chunk,
			Score: Cosine(vector, chunk.Vector),
		})
	}
	if knowledgeBaseID != "" {
		for id := range x.byKB[knowledgeBaseID] {
			visit(x.chunks[id])
		}
	} else {
		for _, chunk := range x.chunks {
			visit(chunk)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].Chunk.ID < candidates[j].Chunk.ID
		}
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (x *Index) DeleteDocument(_ context.Context, documentID string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.deletePostingLocked(x.byDoc, documentID), nil
}

func (x *Index) DeleteKnowledgeBase(_ context.Context, knowledgeBaseID string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.deletePostingLocked(x.byKB, knowledgeBaseID), nil
}

// Remove deletes chunks by id and reports how many existed.
func (x *Index) Remove(ids ...string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	removed := 0
	for _, id := range ids {
		chunk, ok := x.chunks[id]
		if !ok {
			continue
		}
		x.unindexLocked(chunk)
		delete(x.chunks, id)
		removed++
	}
	return removed
}

func (x *Index) Exists(_ context.Context, chunkIDs []string) (map[string]bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		_, ok := x.chunks[id]
		out[id] = ok
	}
	return out, nil
}

func (x *Index) deletePostingLocked(postings map[string]map[string]struct{}, key string) []string {
	ids := postings[key]
	if len(ids) == 0 {
		return nil
	}
	removed := make([]string, 0, len(ids))
	for id := range ids {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	for _, id := range removed {
		chunk := x.chunks[id]
		x.unindexLocked(chunk)
		delete(x.chunks, id)
	}
	return removed
}

func (x *Index) unindexLocked(chunk domain.ChunkRecord) {
	removePosting(x.byDoc, chunk.DocumentID, chunk.ID)
	removePosting(x.byKB, chunk.KnowledgeBaseID, chunk.ID)
}

func addPosting(postings map[string]map[string]struct{}, key, id string) {
	set, ok := postings[key]
	if !ok {
		set = make(map[string]struct{})
		postings[key] = set
	}
	set[id] = struct{}{}
}

func removePosting(postings map[string]map[string]struct{}, key, id string) {
	set, ok := postings[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(postings, key)
	}
}

// Cosine returns the cosine similarity of two equal-length vectors, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
