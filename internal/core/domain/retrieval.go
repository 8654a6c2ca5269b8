package domain

import "sort"

// ChunkPosition locates a chunk inside its source document.
type ChunkPosition struct {
	Index  int `json:"index"`
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// ChunkRecord is immutable once indexed.
type ChunkRecord struct {
	ID              string        `json:"id"`
	DocumentID      string        `json:"document_id"`
	KnowledgeBaseID string        `json:"knowledge_base_id"`
	Text            string        `json:"text"`
	Vector          []float32     `json:"vector,omitempty"`
	Position        ChunkPosition `json:"position"`
}

type ScoredChunk struct {
	Chunk ChunkRecord `json:"chunk"`
	Score float64     `json:"score"`
}

// RetrievalResult is ordered by score descending, ties by chunk id ascending,
// and holds at most one entry per chunk id.
type RetrievalResult struct {
	Items []ScoredChunk `json:"items"`
}

// NewRetrievalResult dedupes by chunk id (keeping the best score) and orders the items.
func NewRetrievalResult(items []ScoredChunk) RetrievalResult {
	best := make(map[string]int, len(items))
	out := make([]ScoredChunk, 0, len(items))
	for _, item := range items {
		if idx, ok := best[item.Chunk.ID]; ok {
			if item.Score > out[idx].Score {
				out[idx] = item
			}
			continue
		}
		best[item.Chunk.ID] = len(out)
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Chunk.ID < out[j].Chunk.ID
		}
		return out[i].Score > out[j].Score
	})
	return RetrievalResult{Items: out}
}

func (r RetrievalResult) Len() int {
	return len(r.Items)
}

// Filter returns a new result without items scoring below threshold.
func (r RetrievalResult) Filter(threshold float64) RetrievalResult {
	out := make([]ScoredChunk, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Score >= threshold {
			out = append(out, item)
		}
	}
	return RetrievalResult{Items: out}
}

// Truncate keeps the first k items.
func (r RetrievalResult) Truncate(k int) RetrievalResult {
	if k <= 0 || k >= len(r.Items) {
		return r
	}
	out := make([]ScoredChunk, k)
	copy(out, r.Items[:k])
	return RetrievalResult{Items: out}
}

func (r RetrievalResult) Scores() []float64 {
	out := make([]float64, len(r.Items))
	for i, item := range r.Items {
		out[i] = item.Score
	}
	return out
}

func (r RetrievalResult) ChunkIDs() []string {
	out := make([]string, len(r.Items))
	for i, item := range r.Items {
		out[i] = item.Chunk.ID
	}
	return out
}

// DocumentIDs returns the distinct source documents in result order.
func (r RetrievalResult) DocumentIDs() []string {
	seen := make(map[string]struct{}, len(r.Items))
	out := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if _, ok := seen[item.Chunk.DocumentID]; ok {
			continue
		}
		seen[item.Chunk.DocumentID] = struct{}{}
		out = append(out, item.Chunk.DocumentID)
	}
	return out
}
