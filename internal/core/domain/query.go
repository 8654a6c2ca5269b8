package domain

import "time"

type QueryStatus string

const (
	StatusOK       QueryStatus = "ok"
	StatusDegraded QueryStatus = "degraded"
	StatusFailed   QueryStatus = "failed"
)

type FailureKind string

const (
	FailureInput           FailureKind = "input"
	FailureTimeout         FailureKind = "timeout"
	FailureUpstream        FailureKind = "upstream"
	FailureContentFiltered FailureKind = "content_filtered"
	FailureConsistency     FailureKind = "consistency"
)

type QueryRequest struct {
	Question        string `json:"question"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	TopK            int    `json:"top_k,omitempty"`
}

// SourceSummary is the caller-facing view of a retrieved chunk.
type SourceSummary struct {
	ChunkID         string  `json:"chunk_id"`
	DocumentID      string  `json:"document_id"`
	KnowledgeBaseID string  `json:"knowledge_base_id"`
	Score           float64 `json:"score"`
	Snippet         string  `json:"snippet"`
}

type Timing struct {
	RetrievalMS  float64 `json:"retrieval_ms"`
	GenerationMS float64 `json:"generation_ms"`
	TotalMS      float64 `json:"total_ms"`
}

type CacheOutcome string

const (
	CacheHit     CacheOutcome = "hit"
	CacheMiss    CacheOutcome = "miss"
	CacheSkipped CacheOutcome = "skipped"
)

type QueryResult struct {
	Question        string                     `json:"question"`
	KnowledgeBaseID string                     `json:"knowledge_base_id"`
	Answer          string                     `json:"answer"`
	Sources         []SourceSummary            `json:"sources"`
	Confidence      ConfidenceScore            `json:"confidence"`
	Category        QuestionCategory           `json:"category,omitempty"`
	Status          QueryStatus                `json:"status"`
	FailureKind     FailureKind                `json:"failure_kind,omitempty"`
	Error           string                     `json:"error,omitempty"`
	Retries         int                        `json:"retries"`
	Timing          Timing                     `json:"timing"`
	Cache           map[CacheTier]CacheOutcome `json:"cache"`
	ServedFrom      CacheTier                  `json:"served_from,omitempty"`
}

// DocumentIDs returns the distinct documents that back the answer.
func (r QueryResult) DocumentIDs() []string {
	seen := make(map[string]struct{}, len(r.Sources))
	out := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		if _, ok := seen[s.DocumentID]; ok {
			continue
		}
		seen[s.DocumentID] = struct{}{}
		out = append(out, s.DocumentID)
	}
	return out
}

func (r QueryResult) ChunkIDs() []string {
	out := make([]string, len(r.Sources))
	for i, s := range r.Sources {
		out[i] = s.ChunkID
	}
	return out
}

// QueryRecord is the flat per-query observation handed to the metrics sink.
type QueryRecord struct {
	KnowledgeBaseID   string
	Status            QueryStatus
	FailureKind       FailureKind
	RetrievalLatency  time.Duration
	GenerationLatency time.Duration
	TotalLatency      time.Duration
	Cache             map[CacheTier]CacheOutcome
	Composite         float64
	Retries           int
}

// RemovalReport describes what a deletion retracted.
type RemovalReport struct {
	DocumentID        string   `json:"document_id,omitempty"`
	KnowledgeBaseID   string   `json:"knowledge_base_id,omitempty"`
	RemovedChunkIDs   []string `json:"removed_chunk_ids"`
	InvalidatedCached int      `json:"invalidated_cache_entries"`
}
