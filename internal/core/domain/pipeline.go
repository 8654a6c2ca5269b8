package domain

import (
	"fmt"
	"strings"
	"time"
)

// CacheTier identifies one of the four independent cache key spaces.
type CacheTier string

const (
	TierEmbedding      CacheTier = "embedding"
	TierResult         CacheTier = "result"
	TierClassification CacheTier = "classification"
	TierSemantic       CacheTier = "semantic"
)

// Tiers lists every tier in lookup order.
var Tiers = []CacheTier{TierEmbedding, TierResult, TierClassification, TierSemantic}

func ParseCacheTier(raw string) (CacheTier, error) {
	switch CacheTier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierEmbedding, "l1":
		return TierEmbedding, nil
	case TierResult, "l2":
		return TierResult, nil
	case TierClassification, "l3":
		return TierClassification, nil
	case TierSemantic, "l4":
		return TierSemantic, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse cache tier", fmt.Errorf("unknown tier %q", raw))
	}
}

type QuestionCategory string

const (
	CategoryFactual     QuestionCategory = "factual"
	CategoryExplanatory QuestionCategory = "explanatory"
	CategoryProcedural  QuestionCategory = "procedural"
	CategoryComparative QuestionCategory = "comparative"
	CategoryCreative    QuestionCategory = "creative"
)

var Categories = []QuestionCategory{
	CategoryFactual,
	CategoryExplanatory,
	CategoryProcedural,
	CategoryComparative,
	CategoryCreative,
}

func ParseQuestionCategory(raw string) (QuestionCategory, bool) {
	candidate := QuestionCategory(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range Categories {
		if c == candidate {
			return c, true
		}
	}
	return "", false
}

// RetrievalParams drive one retrieval pass.
type RetrievalParams struct {
	TopK           int     `json:"top_k" yaml:"top_k"`
	EfSearch       int     `json:"ef_search" yaml:"ef_search"`
	ScoreThreshold float64 `json:"score_threshold" yaml:"score_threshold"`
}

type State int

const (
	StateReceived State = iota
	StateEmbeddingResolved
	StateRetrieved
	StateScored
	StateRetrying
	StateAnswering
	StateCached
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateEmbeddingResolved:
		return "embedding_resolved"
	case StateRetrieved:
		return "retrieved"
	case StateScored:
		return "scored"
	case StateRetrying:
		return "retrying"
	case StateAnswering:
		return "answering"
	case StateCached:
		return "cached"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// PipelineState is owned by exactly one query execution.
type PipelineState struct {
	Request    QueryRequest
	Normalized string
	Vector     []float32
	Category   QuestionCategory
	Params     RetrievalParams
	Current    RetrievalResult
	Score      ConfidenceScore
	Best       RetrievalResult
	BestScore  ConfidenceScore
	Retries    int
	Answer     *string
	State      State
	Err        error
	Result     *QueryResult

	retrievalTime  time.Duration
	generationTime time.Duration
	cache          map[CacheTier]CacheOutcome
}

func NewPipelineState(req QueryRequest) *PipelineState {
	cache := make(map[CacheTier]CacheOutcome, len(Tiers))
	for _, tier := range Tiers {
		cache[tier] = CacheSkipped
	}
	return &PipelineState{
		Request: req,
		State:   StateReceived,
		cache:   cache,
	}
}

func (s *PipelineState) MarkCache(tier CacheTier, outcome CacheOutcome) {
	s.cache[tier] = outcome
}

func (s *PipelineState) CacheOutcomes() map[CacheTier]CacheOutcome {
	out := make(map[CacheTier]CacheOutcome, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

func (s *PipelineState) AddRetrievalTime(d time.Duration) {
	s.retrievalTime += d
}

func (s *PipelineState) AddGenerationTime(d time.Duration) {
	s.generationTime += d
}

func (s *PipelineState) RetrievalTime() time.Duration {
	return s.retrievalTime
}

func (s *PipelineState) GenerationTime() time.Duration {
	return s.generationTime
}

// Fail moves the state to Failed and keeps the first error.
func (s *PipelineState) Fail(err error) {
	if s.Err == nil {
		s.Err = err
	}
	s.State = StateFailed
}

// KeyMaterial is everything that determines a cached value.
type KeyMaterial struct {
	Text   string
	Vector []float32
	Params map[string]string
}

// EntryOptions control how a computed value is stored. A zero TTL selects the
// tier default, a negative TTL stores the entry without expiry.
type EntryOptions struct {
	TTL  time.Duration
	Tags []string
}

const NoExpiry time.Duration = -1

func DocumentTag(documentID string) string {
	return "doc:" + documentID
}

func KnowledgeBaseTag(knowledgeBaseID string) string {
	return "kb:" + knowledgeBaseID
}

// CacheStats is a point-in-time snapshot for one tier.
type CacheStats struct {
	Tier      CacheTier `json:"tier"`
	Hits      uint64    `json:"hits"`
	Misses    uint64    `json:"misses"`
	Evictions uint64    `json:"evictions"`
	Expired   uint64    `json:"expired"`
	Size      int       `json:"size"`
	Capacity  int       `json:"capacity"`
	InFlight  int       `json:"in_flight"`
	HitRate   float64   `json:"hit_rate"`
}

// DeletionNotice is issued by the document store when a document or a whole
// knowledge base is removed.
type DeletionNotice struct {
	DocumentID      string `json:"document_id,omitempty"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
}
