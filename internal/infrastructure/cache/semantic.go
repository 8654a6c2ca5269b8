package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/vector/memory"
)

const (
	semanticCandidates = 3
	maxSemanticRounds  = 64
)

var errEmptyVector = errors.New("question vector must not be empty")

type semanticEntry struct {
	entry
	knowledgeBaseID string
	index           *memory.Index
}

// semanticTier keys answers by question vector. Each knowledge base has its
// own index so a near-duplicate question never crosses knowledge bases.
type semanticTier struct {
	cfg       TierConfig
	threshold float64

	mu      sync.Mutex
	indexes map[string]*memory.Index
	entries *lru.Cache[string, *semanticEntry]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
}

func newSemanticTier(cfg TierConfig, threshold float64, owner *Cache) (*semanticTier, error) {
	s := &semanticTier{
		cfg:       cfg,
		threshold: threshold,
		indexes:   make(map[string]*memory.Index),
	}
	entries, err := lru.NewWithEvict[string, *semanticEntry](cfg.Capacity, func(key string, e *semanticEntry) {
		e.index.Remove(key)
		owner.untag(key, e.tags)
	})
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

func (s *semanticTier) indexFor(knowledgeBaseID string, create bool) *memory.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[knowledgeBaseID]
	if !ok && create {
		idx = memory.New(0)
		s.indexes[knowledgeBaseID] = idx
	}
	return idx
}

func (s *semanticTier) lookup(ctx context.Context, knowledgeBaseID string, vector []float32, now time.Time) (domain.QueryResult, float64, bool) {
	idx := s.indexFor(knowledgeBaseID, false)
	if idx == nil || len(vector) == 0 {
		s.misses.Add(1)
		return domain.QueryResult{}, 0, false
	}

	// Stale candidates are pruned from the index as they are met, so each
	// round either answers or looks further down the neighbor list.
	for round := 0; round < maxSemanticRounds; round++ {
		matches, err := idx.Search(ctx, vector, semanticCandidates, 0, "")
		if err != nil {
			break
		}
		pruned := 0
		for _, match := range matches {
			if match.Score < s.threshold {
				s.misses.Add(1)
				return domain.QueryResult{}, 0, false
			}
			e, ok := s.entries.Get(match.Chunk.ID)
			if ok && e.live(now) {
				s.hits.Add(1)
				return cloneResult(e.value.(domain.QueryResult)), match.Score, true
			}
			if ok && s.entries.Remove(match.Chunk.ID) {
				s.expired.Add(1)
			}
			idx.Remove(match.Chunk.ID)
			pruned++
		}
		if len(matches) < semanticCandidates || pruned == 0 {
			break
		}
	}
	s.misses.Add(1)
	return domain.QueryResult{}, 0, false
}

func (s *semanticTier) store(
	ctx context.Context,
	knowledgeBaseID string,
	vector []float32,
	result domain.QueryResult,
	opts domain.EntryOptions,
	now time.Time,
	owner *Cache,
) error {
	if len(vector) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "semantic store", errEmptyVector)
	}

	key := string(domain.TierSemantic) + ":" + uuid.NewString()
	idx := s.indexFor(knowledgeBaseID, true)
	e := &semanticEntry{
		entry: entry{
			value:     cloneResult(result),
			createdAt: now,
			ttl:       resolveTTL(s.cfg, opts.TTL),
			tags:      append([]string(nil), opts.Tags...),
		},
		knowledgeBaseID: knowledgeBaseID,
		index:           idx,
	}
	// The entry goes in first so a concurrent lookup never meets a vector
	// without its answer.
	if evicted := s.entries.Add(key, e); evicted {
		s.evictions.Add(1)
	}
	if err := idx.Upsert(ctx, []domain.ChunkRecord{{
		ID:              key,
		DocumentID:      key,
		KnowledgeBaseID: knowledgeBaseID,
		Vector:          vector,
	}}); err != nil {
		s.entries.Remove(key)
		return err
	}
	owner.tag(key, e.tags)
	return nil
}

func (s *semanticTier) remove(key string) bool {
	return s.entries.Remove(key)
}

func (s *semanticTier) purge() int {
	n := s.entries.Len()
	s.entries.Purge()
	s.mu.Lock()
	s.indexes = make(map[string]*memory.Index)
	s.mu.Unlock()
	return n
}

func (s *semanticTier) compact(now time.Time) int {
	removed := 0
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok || e.live(now) {
			continue
		}
		if s.entries.Remove(key) {
			s.expired.Add(1)
			removed++
		}
	}
	return removed
}

func (s *semanticTier) stats() domain.CacheStats {
	return snapshot(domain.TierSemantic, s.cfg.Capacity, s.entries.Len(), 0,
		s.hits.Load(), s.misses.Load(), s.evictions.Load(), s.expired.Load())
}
