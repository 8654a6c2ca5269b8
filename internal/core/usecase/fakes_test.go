package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/cache"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/vector/memory"
)

type embedderFake struct {
	mu     sync.Mutex
	vector []float32
	err    error
	calls  int
	texts  []string
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return append([]float32(nil), f.vector...), nil
}

func (f *embedderFake) Model() string { return "embed-fake" }

func (f *embedderFake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type generatorFake struct {
	mu       sync.Mutex
	answer   string
	err      error
	block    bool
	calls    int
	contexts [][]domain.ScoredChunk

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func (f *generatorFake) GenerateAnswer(ctx context.Context, _ string, chunks []domain.ScoredChunk) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if n <= prev || f.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	f.contexts = append(f.contexts, chunks)
	answer, err, block, delay := f.answer, f.err, f.block, f.delay
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (f *generatorFake) Model() string { return "gen-fake" }

func (f *generatorFake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type classifierFake struct {
	category domain.QuestionCategory
	err      error
	calls    int
}

func (f *classifierFake) ClassifyQuestion(context.Context, string) (domain.QuestionCategory, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.category, nil
}

type countingIndex struct {
	*memory.Index
	searches atomic.Int32
	lastK    atomic.Int32
	lastEf   atomic.Int32
}

func (x *countingIndex) Search(ctx context.Context, vector []float32, k, efSearch int, kb string) ([]domain.ScoredChunk, error) {
	x.searches.Add(1)
	x.lastK.Store(int32(k))
	x.lastEf.Store(int32(efSearch))
	return x.Index.Search(ctx, vector, k, efSearch, kb)
}

type sinkFake struct {
	mu      sync.Mutex
	records []domain.QueryRecord
}

func (s *sinkFake) RecordQuery(record domain.QueryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

type publisherFake struct {
	notices []domain.DeletionNotice
	err     error
}

func (p *publisherFake) PublishDeletion(_ context.Context, notice domain.DeletionNotice) error {
	p.notices = append(p.notices, notice)
	return p.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var refundChunks = []domain.ChunkRecord{
	{ID: "c1", DocumentID: "doc-refund", KnowledgeBaseID: "kb", Text: "The refund policy allows returns within 30 days.", Vector: []float32{1, 0, 0}},
	{ID: "c2", DocumentID: "doc-refund", KnowledgeBaseID: "kb", Text: "Refund requests need a receipt and the original policy number.", Vector: []float32{0.9, 0.1, 0}},
	{ID: "c3", DocumentID: "doc-shipping", KnowledgeBaseID: "kb", Text: "Shipping takes five business days.", Vector: []float32{0, 1, 0}},
}

const groundedAnswer = "The refund policy allows returns within 30 days of purchase, with a receipt, and store credit otherwise."

type harness struct {
	embedder  *embedderFake
	generator *generatorFake
	index     *countingIndex
	cache     *cache.Cache
	retriever *Retriever
	sink      *sinkFake
	pipeline  *Pipeline
}

func newHarness(t *testing.T, cfg PipelineConfig, chunks []domain.ChunkRecord) *harness {
	t.Helper()
	h := &harness{
		embedder:  &embedderFake{vector: []float32{1, 0, 0}},
		generator: &generatorFake{answer: groundedAnswer},
		index:     &countingIndex{Index: memory.New(3)},
		sink:      &sinkFake{},
	}
	c, err := cache.New(cache.DefaultConfig(), cache.Options{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	h.cache = c
	h.retriever = NewRetriever(h.index, DefaultRetrieverConfig())
	if len(chunks) > 0 {
		if err := h.retriever.Insert(context.Background(), chunks); err != nil {
			t.Fatalf("insert chunks: %v", err)
		}
	}
	scorer, err := NewScorer(ScorerConfig{Weights: domain.DefaultScorerWeights()})
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	h.pipeline = NewPipeline(PipelineDeps{
		Embedder:   h.embedder,
		Generator:  h.generator,
		Retriever:  h.retriever,
		Classifier: NewClassifier(nil, quietLogger()),
		Scorer:     scorer,
		Cache:      h.cache,
		Metrics:    h.sink,
		Logger:     quietLogger(),
	}, cfg)
	return h
}
