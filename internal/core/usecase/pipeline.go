package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/core/ports"
)

type PipelineConfig struct {
	QualityThreshold float64
	RetryCap         int
	TopKStep         int
	MaxTopK          int
	ThresholdStep    float64
	MinThreshold     float64
	MaxEfSearch      int
	QueryTimeout     time.Duration
	StepTimeout      time.Duration
	ResultTTL        time.Duration
	SnippetLength    int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QualityThreshold: 0.5,
		RetryCap:         10,
		TopKStep:         5,
		MaxTopK:          50,
		ThresholdStep:    0.05,
		MinThreshold:     0.1,
		MaxEfSearch:      512,
		QueryTimeout:     60 * time.Second,
		StepTimeout:      20 * time.Second,
		SnippetLength:    240,
	}
}

func (c PipelineConfig) normalize() PipelineConfig {
	def := DefaultPipelineConfig()
	if c.QualityThreshold <= 0 || c.QualityThreshold > 1 {
		c.QualityThreshold = def.QualityThreshold
	}
	if c.RetryCap < 0 {
		c.RetryCap = def.RetryCap
	}
	if c.TopKStep <= 0 {
		c.TopKStep = def.TopKStep
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = def.MaxTopK
	}
	if c.ThresholdStep <= 0 {
		c.ThresholdStep = def.ThresholdStep
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = def.MinThreshold
	}
	if c.MaxEfSearch <= 0 {
		c.MaxEfSearch = def.MaxEfSearch
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.SnippetLength <= 0 {
		c.SnippetLength = def.SnippetLength
	}
	return c
}

type PipelineDeps struct {
	Embedder   ports.Embedder
	Generator  ports.AnswerGenerator
	Retriever  *Retriever
	Classifier *Classifier
	Scorer     *Scorer
	Cache      ports.TieredCache
	Policy     CategoryPolicy
	Metrics    ports.MetricsSink
	Logger     *slog.Logger
	Now        func() time.Time
}

// Pipeline executes one query as an explicit state machine. Every transition
// either advances towards Done or fails, and the retry loop is bounded by
// RetryCap, so a query always terminates.
type Pipeline struct {
	embedder   ports.Embedder
	generator  ports.AnswerGenerator
	retriever  *Retriever
	classifier *Classifier
	scorer     *Scorer
	cache      ports.TieredCache
	policy     CategoryPolicy
	metrics    ports.MetricsSink
	logger     *slog.Logger
	now        func() time.Time
	cfg        PipelineConfig
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		embedder:   deps.Embedder,
		generator:  deps.Generator,
		retriever:  deps.Retriever,
		classifier: deps.Classifier,
		scorer:     deps.Scorer,
		cache:      deps.Cache,
		policy:     deps.Policy,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		cfg:        cfg.normalize(),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.policy == nil {
		p.policy = DefaultCategoryPolicy()
	}
	if p.classifier == nil {
		p.classifier = NewClassifier(nil, p.logger)
	}
	return p
}

// maxSteps bounds the loop: the linear path plus three steps per retry.
func (p *Pipeline) maxSteps() int {
	return 8 + 3*p.cfg.RetryCap
}

func (p *Pipeline) Run(ctx context.Context, req domain.QueryRequest) domain.QueryResult {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	state := domain.NewPipelineState(req)
	for steps := 0; !state.State.Terminal(); steps++ {
		if steps >= p.maxSteps() {
			state.Fail(domain.WrapError(domain.ErrConsistency, "pipeline", fmt.Errorf("step budget exhausted in state %s", state.State)))
			break
		}
		if err := ctx.Err(); err != nil {
			state.Fail(domain.WrapError(domain.ErrTimeout, "pipeline "+state.State.String(), err))
			break
		}
		p.step(ctx, state)
	}
	return p.finish(ctx, state, start)
}

func (p *Pipeline) step(ctx context.Context, state *domain.PipelineState) {
	switch state.State {
	case domain.StateReceived:
		p.resolveEmbedding(ctx, state)
	case domain.StateEmbeddingResolved:
		p.routeFromCaches(ctx, state)
	case domain.StateRetrieved:
		p.score(state)
	case domain.StateScored:
		p.decide(state)
	case domain.StateRetrying:
		p.retry(ctx, state)
	case domain.StateAnswering:
		p.answer(ctx, state)
	case domain.StateCached:
		p.storeResult(ctx, state)
	default:
		state.Fail(domain.WrapError(domain.ErrConsistency, "pipeline", fmt.Errorf("unexpected state %s", state.State)))
	}
}

func (p *Pipeline) resolveEmbedding(ctx context.Context, state *domain.PipelineState) {
	state.Normalized = normalizeQuestion(state.Request.Question)
	if state.Normalized == "" {
		state.Fail(domain.WrapError(domain.ErrInvalidInput, "pipeline", errors.New("question is empty")))
		return
	}
	if state.Request.TopK < 0 {
		state.Fail(domain.WrapError(domain.ErrInvalidInput, "pipeline", fmt.Errorf("top_k must not be negative, got %d", state.Request.TopK)))
		return
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	material := domain.KeyMaterial{
		Text:   state.Normalized,
		Params: map[string]string{"model": p.embedder.Model()},
	}
	value, hit, err := p.cache.GetOrCompute(stepCtx, domain.TierEmbedding, material, domain.EntryOptions{},
		func(ctx context.Context) (any, error) {
			vector, err := p.embedder.EmbedQuery(ctx, state.Normalized)
			if err != nil {
				return nil, err
			}
			if len(vector) == 0 {
				return nil, domain.WrapError(domain.ErrInvalidInput, "embed query", errors.New("embedding is empty"))
			}
			return vector, nil
		})
	if err != nil {
		state.Fail(stepError("embed query", err))
		return
	}
	vector, ok := value.([]float32)
	if !ok {
		state.Fail(domain.WrapError(domain.ErrConsistency, "embed query", fmt.Errorf("unexpected cached value %T", value)))
		return
	}
	state.Vector = vector
	state.MarkCache(domain.TierEmbedding, outcome(hit))
	state.State = domain.StateEmbeddingResolved
}

func (p *Pipeline) resultMaterial(state *domain.PipelineState) domain.KeyMaterial {
	return domain.KeyMaterial{
		Text: state.Normalized,
		Params: map[string]string{
			"kb":        state.Request.KnowledgeBaseID,
			"top_k":     strconv.Itoa(state.Request.TopK),
			"embedder":  p.embedder.Model(),
			"generator": p.generator.Model(),
		},
	}
}

// routeFromCaches serves from L2 or L4 when a live, still-consistent answer
// exists, and otherwise classifies the question and runs the first retrieval.
func (p *Pipeline) routeFromCaches(ctx context.Context, state *domain.PipelineState) {
	if value, ok := p.cache.Get(ctx, domain.TierResult, p.resultMaterial(state)); ok {
		if cached, ok := value.(domain.QueryResult); ok && p.stillValid(ctx, cached) {
			state.MarkCache(domain.TierResult, domain.CacheHit)
			p.serveCached(state, cached, domain.TierResult)
			return
		}
	}
	state.MarkCache(domain.TierResult, domain.CacheMiss)

	if cached, similarity, ok := p.cache.LookupSemantic(ctx, state.Request.KnowledgeBaseID, state.Vector); ok {
		if p.stillValid(ctx, cached) {
			p.logger.DebugContext(ctx, "semantic_cache_hit", "similarity", similarity)
			state.MarkCache(domain.TierSemantic, domain.CacheHit)
			p.serveCached(state, cached, domain.TierSemantic)
			return
		}
	}
	state.MarkCache(domain.TierSemantic, domain.CacheMiss)

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	category, hit, err := p.classifier.Resolve(stepCtx, p.cache, state.Request.Question)
	cancel()
	if err != nil {
		state.Fail(stepError("classify question", err))
		return
	}
	state.Category = category
	state.MarkCache(domain.TierClassification, outcome(hit))

	params := p.policy.ParamsFor(category)
	if state.Request.TopK > 0 {
		params.TopK = state.Request.TopK
	}
	params.TopK = min(params.TopK, p.cfg.MaxTopK)
	params.EfSearch = min(params.EfSearch, p.cfg.MaxEfSearch)
	state.Params = params

	p.retrieve(ctx, state)
}

// stillValid rejects cached answers that cite chunks deleted since caching and
// purges every entry tagged with their documents.
func (p *Pipeline) stillValid(ctx context.Context, cached domain.QueryResult) bool {
	ok, err := p.retriever.Contains(ctx, cached.ChunkIDs())
	if err != nil {
		p.logger.WarnContext(ctx, "cache_validation_failed", "error", err)
		return false
	}
	if ok {
		return true
	}
	tags := make([]string, 0, len(cached.Sources))
	for _, id := range cached.DocumentIDs() {
		tags = append(tags, domain.DocumentTag(id))
	}
	removed := p.cache.InvalidateTags(ctx, tags...)
	p.logger.InfoContext(ctx, "stale_cache_entry_purged", "documents", cached.DocumentIDs(), "removed", removed)
	return false
}

func (p *Pipeline) serveCached(state *domain.PipelineState, cached domain.QueryResult, tier domain.CacheTier) {
	cached.Question = state.Request.Question
	cached.KnowledgeBaseID = state.Request.KnowledgeBaseID
	cached.ServedFrom = tier
	cached.Retries = 0
	state.Result = &cached
	state.State = domain.StateDone
}

func (p *Pipeline) retrieve(ctx context.Context, state *domain.PipelineState) {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	started := p.now()
	result, err := p.retriever.Search(stepCtx, state.Vector, state.Params.TopK, state.Params.EfSearch, state.Request.KnowledgeBaseID)
	state.AddRetrievalTime(p.now().Sub(started))
	if err != nil {
		state.Fail(stepError("retrieve", err))
		return
	}
	state.Current = result.Filter(state.Params.ScoreThreshold)
	state.State = domain.StateRetrieved
}

func (p *Pipeline) score(state *domain.PipelineState) {
	state.Score = p.scorer.ScoreRetrieval(state.Request.Question, state.Current, state.Params.TopK)
	if state.Retries == 0 || state.Score.Composite > state.BestScore.Composite {
		state.Best = state.Current
		state.BestScore = state.Score
	}
	state.State = domain.StateScored
}

func (p *Pipeline) decide(state *domain.PipelineState) {
	if state.Score.Composite >= p.cfg.QualityThreshold {
		state.State = domain.StateAnswering
		return
	}
	if state.Retries >= p.cfg.RetryCap {
		state.Current = state.Best
		state.Score = state.BestScore
		state.State = domain.StateAnswering
		return
	}
	state.State = domain.StateRetrying
}

func (p *Pipeline) retry(ctx context.Context, state *domain.PipelineState) {
	state.Retries++
	previous := state.Params
	state.Params = p.relax(previous)
	p.logger.InfoContext(ctx, "retry_attempt",
		"attempt", state.Retries,
		"composite", state.Score.Composite,
		"top_k", state.Params.TopK,
		"ef_search", state.Params.EfSearch,
		"score_threshold", state.Params.ScoreThreshold,
	)
	p.retrieve(ctx, state)
}

// relax widens the search: more candidates, a lower score floor, a larger ef.
// A floor already below MinThreshold is kept as is.
func (p *Pipeline) relax(params domain.RetrievalParams) domain.RetrievalParams {
	params.TopK = min(params.TopK+p.cfg.TopKStep, p.cfg.MaxTopK)
	params.ScoreThreshold = min(params.ScoreThreshold, max(params.ScoreThreshold-p.cfg.ThresholdStep, p.cfg.MinThreshold))
	params.EfSearch = min(params.EfSearch*2, p.cfg.MaxEfSearch)
	return params
}

func (p *Pipeline) answer(ctx context.Context, state *domain.PipelineState) {
	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	started := p.now()
	text, err := p.generator.GenerateAnswer(stepCtx, state.Request.Question, state.Current.Items)
	state.AddGenerationTime(p.now().Sub(started))
	if err != nil {
		state.Fail(stepError("generate answer", err))
		return
	}
	state.Answer = &text
	state.Score = p.scorer.ScoreAnswer(state.Request.Question, state.Current, state.Params.TopK, text)

	status := domain.StatusOK
	if state.Score.Composite < p.cfg.QualityThreshold {
		status = domain.StatusDegraded
	}
	state.Result = &domain.QueryResult{
		Question:        state.Request.Question,
		KnowledgeBaseID: state.Request.KnowledgeBaseID,
		Answer:          text,
		Sources:         p.summarize(state.Current),
		Confidence:      state.Score,
		Category:        state.Category,
		Status:          status,
		Retries:         state.Retries,
	}
	state.State = domain.StateCached
}

// storeResult writes confident answers to L2 and L4, tagged by their source
// documents and knowledge base. Degraded answers are not cached.
func (p *Pipeline) storeResult(ctx context.Context, state *domain.PipelineState) {
	result := state.Result
	if result.Status == domain.StatusOK {
		tags := make([]string, 0, len(result.Sources)+1)
		for _, id := range result.DocumentIDs() {
			tags = append(tags, domain.DocumentTag(id))
		}
		tags = append(tags, domain.KnowledgeBaseTag(state.Request.KnowledgeBaseID))
		opts := domain.EntryOptions{TTL: p.cfg.ResultTTL, Tags: tags}

		if err := p.cache.Set(ctx, domain.TierResult, p.resultMaterial(state), *result, opts); err != nil {
			p.logger.WarnContext(ctx, "result_cache_write_failed", "error", err)
		}
		if err := p.cache.StoreSemantic(ctx, state.Request.KnowledgeBaseID, state.Vector, *result, opts); err != nil {
			p.logger.WarnContext(ctx, "semantic_cache_write_failed", "error", err)
		}
	}
	state.State = domain.StateDone
}

func (p *Pipeline) summarize(result domain.RetrievalResult) []domain.SourceSummary {
	out := make([]domain.SourceSummary, 0, result.Len())
	for _, item := range result.Items {
		out = append(out, domain.SourceSummary{
			ChunkID:         item.Chunk.ID,
			DocumentID:      item.Chunk.DocumentID,
			KnowledgeBaseID: item.Chunk.KnowledgeBaseID,
			Score:           item.Score,
			Snippet:         snippet(item.Chunk.Text, p.cfg.SnippetLength),
		})
	}
	return out
}

func (p *Pipeline) finish(ctx context.Context, state *domain.PipelineState, start time.Time) domain.QueryResult {
	var result domain.QueryResult
	switch {
	case state.State == domain.StateFailed || state.Result == nil:
		err := state.Err
		if err == nil {
			err = domain.WrapError(domain.ErrConsistency, "pipeline", errors.New("finished without a result"))
		}
		result = domain.QueryResult{
			Question:        state.Request.Question,
			KnowledgeBaseID: state.Request.KnowledgeBaseID,
			Category:        state.Category,
			Status:          domain.StatusFailed,
			FailureKind:     domain.FailureKindOf(err),
			Error:           err.Error(),
			Retries:         state.Retries,
			Confidence:      state.Score,
		}
	default:
		result = *state.Result
	}

	total := p.now().Sub(start)
	result.Cache = state.CacheOutcomes()
	result.Timing = domain.Timing{
		RetrievalMS:  millis(state.RetrievalTime()),
		GenerationMS: millis(state.GenerationTime()),
		TotalMS:      millis(total),
	}

	if p.metrics != nil {
		p.metrics.RecordQuery(domain.QueryRecord{
			KnowledgeBaseID:   result.KnowledgeBaseID,
			Status:            result.Status,
			FailureKind:       result.FailureKind,
			RetrievalLatency:  state.RetrievalTime(),
			GenerationLatency: state.GenerationTime(),
			TotalLatency:      total,
			Cache:             result.Cache,
			Composite:         result.Confidence.Composite,
			Retries:           result.Retries,
		})
	}

	attrs := []any{
		"knowledge_base_id", result.KnowledgeBaseID,
		"status", string(result.Status),
		"composite", result.Confidence.Composite,
		"retries", result.Retries,
		"retrieval_ms", result.Timing.RetrievalMS,
		"generation_ms", result.Timing.GenerationMS,
		"total_ms", result.Timing.TotalMS,
	}
	for _, tier := range domain.Tiers {
		attrs = append(attrs, "cache_"+string(tier), string(result.Cache[tier]))
	}
	if result.Status == domain.StatusFailed {
		attrs = append(attrs, "failure_kind", string(result.FailureKind), "error", result.Error)
		p.logger.WarnContext(ctx, "query_completed", attrs...)
	} else {
		p.logger.InfoContext(ctx, "query_completed", attrs...)
	}
	return result
}

// stepError tags deadline and cancellation errors as timeouts.
func stepError(op string, err error) error {
	if domain.IsKind(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.ErrTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func outcome(hit bool) domain.CacheOutcome {
	if hit {
		return domain.CacheHit
	}
	return domain.CacheMiss
}

func snippet(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
