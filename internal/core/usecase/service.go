package usecase

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// QueryService bounds how many pipelines run at once. Each pipeline owns its
// state, so the only shared structure between workers is the tiered cache.
type QueryService struct {
	pipeline *Pipeline
	slots    *semaphore.Weighted
	workers  int
}

func NewQueryService(pipeline *Pipeline, workers int) *QueryService {
	if workers <= 0 {
		workers = 8
	}
	return &QueryService{
		pipeline: pipeline,
		slots:    semaphore.NewWeighted(int64(workers)),
		workers:  workers,
	}
}

func (s *QueryService) Answer(ctx context.Context, req domain.QueryRequest) domain.QueryResult {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return domain.QueryResult{
			Question:        req.Question,
			KnowledgeBaseID: req.KnowledgeBaseID,
			Status:          domain.StatusFailed,
			FailureKind:     domain.FailureTimeout,
			Error:           domain.WrapError(domain.ErrTimeout, "acquire query worker", err).Error(),
		}
	}
	defer s.slots.Release(1)
	return s.pipeline.Run(ctx, req)
}

// AnswerBatch answers every request and keeps the input order.
func (s *QueryService) AnswerBatch(ctx context.Context, reqs []domain.QueryRequest) []domain.QueryResult {
	out := make([]domain.QueryResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, req := range reqs {
		g.Go(func() error {
			out[i] = s.Answer(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
