package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/core/ports"
)

// CategoryPolicy maps each question category to its first-pass retrieval parameters.
type CategoryPolicy map[domain.QuestionCategory]domain.RetrievalParams

func DefaultCategoryPolicy() CategoryPolicy {
	return CategoryPolicy{
		domain.CategoryFactual:     {TopK: 5, EfSearch: 100, ScoreThreshold: 0.3},
		domain.CategoryExplanatory: {TopK: 8, EfSearch: 128, ScoreThreshold: 0.3},
		domain.CategoryProcedural:  {TopK: 8, EfSearch: 128, ScoreThreshold: 0.3},
		domain.CategoryComparative: {TopK: 10, EfSearch: 160, ScoreThreshold: 0.25},
		domain.CategoryCreative:    {TopK: 6, EfSearch: 100, ScoreThreshold: 0.2},
	}
}

func (p CategoryPolicy) Validate() error {
	for _, category := range domain.Categories {
		params, ok := p[category]
		if !ok {
			return domain.WrapError(domain.ErrInvalidInput, "validate category policy", fmt.Errorf("missing parameters for %s", category))
		}
		if params.TopK <= 0 || params.EfSearch <= 0 {
			return domain.WrapError(domain.ErrInvalidInput, "validate category policy", fmt.Errorf("%s: top_k and ef_search must be positive", category))
		}
		if params.ScoreThreshold < -1 || params.ScoreThreshold > 1 {
			return domain.WrapError(domain.ErrInvalidInput, "validate category policy", fmt.Errorf("%s: score_threshold must be within [-1,1]", category))
		}
	}
	return nil
}

func (p CategoryPolicy) ParamsFor(category domain.QuestionCategory) domain.RetrievalParams {
	if params, ok := p[category]; ok {
		return params
	}
	return p[domain.CategoryFactual]
}

var categoryMarkers = []struct {
	category domain.QuestionCategory
	markers  []string
}{
	{domain.CategoryProcedural, []string{"how to", "how do", "how can", "steps to", "step by step"}},
	{domain.CategoryComparative, []string{" vs ", " vs. ", "versus", "difference between", "compare", "compared to"}},
	{domain.CategoryCreative, []string{"suggest", "recommend", "idea for", "ideas for", "imagine"}},
	{domain.CategoryExplanatory, []string{"why", "reason", "because", "explain"}},
}

// ClassifyHeuristic assigns a category from question markers. Earlier groups win.
func ClassifyHeuristic(question string) domain.QuestionCategory {
	lower := " " + strings.Join(strings.Fields(strings.ToLower(question)), " ") + " "
	for _, group := range categoryMarkers {
		for _, marker := range group.markers {
			if strings.Contains(lower, marker) {
				return group.category
			}
		}
	}
	return domain.CategoryFactual
}

// Classifier resolves question categories, preferring the model and falling
// back to heuristics. Fallback answers are not cached so a recovered model
// gets another chance.
type Classifier struct {
	remote ports.QuestionClassifier
	logger *slog.Logger
}

func NewClassifier(remote ports.QuestionClassifier, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{remote: remote, logger: logger}
}

// Resolve returns the category and whether it came from the L3 tier.
func (c *Classifier) Resolve(ctx context.Context, cache ports.TieredCache, question string) (domain.QuestionCategory, bool, error) {
	material := domain.KeyMaterial{Text: normalizeQuestion(question)}
	compute := func(ctx context.Context) (any, error) {
		if c.remote == nil {
			return ClassifyHeuristic(question), nil
		}
		category, err := c.remote.ClassifyQuestion(ctx, question)
		if err != nil {
			return nil, err
		}
		if _, ok := domain.ParseQuestionCategory(string(category)); !ok {
			return nil, domain.WrapError(domain.ErrInvalidInput, "classify question", fmt.Errorf("unknown category %q", category))
		}
		return category, nil
	}

	value, hit, err := cache.GetOrCompute(ctx, domain.TierClassification, material, domain.EntryOptions{}, compute)
	if err != nil {
		if domain.IsKind(err, domain.ErrTimeout) || ctx.Err() != nil {
			return "", false, err
		}
		c.logger.Warn("classification_fallback", "error", err)
		return ClassifyHeuristic(question), false, nil
	}
	category, ok := value.(domain.QuestionCategory)
	if !ok {
		return ClassifyHeuristic(question), false, nil
	}
	return category, hit, nil
}
