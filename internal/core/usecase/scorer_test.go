package usecase

import (
	"math"
	"testing"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

func newDefaultScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(ScorerConfig{Weights: domain.DefaultScorerWeights()})
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	return s
}

func scored(id, doc, text string, score float64) domain.ScoredChunk {
	return domain.ScoredChunk{Chunk: domain.ChunkRecord{ID: id, DocumentID: doc, Text: text}, Score: score}
}

func TestCombineWorkedExample(t *testing.T) {
	s := newDefaultScorer(t)
	result := domain.NewRetrievalResult([]domain.ScoredChunk{
		scored("a", "d", "alpha", 0.81),
		scored("b", "d", "beta", 0.62),
		scored("c", "d", "gamma", 0.45),
	})

	retrieval := s.retrievalQuality(result)
	if math.Abs(retrieval-0.6267) > 0.001 {
		t.Fatalf("expected mean retrieval 0.6267, got %.4f", retrieval)
	}

	score := s.Combine(retrieval, 0.8, 0.6, 0.5)
	if math.Abs(score.Composite-0.645) > 0.005 {
		t.Fatalf("expected composite near 0.645, got %.4f", score.Composite)
	}
	if score.Level != domain.ConfidenceMedium {
		t.Fatalf("expected medium level, got %s", score.Level)
	}
}

func TestNewScorerRejectsBadConfig(t *testing.T) {
	tests := []ScorerConfig{
		{Weights: domain.ScorerWeights{Retrieval: 0.5, Completeness: 0.5, Keyword: 0.5}},
		{Weights: domain.ScorerWeights{Retrieval: 1.2, Completeness: -0.2}},
		{Weights: domain.DefaultScorerWeights(), Aggregate: "median"},
	}
	for _, cfg := range tests {
		if _, err := NewScorer(cfg); !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", cfg, err)
		}
	}
}

func TestCombineClampsSubScores(t *testing.T) {
	s := newDefaultScorer(t)
	score := s.Combine(1.7, -0.3, math.NaN(), 2)
	if score.Retrieval != 1 || score.Completeness != 0 || score.Keyword != 0 || score.Other != 1 {
		t.Fatalf("expected clamped sub-scores, got %+v", score)
	}
	if score.Composite < 0 || score.Composite > 1 {
		t.Fatalf("composite out of bounds: %.3f", score.Composite)
	}
}

func TestCombineIsMonotonic(t *testing.T) {
	s := newDefaultScorer(t)
	base := s.Combine(0.4, 0.4, 0.4, 0.4).Composite
	for i, bumped := range []float64{
		s.Combine(0.6, 0.4, 0.4, 0.4).Composite,
		s.Combine(0.4, 0.6, 0.4, 0.4).Composite,
		s.Combine(0.4, 0.4, 0.6, 0.4).Composite,
		s.Combine(0.4, 0.4, 0.4, 0.6).Composite,
	} {
		if bumped < base {
			t.Fatalf("sub-score %d: raising it lowered the composite (%.3f < %.3f)", i, bumped, base)
		}
	}
}

func TestBlendAggregateFavoursBestScore(t *testing.T) {
	s, err := NewScorer(ScorerConfig{Weights: domain.DefaultScorerWeights(), Aggregate: AggregateBlend})
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	result := domain.NewRetrievalResult([]domain.ScoredChunk{
		scored("a", "d", "x", 0.9),
		scored("b", "d", "y", 0.3),
	})
	want := 0.9*0.8 + 0.6*0.2
	if got := s.retrievalQuality(result); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected blend %.3f, got %.3f", want, got)
	}
}

func TestScoreRetrievalWithoutChunks(t *testing.T) {
	s := newDefaultScorer(t)
	score := s.ScoreRetrieval("What is the refund policy?", domain.RetrievalResult{}, 5)
	if score.Retrieval != 0 || score.Completeness != 0 || score.Keyword != 0 {
		t.Fatalf("expected zero retrieval sub-scores, got %+v", score)
	}
	if score.Other != 0.5 {
		t.Fatalf("expected neutral other score, got %.2f", score.Other)
	}
}

func TestKeywordScoreIsNeutralWithoutKeywords(t *testing.T) {
	s := newDefaultScorer(t)
	result := domain.NewRetrievalResult([]domain.ScoredChunk{scored("a", "d", "anything", 0.9)})
	score := s.ScoreRetrieval("what is it?", result, 1)
	if score.Keyword != 0.6 {
		t.Fatalf("expected neutral keyword score 0.6, got %.2f", score.Keyword)
	}
}

func TestGroundedAnswerOutscoresUngroundedAnswer(t *testing.T) {
	s := newDefaultScorer(t)
	result := domain.NewRetrievalResult([]domain.ScoredChunk{
		scored("c1", "doc", "The refund policy allows returns within 30 days.", 0.92),
		scored("c2", "doc", "Refund requests need a receipt and the original policy number.", 0.85),
	})
	question := "What is the refund policy?"

	grounded := s.ScoreAnswer(question, result, 5, groundedAnswer)
	ungrounded := s.ScoreAnswer(question, result, 5, "Maybe 90 weeks, probably.")
	if grounded.Composite <= ungrounded.Composite {
		t.Fatalf("expected grounded answer to score higher: %.3f <= %.3f", grounded.Composite, ungrounded.Composite)
	}
	if grounded.Keyword != 1 {
		t.Fatalf("expected full keyword coverage in the answer, got %.2f", grounded.Keyword)
	}
}

func TestAnswerCompletenessIsContinuous(t *testing.T) {
	for _, boundary := range []int{50, 150, 300, 600} {
		below := answerCompleteness(repeat('a', boundary-1))
		at := answerCompleteness(repeat('a', boundary))
		if math.Abs(at-below) > 0.01 {
			t.Fatalf("completeness jumps at length %d: %.3f -> %.3f", boundary, below, at)
		}
	}
	if got := answerCompleteness(""); math.Abs(got-0.12) > 1e-9 {
		t.Fatalf("expected empty answer to score only the sentence floor")
	}
}

func TestAnswerQualityOfEmptyAnswerIsZero(t *testing.T) {
	if q := answerQuality("   "); q != 0 {
		t.Fatalf("expected zero quality, got %.2f", q)
	}
}

func repeat(r rune, n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = r
	}
	return string(out)
}
