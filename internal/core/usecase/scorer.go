package usecase

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

const (
	AggregateMean  = "mean"
	AggregateBlend = "blend"

	neutralScore        = 0.5
	neutralKeywordScore = 0.6
)

var (
	numberPattern = regexp.MustCompile(`\d+`)
	vaguePhrases  = []string{"might", "maybe", "probably", "seems", "unclear", "not sure"}
)

type ScorerConfig struct {
	Weights   domain.ScorerWeights
	Aggregate string
}

// Scorer turns a retrieval pass, and later the generated answer, into a
// bounded confidence score. It holds no state besides its configuration.
type Scorer struct {
	weights   domain.ScorerWeights
	aggregate string
}

func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Aggregate {
	case "":
		cfg.Aggregate = AggregateMean
	case AggregateMean, AggregateBlend:
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "new scorer", fmt.Errorf("unknown retrieval aggregate %q", cfg.Aggregate))
	}
	return &Scorer{weights: cfg.Weights, aggregate: cfg.Aggregate}, nil
}

// Combine clamps each sub-score to [0,1] and applies the weights.
func (s *Scorer) Combine(retrieval, completeness, keyword, other float64) domain.ConfidenceScore {
	score := domain.ConfidenceScore{
		Retrieval:    clamp01(retrieval),
		Completeness: clamp01(completeness),
		Keyword:      clamp01(keyword),
		Other:        clamp01(other),
	}
	score.Composite = clamp01(s.weights.Retrieval*score.Retrieval +
		s.weights.Completeness*score.Completeness +
		s.weights.Keyword*score.Keyword +
		s.weights.Other*score.Other)
	score.Level = domain.LevelFor(score.Composite)
	return score
}

// ScoreRetrieval scores a filtered retrieval pass before any answer exists.
func (s *Scorer) ScoreRetrieval(question string, result domain.RetrievalResult, requestedK int) domain.ConfidenceScore {
	keywords := extractKeywords(question)
	contextCoverage := keywordScore(keywords, contextTokens(result))
	return s.Combine(
		s.retrievalQuality(result),
		contextCompleteness(keywords, result, requestedK),
		contextCoverage,
		neutralScore,
	)
}

// ScoreAnswer rescores once the answer text is known.
func (s *Scorer) ScoreAnswer(question string, result domain.RetrievalResult, requestedK int, answer string) domain.ConfidenceScore {
	keywords := extractKeywords(question)
	completeness := 0.5*contextCompleteness(keywords, result, requestedK) + 0.5*answerCompleteness(answer)
	other := (2*answerQuality(answer) + answerConsistency(answer, result)) / 3
	return s.Combine(
		s.retrievalQuality(result),
		completeness,
		keywordScore(keywords, toTokenSet(answer)),
		other,
	)
}

func (s *Scorer) retrievalQuality(result domain.RetrievalResult) float64 {
	if result.Len() == 0 {
		return 0
	}
	var best, sum float64
	for i, item := range result.Items {
		v := clamp01(item.Score)
		if i == 0 || v > best {
			best = v
		}
		sum += v
	}
	avg := sum / float64(result.Len())
	if s.aggregate == AggregateBlend {
		return best*0.8 + avg*0.2
	}
	return avg
}

func keywordScore(keywords []string, tokens map[string]struct{}) float64 {
	if len(keywords) == 0 {
		return neutralKeywordScore
	}
	return coverage(keywords, tokens)
}

// contextCompleteness blends keyword coverage across chunk texts with how many
// chunks survived filtering relative to the requested K.
func contextCompleteness(keywords []string, result domain.RetrievalResult, requestedK int) float64 {
	if result.Len() == 0 {
		return 0
	}
	fill := 1.0
	if requestedK > 0 {
		fill = math.Min(1, float64(result.Len())/float64(requestedK))
	}
	return 0.5*keywordScore(keywords, contextTokens(result)) + 0.5*fill
}

func contextTokens(result domain.RetrievalResult) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, item := range result.Items {
		for token := range toTokenSet(item.Chunk.Text) {
			tokens[token] = struct{}{}
		}
	}
	return tokens
}

func answerCompleteness(answer string) float64 {
	answer = strings.TrimSpace(answer)
	length := float64(len([]rune(answer)))

	var lengthScore float64
	switch {
	case length < 50:
		lengthScore = math.Min(length/100, 0.3)
	case length < 150:
		lengthScore = 0.3 + (length-50)/333
	case length < 300:
		lengthScore = 0.6 + (length-150)/750
	case length < 600:
		lengthScore = 0.8 + (length-300)/1500
	default:
		lengthScore = 1
	}

	var sentenceScore float64
	switch n := countSentences(answer); {
	case n == 0:
		sentenceScore = 0.3
	case n == 1:
		sentenceScore = 0.6
	case n < 3:
		sentenceScore = 0.75
	default:
		sentenceScore = 1
	}
	return clamp01(lengthScore*0.6 + sentenceScore*0.4)
}

func countSentences(text string) int {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '!', '?', ',', ';', '\n', '。', '，', '！', '？':
			return true
		}
		return false
	})
	n := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n
}

func answerQuality(answer string) float64 {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return 0
	}
	quality := 0.5
	if strings.Count(answer, ".") >= 1 {
		quality += 0.1
	}
	if strings.Count(answer, ",") >= 2 {
		quality += 0.1
	}

	if words := strings.Fields(answer); len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		ratio := float64(len(unique)) / float64(len(words))
		if ratio > 0.7 {
			quality += 0.1
		}
		if ratio > 0.8 {
			quality += 0.1
		}
	}

	lower := strings.ToLower(answer)
	vague := 0
	for _, phrase := range vaguePhrases {
		if strings.Contains(lower, phrase) {
			vague++
		}
	}
	switch vague {
	case 0:
		quality += 0.2
	case 1:
		quality += 0.1
	}

	length := len([]rune(trimmed))
	if length > 100 && length < 1000 {
		quality += 0.15
	}
	if length > 200 && length < 800 {
		quality += 0.05
	}
	return math.Min(quality, 1)
}

// answerConsistency checks that numbers and terms of the answer appear in the
// retrieved context.
func answerConsistency(answer string, result domain.RetrievalResult) float64 {
	if result.Len() == 0 {
		return neutralKeywordScore
	}
	var b strings.Builder
	for _, item := range result.Items {
		b.WriteString(strings.ToLower(item.Chunk.Text))
		b.WriteByte(' ')
	}
	docs := b.String()

	numberRatio := 1.0
	if numbers := numberPattern.FindAllString(answer, -1); len(numbers) > 0 {
		found := 0
		for _, n := range numbers {
			if strings.Contains(docs, n) {
				found++
			}
		}
		numberRatio = float64(found) / float64(len(numbers))
	}

	keywordRatio := 1.0
	if keywords := extractKeywords(answer); len(keywords) > 0 {
		keywordRatio = coverage(keywords, contextTokens(result))
	}
	return clamp01(numberRatio*0.2 + keywordRatio*0.8)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
