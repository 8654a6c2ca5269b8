package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// TierPolicy overrides one cache tier. Zero fields keep the built-in values.
type TierPolicy struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	Persist  *bool         `yaml:"persist"`
}

// Policy holds the tunables that are awkward to express as env vars.
type Policy struct {
	Weights           domain.ScorerWeights                               `yaml:"weights"`
	Aggregate         string                                             `yaml:"aggregate"`
	SemanticThreshold float64                                            `yaml:"semantic_threshold"`
	Tiers             map[domain.CacheTier]TierPolicy                    `yaml:"tiers"`
	Categories        map[domain.QuestionCategory]domain.RetrievalParams `yaml:"categories"`
}

// DefaultPolicy applies the env-level retrieval defaults to the factual
// category; the other categories keep their own parameters.
func DefaultPolicy(topK, efSearch int, threshold float64) Policy {
	categories := map[domain.QuestionCategory]domain.RetrievalParams{
		domain.CategoryFactual:     {TopK: topK, EfSearch: efSearch, ScoreThreshold: threshold},
		domain.CategoryExplanatory: {TopK: 8, EfSearch: 128, ScoreThreshold: threshold},
		domain.CategoryProcedural:  {TopK: 8, EfSearch: 128, ScoreThreshold: threshold},
		domain.CategoryComparative: {TopK: 10, EfSearch: 160, ScoreThreshold: 0.25},
		domain.CategoryCreative:    {TopK: 6, EfSearch: efSearch, ScoreThreshold: 0.2},
	}
	return Policy{
		Weights:           domain.DefaultScorerWeights(),
		Aggregate:         "mean",
		SemanticThreshold: 0.95,
		Tiers:             map[domain.CacheTier]TierPolicy{},
		Categories:        categories,
	}
}

// LoadPolicyFile overlays the YAML file at path on base. Sections absent
// from the file keep the base values; a weights section replaces all four.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	out := base
	if file.Weights != (domain.ScorerWeights{}) {
		out.Weights = file.Weights
	}
	if file.Aggregate != "" {
		out.Aggregate = file.Aggregate
	}
	if file.SemanticThreshold != 0 {
		out.SemanticThreshold = file.SemanticThreshold
	}
	out.Tiers = make(map[domain.CacheTier]TierPolicy, len(base.Tiers)+len(file.Tiers))
	for tier, p := range base.Tiers {
		out.Tiers[tier] = p
	}
	for raw, p := range file.Tiers {
		tier, err := domain.ParseCacheTier(string(raw))
		if err != nil {
			return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
		}
		out.Tiers[tier] = p
	}
	out.Categories = make(map[domain.QuestionCategory]domain.RetrievalParams, len(base.Categories))
	for category, params := range base.Categories {
		out.Categories[category] = params
	}
	for raw, params := range file.Categories {
		category, ok := domain.ParseQuestionCategory(string(raw))
		if !ok {
			return Policy{}, fmt.Errorf("policy file %s: unknown category %q", path, raw)
		}
		out.Categories[category] = params
	}
	return out, nil
}

func (p Policy) Validate() error {
	var errs []error
	if err := p.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch p.Aggregate {
	case "mean", "blend":
	default:
		errs = append(errs, fmt.Errorf("aggregate must be mean or blend, got %q", p.Aggregate))
	}
	if p.SemanticThreshold <= 0 || p.SemanticThreshold > 1 {
		errs = append(errs, fmt.Errorf("semantic_threshold must be within (0,1], got %v", p.SemanticThreshold))
	}
	for tier, t := range p.Tiers {
		if t.Capacity < 0 || t.TTL < 0 {
			errs = append(errs, fmt.Errorf("tier %s: capacity and ttl must not be negative", tier))
		}
	}
	for _, category := range domain.Categories {
		params, ok := p.Categories[category]
		if !ok {
			errs = append(errs, fmt.Errorf("missing retrieval parameters for %s", category))
			continue
		}
		if params.TopK <= 0 || params.EfSearch <= 0 {
			errs = append(errs, fmt.Errorf("%s: top_k and ef_search must be positive", category))
		}
	}
	return errors.Join(errs...)
}
