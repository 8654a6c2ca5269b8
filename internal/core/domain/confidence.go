package domain

import (
	"fmt"
	"math"
)

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ScorerWeights are non-negative and sum to 1.
type ScorerWeights struct {
	Retrieval    float64 `json:"retrieval" yaml:"retrieval"`
	Completeness float64 `json:"completeness" yaml:"completeness"`
	Keyword      float64 `json:"keyword" yaml:"keyword"`
	Other        float64 `json:"other" yaml:"other"`
}

func DefaultScorerWeights() ScorerWeights {
	return ScorerWeights{
		Retrieval:    0.45,
		Completeness: 0.25,
		Keyword:      0.15,
		Other:        0.15,
	}
}

const weightTolerance = 1e-6

func (w ScorerWeights) Validate() error {
	for name, v := range map[string]float64{
		"retrieval":    w.Retrieval,
		"completeness": w.Completeness,
		"keyword":      w.Keyword,
		"other":        w.Other,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return WrapError(ErrInvalidInput, "validate scorer weights", fmt.Errorf("%s weight must be a non-negative number, got %v", name, v))
		}
	}
	sum := w.Retrieval + w.Completeness + w.Keyword + w.Other
	if math.Abs(sum-1.0) > weightTolerance {
		return WrapError(ErrInvalidInput, "validate scorer weights", fmt.Errorf("weights must sum to 1.0, got %.6f", sum))
	}
	return nil
}

// ConfidenceScore holds sub-scores in [0,1] and their weighted composite.
type ConfidenceScore struct {
	Retrieval    float64         `json:"retrieval"`
	Completeness float64         `json:"completeness"`
	Keyword      float64         `json:"keyword"`
	Other        float64         `json:"other"`
	Composite    float64         `json:"composite"`
	Level        ConfidenceLevel `json:"level"`
}

func LevelFor(composite float64) ConfidenceLevel {
	switch {
	case composite >= 0.75:
		return ConfidenceHigh
	case composite >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
