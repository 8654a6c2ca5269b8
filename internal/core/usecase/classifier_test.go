package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/cache"
)

func TestClassifyHeuristic(t *testing.T) {
	tests := []struct {
		question string
		want     domain.QuestionCategory
	}{
		{"How do I reset my password?", domain.CategoryProcedural},
		{"Steps to configure the proxy", domain.CategoryProcedural},
		{"Postgres vs MySQL for analytics", domain.CategoryComparative},
		{"What is the difference between L1 and L2?", domain.CategoryComparative},
		{"Can you suggest a name for the release?", domain.CategoryCreative},
		{"Why does the build fail on arm64?", domain.CategoryExplanatory},
		{"Explain the retry policy", domain.CategoryExplanatory},
		{"What is the refund policy?", domain.CategoryFactual},
		{"", domain.CategoryFactual},
	}
	for _, tt := range tests {
		if got := ClassifyHeuristic(tt.question); got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.question, tt.want, got)
		}
	}
}

func TestCategoryPolicyValidate(t *testing.T) {
	if err := DefaultCategoryPolicy().Validate(); err != nil {
		t.Fatalf("expected default policy to be valid: %v", err)
	}

	policy := DefaultCategoryPolicy()
	delete(policy, domain.CategoryCreative)
	if err := policy.Validate(); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected missing category to be rejected, got %v", err)
	}

	policy = DefaultCategoryPolicy()
	policy[domain.CategoryFactual] = domain.RetrievalParams{TopK: 0, EfSearch: 10}
	if err := policy.Validate(); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected zero top_k to be rejected, got %v", err)
	}
}

func newClassifierCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.DefaultConfig(), cache.Options{})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestClassifierCachesRemoteCategory(t *testing.T) {
	c := newClassifierCache(t)
	remote := &classifierFake{category: domain.CategoryCreative}
	classifier := NewClassifier(remote, quietLogger())

	first, hit, err := classifier.Resolve(context.Background(), c, "Name ideas for the launch")
	if err != nil || hit || first != domain.CategoryCreative {
		t.Fatalf("unexpected first resolve: %s hit=%v err=%v", first, hit, err)
	}
	second, hit, err := classifier.Resolve(context.Background(), c, "name ideas for the LAUNCH!")
	if err != nil || !hit || second != domain.CategoryCreative {
		t.Fatalf("unexpected second resolve: %s hit=%v err=%v", second, hit, err)
	}
	if remote.calls != 1 {
		t.Fatalf("expected 1 remote call, got %d", remote.calls)
	}
}

func TestClassifierFallsBackWithoutCaching(t *testing.T) {
	c := newClassifierCache(t)
	remote := &classifierFake{err: domain.WrapError(domain.ErrUnavailable, "classify", errors.New("down"))}
	classifier := NewClassifier(remote, quietLogger())

	category, hit, err := classifier.Resolve(context.Background(), c, "How do I rotate keys?")
	if err != nil {
		t.Fatalf("expected heuristic fallback, got %v", err)
	}
	if hit || category != domain.CategoryProcedural {
		t.Fatalf("expected procedural fallback without hit, got %s hit=%v", category, hit)
	}

	remote.err = nil
	remote.category = domain.CategoryExplanatory
	category, hit, err = classifier.Resolve(context.Background(), c, "How do I rotate keys?")
	if err != nil || hit || category != domain.CategoryExplanatory {
		t.Fatalf("expected recovered remote answer, got %s hit=%v err=%v", category, hit, err)
	}
	if remote.calls != 2 {
		t.Fatalf("expected the fallback not to be cached, got %d remote calls", remote.calls)
	}
}

func TestClassifierRejectsUnknownRemoteCategory(t *testing.T) {
	c := newClassifierCache(t)
	classifier := NewClassifier(&classifierFake{category: "poetry"}, quietLogger())

	category, _, err := classifier.Resolve(context.Background(), c, "Why is the sky blue?")
	if err != nil || category != domain.CategoryExplanatory {
		t.Fatalf("expected heuristic category for unknown label, got %s err=%v", category, err)
	}
}
