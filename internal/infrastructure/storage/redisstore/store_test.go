package redisstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/cache"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSaveUsesRemainingLifetime(t *testing.T) {
	s, mr := newTestStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	key := cache.DeriveKey(domain.TierResult, domain.KeyMaterial{Text: "q"})

	rec := cache.Record{
		Payload:   json.RawMessage(`{"answer":"a"}`),
		CreatedAt: now.Add(-30 * time.Minute),
		TTL:       time.Hour,
		Tags:      []string{"doc:1"},
	}
	if err := s.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	if ttl := mr.TTL("test:entry:" + key); ttl != 30*time.Minute {
		t.Fatalf("expected 30m remaining ttl, got %v", ttl)
	}
	got, ok, err := s.Load(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected record, got ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != `{"answer":"a"}` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}

	mr.FastForward(31 * time.Minute)
	if _, ok, err := s.Load(ctx, key); ok || err != nil {
		t.Fatalf("expected expired record, got ok=%v err=%v", ok, err)
	}
}

func TestSaveSkipsAlreadyExpiredRecord(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := cache.DeriveKey(domain.TierResult, domain.KeyMaterial{Text: "late"})

	err := s.Save(ctx, key, cache.Record{
		Payload:   json.RawMessage(`1`),
		CreatedAt: time.Now().Add(-2 * time.Hour),
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if mr.Exists("test:entry:" + key) {
		t.Fatalf("expected expired record not to be written")
	}
}

func TestDeleteTagsRemovesMembers(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	a := cache.DeriveKey(domain.TierResult, domain.KeyMaterial{Text: "a"})
	b := cache.DeriveKey(domain.TierResult, domain.KeyMaterial{Text: "b"})

	if err := s.Save(ctx, a, cache.Record{Payload: json.RawMessage(`1`), Tags: []string{"doc:1", "kb:x"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, b, cache.Record{Payload: json.RawMessage(`2`), Tags: []string{"kb:x"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	removed, err := s.DeleteTags(ctx, "doc:1")
	if err != nil {
		t.Fatalf("delete tags: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed entry, got %d", removed)
	}
	if mr.Exists("test:tag:doc:1") {
		t.Fatalf("expected tag set to be dropped")
	}
	if _, ok, _ := s.Load(ctx, b); !ok {
		t.Fatalf("expected entry without the tag to stay")
	}

	removed, err = s.DeleteTags(ctx, "kb:x")
	if err != nil {
		t.Fatalf("delete tags: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected only the remaining entry to count, got %d", removed)
	}
}

func TestClearScansTierPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	result := cache.DeriveKey(domain.TierResult, domain.KeyMaterial{Text: "a"})
	embedding := cache.DeriveKey(domain.TierEmbedding, domain.KeyMaterial{Text: "a"})

	for _, key := range []string{result, embedding} {
		if err := s.Save(ctx, key, cache.Record{Payload: json.RawMessage(`1`)}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := s.Clear(ctx, domain.TierResult); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Load(ctx, result); ok {
		t.Fatalf("expected result entry to be cleared")
	}
	if _, ok, _ := s.Load(ctx, embedding); !ok {
		t.Fatalf("expected embedding entry to stay")
	}
}

func TestPersistedTierThroughCache(t *testing.T) {
	s, _ := newTestStore(t)
	cfg := cache.DefaultConfig()
	cfg.Tiers[domain.TierResult] = cache.TierConfig{Capacity: 8, TTL: time.Hour, Persist: true}
	ctx := context.Background()
	material := domain.KeyMaterial{Text: "shared across replicas"}

	writer, err := cache.New(cfg, cache.Options{Store: s})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	if err := writer.Set(ctx, domain.TierResult, material, domain.QueryResult{Answer: "from redis"}, domain.EntryOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}

	reader, err := cache.New(cfg, cache.Options{Store: s})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	value, ok := reader.Get(ctx, domain.TierResult, material)
	if !ok {
		t.Fatalf("expected reader to load the persisted entry")
	}
	if value.(domain.QueryResult).Answer != "from redis" {
		t.Fatalf("unexpected value %+v", value)
	}
}
