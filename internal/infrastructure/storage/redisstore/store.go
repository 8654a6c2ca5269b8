package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/cache"
)

const scanBatch = 500

// Store keeps persisted cache tiers in Redis so result entries survive
// restarts and are shared between api replicas. Tags are Redis sets of keys.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "rqp"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Dial parses a redis:// URL and checks connectivity.
func Dial(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.WrapError(domain.ErrUnavailable, "redis ping", err)
	}
	return New(client, prefix), nil
}

func (s *Store) entryKey(key string) string {
	return s.prefix + ":entry:" + key
}

func (s *Store) tagKey(tag string) string {
	return s.prefix + ":tag:" + tag
}

func (s *Store) Load(ctx context.Context, key string) (cache.Record, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, domain.WrapError(domain.ErrUnavailable, "redis get", err)
	}
	var rec cache.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return cache.Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *Store) Save(ctx context.Context, key string, rec cache.Record) error {
	var expiration time.Duration
	if rec.TTL > 0 {
		expiration = rec.CreatedAt.Add(rec.TTL).Sub(s.now())
		if expiration <= 0 {
			return s.Delete(ctx, key)
		}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(key), raw, expiration)
		for _, tag := range rec.Tags {
			pipe.SAdd(ctx, s.tagKey(tag), key)
		}
		return nil
	})
	if err != nil {
		return domain.WrapError(domain.ErrUnavailable, "redis save", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = s.entryKey(key)
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return domain.WrapError(domain.ErrUnavailable, "redis del", err)
	}
	return nil
}

func (s *Store) DeleteTags(ctx context.Context, tags ...string) (int, error) {
	removed := 0
	for _, tag := range tags {
		members, err := s.client.SMembers(ctx, s.tagKey(tag)).Result()
		if err != nil {
			return removed, domain.WrapError(domain.ErrUnavailable, "redis smembers", err)
		}
		keys := make([]string, 0, len(members)+1)
		for _, member := range members {
			keys = append(keys, s.entryKey(member))
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, domain.WrapError(domain.ErrUnavailable, "redis del", err)
			}
			removed += int(n)
		}
		if err := s.client.Del(ctx, s.tagKey(tag)).Err(); err != nil {
			return removed, domain.WrapError(domain.ErrUnavailable, "redis del", err)
		}
	}
	return removed, nil
}

// Clear removes every entry of a tier. Stale members left in tag sets are
// harmless: deleting a missing key is a no-op.
func (s *Store) Clear(ctx context.Context, tier domain.CacheTier) error {
	pattern := s.entryKey(string(tier) + ":*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return domain.WrapError(domain.ErrUnavailable, "redis scan", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return domain.WrapError(domain.ErrUnavailable, "redis del", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}
