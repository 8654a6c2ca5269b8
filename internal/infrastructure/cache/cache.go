package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
	tags      []string
}

func (e *entry) live(now time.Time) bool {
	return e.ttl <= 0 || now.Before(e.createdAt.Add(e.ttl))
}

type tier struct {
	name    domain.CacheTier
	cfg     TierConfig
	entries *lru.Cache[string, *entry]
	group   singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64
	inFlight  atomic.Int64
}

type Options struct {
	Store Store
	Now   func() time.Time
}

// Cache is the four-tier memoization layer. Exact tiers share one contract:
// a live entry is returned as is, a miss runs compute at most once per key
// across concurrent callers, and failures are never stored.
type Cache struct {
	cfg   Config
	now   func() time.Time
	store Store

	tiers    map[domain.CacheTier]*tier
	semantic *semanticTier

	tagMu sync.Mutex
	tags  map[string]map[string]struct{}
}

func New(cfg Config, opts Options) (*Cache, error) {
	cfg = cfg.normalize()
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Cache{
		cfg:   cfg,
		now:   now,
		store: opts.Store,
		tiers: make(map[domain.CacheTier]*tier, len(domain.Tiers)),
		tags:  make(map[string]map[string]struct{}),
	}

	for _, name := range []domain.CacheTier{domain.TierEmbedding, domain.TierResult, domain.TierClassification} {
		t := &tier{name: name, cfg: cfg.Tiers[name]}
		entries, err := lru.NewWithEvict[string, *entry](t.cfg.Capacity, func(key string, e *entry) {
			c.untag(key, e.tags)
		})
		if err != nil {
			return nil, fmt.Errorf("create %s tier: %w", name, err)
		}
		t.entries = entries
		c.tiers[name] = t
	}

	semantic, err := newSemanticTier(cfg.Tiers[domain.TierSemantic], cfg.SemanticThreshold, c)
	if err != nil {
		return nil, fmt.Errorf("create semantic tier: %w", err)
	}
	c.semantic = semantic
	return c, nil
}

func (c *Cache) tier(name domain.CacheTier) (*tier, error) {
	t, ok := c.tiers[name]
	if !ok {
		return nil, domain.WrapError(domain.ErrInvalidInput, "cache", fmt.Errorf("tier %q does not support exact keys", name))
	}
	return t, nil
}

func (c *Cache) GetOrCompute(
	ctx context.Context,
	name domain.CacheTier,
	material domain.KeyMaterial,
	opts domain.EntryOptions,
	compute func(context.Context) (any, error),
) (any, bool, error) {
	if compute == nil {
		return nil, false, fmt.Errorf("cache: compute callback is nil")
	}
	t, err := c.tier(name)
	if err != nil {
		return nil, false, err
	}

	key := DeriveKey(name, material)
	if value, ok := c.lookup(ctx, t, key); ok {
		return value, true, nil
	}

	// The flight runs on a context detached from the first caller so a caller
	// that gives up does not fail the waiters sharing the same key.
	flightCtx := context.WithoutCancel(ctx)
	results := t.group.DoChan(key, func() (any, error) {
		if e, ok := t.entries.Peek(key); ok && e.live(c.now()) {
			return e.value, nil
		}

		t.inFlight.Add(1)
		defer t.inFlight.Add(-1)

		computeCtx, cancel := context.WithTimeout(flightCtx, c.cfg.ComputeTimeout)
		defer cancel()

		value, err := compute(computeCtx)
		if err != nil {
			return nil, err
		}
		if err := c.save(computeCtx, t, key, value, opts); err != nil {
			slog.Warn("cache_store_failed", "tier", string(name), "error", err)
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, domain.WrapError(domain.ErrTimeout, fmt.Sprintf("cache %s compute", name), ctx.Err())
	case res := <-results:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return cloneValue(res.Val), false, nil
	}
}

func (c *Cache) Get(ctx context.Context, name domain.CacheTier, material domain.KeyMaterial) (any, bool) {
	t, err := c.tier(name)
	if err != nil {
		return nil, false
	}
	return c.lookup(ctx, t, DeriveKey(name, material))
}

func (c *Cache) Set(ctx context.Context, name domain.CacheTier, material domain.KeyMaterial, value any, opts domain.EntryOptions) error {
	t, err := c.tier(name)
	if err != nil {
		return err
	}
	return c.save(ctx, t, DeriveKey(name, material), value, opts)
}

func (c *Cache) lookup(ctx context.Context, t *tier, key string) (any, bool) {
	now := c.now()
	if e, ok := t.entries.Get(key); ok {
		if e.live(now) {
			t.hits.Add(1)
			return cloneValue(e.value), true
		}
		t.entries.Remove(key)
		t.expired.Add(1)
	}

	if t.cfg.Persist && c.store != nil {
		if value, ok := c.loadPersisted(ctx, t, key, now); ok {
			t.hits.Add(1)
			return cloneValue(value), true
		}
	}

	t.misses.Add(1)
	return nil, false
}

func (c *Cache) loadPersisted(ctx context.Context, t *tier, key string, now time.Time) (any, bool) {
	rec, ok, err := c.store.Load(ctx, key)
	if err != nil {
		slog.Warn("cache_store_load_failed", "tier", string(t.name), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if !rec.Live(now) {
		t.expired.Add(1)
		if err := c.store.Delete(ctx, key); err != nil {
			slog.Warn("cache_store_delete_failed", "tier", string(t.name), "error", err)
		}
		return nil, false
	}
	value, err := decodeValue(t.name, rec.Payload)
	if err != nil {
		slog.Warn("cache_store_decode_failed", "tier", string(t.name), "error", err)
		return nil, false
	}
	c.put(t, key, &entry{
		value:     value,
		createdAt: rec.CreatedAt,
		ttl:       rec.TTL,
		tags:      rec.Tags,
	})
	return value, true
}

func (c *Cache) save(ctx context.Context, t *tier, key string, value any, opts domain.EntryOptions) error {
	e := &entry{
		value:     cloneValue(value),
		createdAt: c.now(),
		ttl:       resolveTTL(t.cfg, opts.TTL),
		tags:      append([]string(nil), opts.Tags...),
	}
	c.put(t, key, e)

	if !t.cfg.Persist || c.store == nil {
		return nil
	}
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}
	return c.store.Save(ctx, key, Record{
		Payload:   payload,
		CreatedAt: e.createdAt,
		TTL:       e.ttl,
		Tags:      e.tags,
	})
}

func (c *Cache) put(t *tier, key string, e *entry) {
	if old, ok := t.entries.Peek(key); ok {
		c.untag(key, old.tags)
	}
	if evicted := t.entries.Add(key, e); evicted {
		t.evictions.Add(1)
	}
	c.tag(key, e.tags)
}

func (c *Cache) LookupSemantic(ctx context.Context, knowledgeBaseID string, vector []float32) (domain.QueryResult, float64, bool) {
	return c.semantic.lookup(ctx, knowledgeBaseID, vector, c.now())
}

func (c *Cache) StoreSemantic(ctx context.Context, knowledgeBaseID string, vector []float32, result domain.QueryResult, opts domain.EntryOptions) error {
	return c.semantic.store(ctx, knowledgeBaseID, vector, result, opts, c.now(), c)
}

// InvalidateTags removes every entry carrying one of the tags and returns the
// number of in-memory entries dropped.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) int {
	if len(tags) == 0 {
		return 0
	}

	c.tagMu.Lock()
	keys := make(map[string]struct{})
	for _, tag := range tags {
		for key := range c.tags[tag] {
			keys[key] = struct{}{}
		}
		delete(c.tags, tag)
	}
	c.tagMu.Unlock()

	removed := 0
	for key := range keys {
		name := tierOfKey(key)
		if name == domain.TierSemantic {
			if c.semantic.remove(key) {
				removed++
			}
			continue
		}
		if t, ok := c.tiers[name]; ok && t.entries.Remove(key) {
			removed++
		}
	}

	if c.store != nil {
		if _, err := c.store.DeleteTags(ctx, tags...); err != nil {
			slog.Warn("cache_store_invalidate_failed", "tags", tags, "error", err)
		}
	}
	return removed
}

// Flush drops every entry of the given tiers, all tiers when none are given.
func (c *Cache) Flush(ctx context.Context, tiers ...domain.CacheTier) int {
	if len(tiers) == 0 {
		tiers = domain.Tiers
	}
	removed := 0
	for _, name := range tiers {
		if name == domain.TierSemantic {
			removed += c.semantic.purge()
			continue
		}
		t, ok := c.tiers[name]
		if !ok {
			continue
		}
		removed += t.entries.Len()
		t.entries.Purge()
		if t.cfg.Persist && c.store != nil {
			if err := c.store.Clear(ctx, name); err != nil {
				slog.Warn("cache_store_clear_failed", "tier", string(name), "error", err)
			}
		}
	}
	return removed
}

// Compact removes expired in-memory entries. Expiry is also enforced on read,
// so compaction only reclaims memory.
func (c *Cache) Compact() int {
	now := c.now()
	removed := 0
	for _, t := range c.tiers {
		for _, key := range t.entries.Keys() {
			e, ok := t.entries.Peek(key)
			if !ok || e.live(now) {
				continue
			}
			if t.entries.Remove(key) {
				t.expired.Add(1)
				removed++
			}
		}
	}
	removed += c.semantic.compact(now)
	return removed
}

func (c *Cache) Stats() []domain.CacheStats {
	out := make([]domain.CacheStats, 0, len(domain.Tiers))
	for _, name := range domain.Tiers {
		if name == domain.TierSemantic {
			out = append(out, c.semantic.stats())
			continue
		}
		t := c.tiers[name]
		out = append(out, snapshot(name, t.cfg.Capacity, t.entries.Len(), int(t.inFlight.Load()),
			t.hits.Load(), t.misses.Load(), t.evictions.Load(), t.expired.Load()))
	}
	return out
}

func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) tag(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *Cache) untag(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			continue
		}
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tags, tag)
		}
	}
}

func snapshot(name domain.CacheTier, capacity, size, inFlight int, hits, misses, evictions, expired uint64) domain.CacheStats {
	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return domain.CacheStats{
		Tier:      name,
		Hits:      hits,
		Misses:    misses,
		Evictions: evictions,
		Expired:   expired,
		Size:      size,
		Capacity:  capacity,
		InFlight:  inFlight,
		HitRate:   hitRate,
	}
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case domain.QueryResult:
		return cloneResult(v)
	default:
		return value
	}
}

func cloneResult(result domain.QueryResult) domain.QueryResult {
	result.Sources = append([]domain.SourceSummary(nil), result.Sources...)
	if result.Cache != nil {
		outcomes := make(map[domain.CacheTier]domain.CacheOutcome, len(result.Cache))
		for tier, outcome := range result.Cache {
			outcomes[tier] = outcome
		}
		result.Cache = outcomes
	}
	return result
}
