package cache

import (
	"context"
	"log/slog"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// CompactionJob periodically drops expired entries and publishes tier stats.
type CompactionJob struct {
	cache   *Cache
	observe func([]domain.CacheStats)
}

func NewCompactionJob(c *Cache, observe func([]domain.CacheStats)) *CompactionJob {
	return &CompactionJob{cache: c, observe: observe}
}

func (j *CompactionJob) Name() string {
	return "cache_compaction"
}

func (j *CompactionJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	removed := j.cache.Compact()
	if removed > 0 {
		slog.Info("cache_compacted", "removed", removed)
	}
	if j.observe != nil {
		j.observe(j.cache.Stats())
	}
	return nil
}
