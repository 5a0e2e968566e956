package sqlstore

import (
	"context"
	"fmt"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-workqueue/core"
)

const queueStatsCacheKey = "go-workqueue::queue_stats::v1"

// CachedStatsReader memoizes queue counts for admin polling. Counts are
// eventually consistent within the cache TTL.
type CachedStatsReader struct {
	base  core.StatsReader
	cache repositorycache.CacheService
}

func NewCachedStatsReader(base core.StatsReader, cacheService repositorycache.CacheService) (*CachedStatsReader, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base stats reader is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: stats cache service is required")
	}
	return &CachedStatsReader{base: base, cache: cacheService}, nil
}

func (r *CachedStatsReader) CountJobs(ctx context.Context) (core.QueueStats, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return core.QueueStats{}, fmt.Errorf("sqlstore: cached stats reader is not configured")
	}
	return repositorycache.GetOrFetch(ctx, r.cache, queueStatsCacheKey, func(ctx context.Context) (core.QueueStats, error) {
		return r.base.CountJobs(ctx)
	})
}

// Invalidate drops the cached counts so the next read hits the database.
func (r *CachedStatsReader) Invalidate(ctx context.Context) error {
	if r == nil || r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, queueStatsCacheKey)
}
