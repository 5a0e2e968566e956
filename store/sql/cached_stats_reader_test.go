package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-workqueue/core"
)

type stubStatsReader struct {
	mu    sync.Mutex
	stats core.QueueStats
	calls int
	err   error
}

func (s *stubStatsReader) CountJobs(context.Context) (core.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return core.QueueStats{}, s.err
	}
	return s.stats, nil
}

func TestCachedStatsReader_MissFetchThenHit(t *testing.T) {
	base := &stubStatsReader{stats: core.QueueStats{Pending: 3, Processing: 1}}
	reader, err := NewCachedStatsReader(base, newTestStatsCacheService(t))
	if err != nil {
		t.Fatalf("new cached stats reader: %v", err)
	}

	first, err := reader.CountJobs(context.Background())
	if err != nil {
		t.Fatalf("first count: %v", err)
	}
	if first.Pending != 3 || base.calls != 1 {
		t.Fatalf("expected fetched stats, got %#v after %d calls", first, base.calls)
	}

	base.stats.Pending = 10
	second, err := reader.CountJobs(context.Background())
	if err != nil {
		t.Fatalf("second count: %v", err)
	}
	if second.Pending != 3 || base.calls != 1 {
		t.Fatalf("expected cache hit, got %#v after %d calls", second, base.calls)
	}

	if err := reader.Invalidate(context.Background()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	third, err := reader.CountJobs(context.Background())
	if err != nil {
		t.Fatalf("third count: %v", err)
	}
	if third.Pending != 10 || base.calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %#v after %d calls", third, base.calls)
	}
}

func TestCachedStatsReader_PropagatesBaseErrors(t *testing.T) {
	base := &stubStatsReader{err: errors.New("db down")}
	reader, err := NewCachedStatsReader(base, newTestStatsCacheService(t))
	if err != nil {
		t.Fatalf("new cached stats reader: %v", err)
	}
	if _, err := reader.CountJobs(context.Background()); err == nil {
		t.Fatalf("expected base error")
	}
}

func TestNewCachedStatsReader_RequiresDependencies(t *testing.T) {
	if _, err := NewCachedStatsReader(nil, newTestStatsCacheService(t)); err == nil {
		t.Fatalf("expected base reader requirement")
	}
	if _, err := NewCachedStatsReader(&stubStatsReader{}, nil); err == nil {
		t.Fatalf("expected cache service requirement")
	}
}

func newTestStatsCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
