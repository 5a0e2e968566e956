package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-workqueue/core"
	"golang.org/x/sync/errgroup"
)

// Pool runs several workers in one process. Each member claims under its own
// id, so the pool adds throughput without adding coordination.
type Pool struct {
	workers []*Worker
}

func NewPool(queue JobQueue, cfg Config, size int, opts ...Option) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	base := strings.TrimSpace(cfg.ID)
	if base == "" {
		base = DefaultID()
	}
	pool := &Pool{workers: make([]*Worker, 0, size)}
	for i := 0; i < size; i++ {
		memberCfg := cfg
		memberCfg.ID = fmt.Sprintf("%s-%d", base, i)
		if size == 1 {
			memberCfg.ID = base
		}
		if i > 0 {
			// one sweeper per pool is enough
			memberCfg.ReclaimInterval = 0
		}
		member, err := New(queue, memberCfg, opts...)
		if err != nil {
			return nil, err
		}
		pool.workers = append(pool.workers, member)
	}
	return pool, nil
}

// RegisterHandler registers handler on every member.
func (p *Pool) RegisterHandler(jobType string, handler Handler) error {
	if p == nil || len(p.workers) == 0 {
		return core.InternalError("worker: pool is empty")
	}
	for _, member := range p.workers {
		if err := member.RegisterHandler(jobType, handler); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) Workers() []*Worker {
	if p == nil {
		return nil
	}
	return append([]*Worker(nil), p.workers...)
}

func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return len(p.workers)
}

// Run starts every member and blocks until all of them stop.
func (p *Pool) Run(ctx context.Context) error {
	if p == nil || len(p.workers) == 0 {
		return core.InternalError("worker: pool is empty")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, member := range p.workers {
		group.Go(func() error {
			return member.Run(groupCtx)
		})
	}
	return group.Wait()
}
