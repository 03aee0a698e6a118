package workerpool

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WarnConcurrency is the threshold above which a configured pool size is
// considered excessive and logged as a warning.
const WarnConcurrency = 10

// Pool executes submitted tasks with bounded concurrency. Admission is
// serialised: Go blocks while the pool is at capacity.
type Pool struct {
	group  *errgroup.Group
	ctx    context.Context
	logger zerolog.Logger
}

// New creates a pool running at most limit tasks concurrently.
func New(ctx context.Context, limit int, logger zerolog.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if limit > WarnConcurrency {
		logger.Warn().Int("limit", limit).
			Msgf("worker concurrency above %d may overwhelm the platform", WarnConcurrency)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	return &Pool{group: group, ctx: gctx, logger: logger}
}

// Go submits a task, blocking until a worker slot is free. The task's
// error is retained and returned by Wait.
func (p *Pool) Go(task func() error) {
	p.group.Go(task)
}

// TryGo submits a task only if a worker slot is free, reporting whether it
// was accepted.
func (p *Pool) TryGo(task func() error) bool {
	return p.group.TryGo(task)
}

// Wait blocks until all submitted tasks finish and returns the first error.
func (p *Pool) Wait() error {
	return p.group.Wait()
}

// Context returns the pool's context, cancelled when any task fails.
func (p *Pool) Context() context.Context {
	return p.ctx
}
