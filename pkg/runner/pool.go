package runner

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs work items with bounded parallelism
type Pool struct {
	size int
}

// NewPool creates a pool running at most size items at once.
// A non-positive size uses GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{size: size}
}

// Size returns the maximum parallelism
func (p *Pool) Size() int {
	return p.size
}

// Run calls fn for every item and waits for all of them. Items not yet
// started are skipped once ctx is done. The first non-nil error is returned;
// it does not cancel items that are already running.
func (p *Pool) Run(ctx context.Context, items []WorkItem, fn func(ctx context.Context, item WorkItem) error) error {
	var g errgroup.Group
	g.SetLimit(p.size)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, item)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
