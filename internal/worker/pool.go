// Package worker runs blocking jobs (dials, name resolution) off the
// reactor goroutine with a fixed upper bound on concurrency.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Job func(ctx context.Context)

type Pool struct {
	ctx     context.Context
	g       errgroup.Group
	running atomic.Int64
}

func New(ctx context.Context, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	p := &Pool{ctx: ctx}
	p.g.SetLimit(size)
	return p
}

func (p *Pool) wrap(job Job) func() error {
	return func() error {
		p.running.Add(1)
		defer p.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker job panicked", "panic", r)
			}
		}()
		job(p.ctx)
		return nil
	}
}

// TrySubmit starts job if a slot is free and reports whether it did.
func (p *Pool) TrySubmit(job Job) bool {
	if p.ctx.Err() != nil {
		return false
	}
	return p.g.TryGo(p.wrap(job))
}

// Submit blocks until a slot is free.
func (p *Pool) Submit(job Job) {
	p.g.Go(p.wrap(job))
}

func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Wait blocks until every started job returned.
func (p *Pool) Wait() {
	_ = p.g.Wait()
}
