package pool

import (
	"context"
	"fmt"
	"sync"
)

// Job is one unit of work. A returned error or a recovered panic is passed to the
// pool's failure hook.
type Job func(ctx context.Context) error

type WorkerPool struct {
	ctx       context.Context
	sem       chan struct{}
	wg        sync.WaitGroup
	onFailure func(err error)
}

// NewWorkerPool runs at most maxWorkers jobs at a time. Jobs receive ctx, not the
// submitter's context, so a finished HTTP request does not abort its task.
func NewWorkerPool(ctx context.Context, maxWorkers int, onFailure func(err error)) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if onFailure == nil {
		onFailure = func(error) {}
	}
	return &WorkerPool{
		ctx:       ctx,
		sem:       make(chan struct{}, maxWorkers),
		onFailure: onFailure,
	}
}

// Submit hands job to the pool and returns without waiting for a free slot.
func (p *WorkerPool) Submit(job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
			if err := p.run(job); err != nil {
				p.onFailure(err)
			}
		case <-p.ctx.Done():
			p.onFailure(fmt.Errorf("pool stopped before job started: %w", p.ctx.Err()))
		}
	}()
}

func (p *WorkerPool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(p.ctx)
}

// Capacity is the maximum number of jobs running at once.
func (p *WorkerPool) Capacity() int {
	return cap(p.sem)
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
