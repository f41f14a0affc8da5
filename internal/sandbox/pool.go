package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Pool bounds how many jobs run and how many may wait. The worker semaphore
// is the real resource limit (each slot is one live sandboxed child); the
// admission semaphore bounds queueing so saturation turns into an immediate
// ErrCapacity instead of unbounded backlog.
type Pool struct {
	backend Backend
	workers chan struct{}
	queue   chan struct{}
	active  atomic.Int64
}

// NewPool wraps a backend with bounded concurrency and a bounded wait queue.
func NewPool(backend Backend, maxConcurrent, queueDepth int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 8
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Pool{
		backend: backend,
		workers: make(chan struct{}, maxConcurrent),
		queue:   make(chan struct{}, maxConcurrent+queueDepth),
	}
}

// Execute admits the job if there is a worker or queue slot free, then runs
// it on the wrapped backend. Saturation returns ErrCapacity without blocking.
func (p *Pool) Execute(ctx context.Context, job Job) (*Outcome, error) {
	select {
	case p.queue <- struct{}{}:
		defer func() { <-p.queue }()
	default:
		log.Warn().Str("exec_id", job.ID).Msg("execution rejected, pool and queue are full")
		return nil, &ExecutionError{ExecID: job.ID, Op: "admit", Err: ErrCapacity}
	}

	select {
	case p.workers <- struct{}{}:
		defer func() { <-p.workers }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: job.ID, Op: "acquire_worker", Err: ctx.Err()}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	return p.backend.Execute(ctx, job)
}

// ActiveCount returns the number of jobs currently executing (not queued).
func (p *Pool) ActiveCount() int64 {
	return p.active.Load()
}

// Close shuts down the wrapped backend.
func (p *Pool) Close() error {
	return p.backend.Close()
}
