// Package worker runs submitted jobs on a fixed set of goroutines with a
// bounded queue. Submit blocks while the queue is full.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is a unit of work. The context is the one passed to Submit.
type Job func(ctx context.Context)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers   int // goroutines executing jobs (default 8)
	QueueSize int // jobs buffered before Submit blocks (default 256)
}

type task struct {
	ctx  context.Context
	name string
	fn   Job
}

// Pool is a fixed-size worker pool.
type Pool struct {
	jobs    chan task
	quit    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	workers int

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	active    atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// PoolStats contains statistics about the worker pool
type PoolStats struct {
	Workers       int   `json:"workers"`
	ActiveJobs    int64 `json:"active_jobs"`
	QueueLength   int   `json:"queue_length"`
	QueueCapacity int   `json:"queue_capacity"`
	Completed     int64 `json:"completed"`
	Panicked      int64 `json:"panicked"`
}

// NewPool starts cfg.Workers goroutines.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		jobs:    make(chan task, cfg.QueueSize),
		quit:    make(chan struct{}),
		logger:  logger,
		workers: cfg.Workers,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

// Submit enqueues fn. It blocks while the queue is full until ctx is done
// or the pool stops.
func (p *Pool) Submit(ctx context.Context, name string, fn Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- task{ctx: ctx, name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", name, ctx.Err())
	case <-p.quit:
		return ErrPoolStopped
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for t := range p.jobs {
		p.execute(id, t)
	}
}

func (p *Pool) execute(id int, t task) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("job panicked",
				"worker", id,
				"job", t.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			return
		}
		p.completed.Add(1)
	}()
	t.fn(t.ctx)
}

// Stop rejects new jobs, runs everything already queued and waits for
// the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Debug("stopped worker pool", "completed", p.completed.Load())
	})
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.workers,
		ActiveJobs:    p.active.Load(),
		QueueLength:   len(p.jobs),
		QueueCapacity: cap(p.jobs),
		Completed:     p.completed.Load(),
		Panicked:      p.panicked.Load(),
	}
}
