// Package worker runs background jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/proxylens/proxylens/internal/pkg/logger"
)

var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Pool is a bounded worker pool. Submit never blocks; a full queue is
// reported to the caller instead.
type Pool struct {
	jobs chan func(ctx context.Context)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan func(ctx context.Context), queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) Submit(job func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, running jobs see their context cancelled and ctx.Err() is
// returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic in worker job", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job(p.ctx)
}
