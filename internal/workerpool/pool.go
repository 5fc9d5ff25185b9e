// Package workerpool runs submitted tasks on a bounded number of goroutines.
//
// Submit never blocks the caller: tasks wait for a free slot in their own
// goroutine. This lets code holding a lock hand work to the pool without
// risking a deadlock against a full pool.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Shutdown has been called.
var ErrPoolClosed = errors.New("worker pool closed")

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool that runs at most size tasks concurrently.
func New(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit schedules fn. The name is used only for logging a task that panics.
func (p *Pool) Submit(name string, fn func()) error {
	return p.SubmitOrDrop(name, fn, nil)
}

// SubmitOrDrop schedules fn like Submit. If fn is still waiting for a slot
// when Shutdown gives up, dropped is called instead so the caller can reset
// any state that expected fn to run.
func (p *Pool) SubmitOrDrop(name string, fn, dropped func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("submit %s: %w", name, ErrPoolClosed)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Debug("task dropped at shutdown", zap.String("task", name))
			if dropped != nil {
				dropped()
			}
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		fn()
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones to finish or ctx
// to expire. Tasks still waiting for a slot are dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

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
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}
