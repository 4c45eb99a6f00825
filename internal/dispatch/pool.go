package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool bounds concurrent work with a weighted semaphore. Every submission gets
// its own goroutine that waits for a slot, so Go never blocks the caller.
type pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newPool(size int) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn once a slot is free. If the pool is aborted before that,
// abandon runs instead.
func (p *pool) Go(fn, abandon func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			abandon()
			return
		}
		defer p.sem.Release(1)
		if p.ctx.Err() != nil {
			abandon()
			return
		}
		fn()
	}()
}

// Wait blocks until all submitted work has returned or ctx is done.
func (p *pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort releases goroutines still waiting for a slot.
func (p *pool) Abort() {
	p.cancel()
}
