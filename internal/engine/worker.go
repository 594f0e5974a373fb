package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a point-in-time view of the node call pool.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Peak      int64 `json:"peak"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool caps concurrent outbound node calls for the whole process,
// across every run. A node call holds one slot from dispatch to result.
type WorkerPool struct {
	slots chan struct{}
	stop  chan struct{}

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup

	active, peak, waiting               atomic.Int64
	completed, failed, panics, rejected atomic.Int64
}

func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots: make(chan struct{}, max(size, 1)),
		stop:  make(chan struct{}),
	}
}

// Submit waits for a free slot and starts fn on its own goroutine. It
// returns ctx.Err() or ErrPoolShutdown if no slot was obtained; once it
// returns nil, fn is running and its error only feeds the metrics.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		p.rejected.Add(1)
		return err
	}
	go p.run(ctx, fn)
	return nil
}

// acquire takes a slot and registers the call with running. Registration
// happens under mu so Shutdown never waits on a call it did not see.
func (p *WorkerPool) acquire(ctx context.Context) error {
	if p.isStopped() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.stop:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	n := p.active.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer p.release()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) release() {
	p.active.Add(-1)
	<-p.slots
	p.running.Done()
}

func (p *WorkerPool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Wait blocks until every started call has returned.
func (p *WorkerPool) Wait() {
	p.running.Wait()
}

// Shutdown refuses new work, releases blocked submitters and waits for
// running calls. Calling it again is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	p.mu.Unlock()

	p.running.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      cap(p.slots),
		Active:    p.active.Load(),
		Peak:      p.peak.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
	}
}
