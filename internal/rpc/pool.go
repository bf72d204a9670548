package rpc

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Pool default sizing. Development-tool workloads are bursty but
// small; a handful of workers with a short queue covers them.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 64
)

// Pool executes handler bodies off the routing goroutine. When the
// queue is full a task is spilled onto its own goroutine instead of
// being dropped: every request owes a response, so the pool must never
// discard work.
type Pool struct {
	workers   int
	queueSize int
	panicFn   func(v any, stack []byte)

	mu      sync.Mutex
	queue   chan func()
	running atomic.Bool
	wg      sync.WaitGroup
	spills  sync.WaitGroup

	processed atomic.Uint64
	spilled   atomic.Uint64
	panicked  atomic.Uint64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPanicHook sets a callback invoked with the recovered value and
// stack when a task panics.
func WithPanicHook(fn func(v any, stack []byte)) PoolOption {
	return func(p *Pool) {
		p.panicFn = fn
	}
}

// NewPool creates a pool with the given worker count and queue length.
// Non-positive values fall back to the defaults.
func NewPool(workers, queueSize int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{workers: workers, queueSize: queueSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return ErrAlreadyStarted
	}
	p.queue = make(chan func(), p.queueSize)
	p.running.Store(true)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

// Stop drains queued tasks and waits for in-flight ones, spilled
// included, until ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.running.Store(false)
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.spills.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit schedules fn. If the queue is at capacity fn runs on a fresh
// goroutine immediately.
func (p *Pool) Submit(fn func()) error {
	if !p.running.Load() {
		return ErrNotStarted
	}

	select {
	case p.queue <- fn:
		return nil
	default:
		p.spilled.Add(1)
		p.spills.Add(1)
		go func() {
			defer p.spills.Done()
			p.run(fn)
		}()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.queue {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicFn != nil {
				p.panicFn(r, debug.Stack())
			}
		}
	}()
	fn()
	p.processed.Add(1)
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Processed uint64
	Spilled   uint64
	Panicked  uint64
	QueueLen  int
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Processed: p.processed.Load(),
		Spilled:   p.spilled.Load(),
		Panicked:  p.panicked.Load(),
	}
	if p.running.Load() {
		s.QueueLen = len(p.queue)
	}
	return s
}
