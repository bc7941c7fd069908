package xmbus

import (
	"context"
	"sync"
	"sync/atomic"
)

var (
	_ Dispatcher = InlineDispatcher{}
	_ Dispatcher = (*PoolDispatcher)(nil)
	_ Dispatcher = (*LoopDispatcher)(nil)
)

// InlineDispatcher runs callbacks immediately on the processing goroutine, which keeps
// delivery in strict drained order. Receivers must not wait on the bus from inside
// such a callback.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(fn func()) error {
	runGuarded(fn)
	return nil
}

func (InlineDispatcher) Close() error { return nil }

// PoolDispatcher runs callbacks on a fixed set of worker goroutines. When the queue is
// full the callback gets its own goroutine, so the processing loop never blocks and
// nothing is dropped.
type PoolDispatcher struct {
	workCh   chan func()
	workers  int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	overflow atomic.Uint64
	spill    sync.WaitGroup

	// mu makes accepting a callback atomic with respect to Close
	mu     sync.RWMutex
	closed bool
}

// NewPoolDispatcher creates a pool with workers goroutines (default 4) and a queue
// of bufferSize callbacks (default 1024).
func NewPoolDispatcher(workers, bufferSize int) *PoolDispatcher {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &PoolDispatcher{
		workCh:  make(chan func(), bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch queues fn. Every accepted callback runs, even when Close follows at once.
func (d *PoolDispatcher) Dispatch(fn func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.workCh <- fn:
	default:
		d.overflow.Add(1)
		d.spill.Add(1)
		go func() {
			defer d.spill.Done()
			runGuarded(fn)
		}()
	}
	return nil
}

func (d *PoolDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			// drain what was queued before Close
			for {
				select {
				case fn := <-d.workCh:
					runGuarded(fn)
				default:
					return
				}
			}
		case fn := <-d.workCh:
			runGuarded(fn)
		}
	}
}

// Overflow returns how many callbacks ran outside the pool because the queue was full.
func (d *PoolDispatcher) Overflow() uint64 { return d.overflow.Load() }

// Close stops accepting callbacks and waits for queued ones to finish.
func (d *PoolDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.spill.Wait()
	return nil
}

// LoopDispatcher marshals callbacks onto an owner-driven event loop, the way a UI
// thread would consume them. The owner calls Run, or RunPending from its own loop.
type LoopDispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
}

func NewLoopDispatcher() *LoopDispatcher {
	return &LoopDispatcher{signal: make(chan struct{}, 1)}
}

// Dispatch queues fn without blocking.
func (d *LoopDispatcher) Dispatch(fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

// Run executes queued callbacks on the calling goroutine until ctx is done.
func (d *LoopDispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.signal:
			d.RunPending()
		}
	}
}

// RunPending executes every queued callback and returns how many ran.
func (d *LoopDispatcher) RunPending() int {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, fn := range batch {
		runGuarded(fn)
	}
	return len(batch)
}

func (d *LoopDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// runGuarded keeps a panicking callback from taking the worker down with it.
func runGuarded(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	fn()
}
