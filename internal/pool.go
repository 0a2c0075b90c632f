package internal

import "sync"

// WorkerPool runs queued work on a fixed number of goroutines.
type WorkerPool struct {
	N  int
	ch chan func()

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// The channel buffer is also N, so once N items of work are in flight and N are queued,
// Queue blocks and applies backpressure on the producer. Workspace persistence uses a small
// N: writes for the same session are idempotent snapshots so a backlog is pointless.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.N)
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool and wait for queued work to drain. Safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.ch)
	})
	wp.wg.Wait()
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// TryQueue queues work without blocking. Returns false if the pool is saturated.
func (wp *WorkerPool) TryQueue(fn func()) bool {
	select {
	case wp.ch <- fn:
		return true
	default:
		return false
	}
}

// worker impl
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
