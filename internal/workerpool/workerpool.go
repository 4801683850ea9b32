// Package workerpool provides a small bounded pool of goroutines used by
// the disk cache to run asynchronous eviction after a SetMaxSize shrink.
//
// This is implemented on top of the standard library rather than a
// third-party pool (e.g. golang.org/x/sync/errgroup, which this codebase
// already uses for bounded directory-scan fan-out) because the disk cache's
// tests need to observe the number of jobs still queued-or-running at any
// instant, a precise "pending count" API that errgroup/semaphore do not
// expose. See the design documents for this cache for the full rationale.
package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workerpool: closed")

// Pool runs submitted jobs on a fixed number of worker goroutines. A Pool
// of size 1 is sufficient for the disk cache's single async eviction
// stream, but the pool accepts any positive size.
type Pool struct {
	jobs    chan func()
	pending int64 // atomic: queued + currently running

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a pool with size worker goroutines and a job queue of
// capacity queueLen.
func New(size, queueLen int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueLen < 0 {
		queueLen = 0
	}

	p := &Pool{
		jobs: make(chan func(), queueLen),
		quit: make(chan struct{}),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			job()
			atomic.AddInt64(&p.pending, -1)
		case <-p.quit:
			p.drain()
			return
		}
	}
}

// drain runs any jobs that were already sitting in the buffered channel at
// the moment Close was requested, without blocking for more. In-flight
// Submit calls that are still blocked on a full queue observe ErrClosed
// instead (see Submit).
func (p *Pool) drain() {
	for {
		select {
		case job := <-p.jobs:
			job()
			atomic.AddInt64(&p.pending, -1)
		default:
			return
		}
	}
}

// Submit enqueues fn to run on a worker goroutine. It blocks if the queue
// is full, until either a slot frees up or the pool is closed. Returns
// ErrClosed if the pool has been (or becomes) closed.
func (p *Pool) Submit(fn func()) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}

	atomic.AddInt64(&p.pending, 1)

	select {
	case p.jobs <- fn:
		return nil
	case <-p.quit:
		atomic.AddInt64(&p.pending, -1)
		return ErrClosed
	}
}

// Pending returns the number of jobs queued or currently executing. Tests
// use this to assert that an async eviction has actually been scheduled.
func (p *Pool) Pending() int {
	return int(atomic.LoadInt64(&p.pending))
}

// Close stops accepting new jobs, drains any already-buffered jobs, waits
// for in-flight work to finish, then returns. Close is idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
