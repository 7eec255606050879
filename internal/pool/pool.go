// Package pool implements the bounded, dynamically-sized worker pool that
// executes per-connection proxy tasks: one dispatcher goroutine matches
// queued tasks to idle or freshly-spawned workers, up to a fixed maximum.
package pool

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is a zero-argument side-effecting unit of work. Tasks are opaque to
// the pool; a task that panics is confined to its own worker (see runWorker)
// and never brings down the pool or other tasks.
type Task func()

type worker struct {
	// ready carries exactly one task from the dispatcher to this worker.
	// Buffered with capacity 1 so the dispatcher's handoff never blocks,
	// mirroring a semaphore signal: the dispatcher only ever sends to a
	// worker it just marked unavailable, so the buffer is always empty at
	// send time.
	ready     chan Task
	available bool
}

// Pool is a bounded FIFO executor with dynamic worker instantiation.
//
// Synchronization mirrors the dispatcher/worker architecture this repo's
// worker pool is grounded on: queueSem gates the dispatcher on new work,
// availSem caps live concurrency at maxWorkers, workersMutex/queueMutex
// guard the worker table and FIFO queue respectively, and the
// outstanding/doneCond pair implements Wait() as a barrier whose
// zero-crossing is atomic with the decrement that produces it (the
// upstream race this design corrects: a semaphore signaled once on a
// zero-crossing can't be "unconsumed" for a second caller of Wait(), so a
// condition variable re-checking the live predicate is used instead).
type Pool struct {
	log *slog.Logger

	maxWorkers int
	availSem   *semaphore.Weighted

	queueMutex sync.Mutex
	queue      []Task
	queueSem   *countingSemaphore

	workersMutex sync.Mutex
	workers      []*worker

	doneMu      sync.Mutex
	doneCond    *sync.Cond
	outstanding int64

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Pool configured to spawn up to maxWorkers goroutines and
// starts its dispatcher. maxWorkers below 1 is treated as 1.
func New(maxWorkers int, log *slog.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		log:        log,
		maxWorkers: maxWorkers,
		availSem:   semaphore.NewWeighted(int64(maxWorkers)),
		queueSem:   newCountingSemaphore(0),
		closed:     make(chan struct{}),
	}
	p.doneCond = sync.NewCond(&p.doneMu)
	go p.dispatch()
	return p
}

// Schedule enqueues task for eventual execution. It never blocks on worker
// availability and is safe to call from any goroutine, including from
// inside another task. Scheduling after Close is a no-op.
func (p *Pool) Schedule(task Task) {
	select {
	case <-p.closed:
		return
	default:
	}

	p.doneMu.Lock()
	p.outstanding++
	p.doneMu.Unlock()

	p.queueMutex.Lock()
	p.queue = append(p.queue, task)
	p.queueMutex.Unlock()

	p.queueSem.signal()
}

// Wait blocks until every task scheduled before the call has fully
// executed. It is idempotent: calling it again with nothing newly
// scheduled returns immediately.
func (p *Pool) Wait() {
	p.doneMu.Lock()
	for p.outstanding != 0 {
		p.doneCond.Wait()
	}
	p.doneMu.Unlock()
}

// Close stops the dispatcher and every spawned worker. Tasks already queued
// but not yet claimed by a worker are dropped; tasks already in flight are
// allowed to finish before their worker exits.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		// Wake a dispatcher possibly blocked in queueSem.wait().
		p.queueSem.signal()

		p.workersMutex.Lock()
		for _, w := range p.workers {
			close(w.ready)
		}
		p.workersMutex.Unlock()
	})
}

func (p *Pool) dispatch() {
	for {
		p.queueSem.wait()
		select {
		case <-p.closed:
			return
		default:
		}

		if err := p.availSem.Acquire(context.Background(), 1); err != nil {
			return
		}
		select {
		case <-p.closed:
			p.availSem.Release(1)
			return
		default:
		}

		p.workersMutex.Lock()
		select {
		case <-p.closed:
			// Close() may have already closed every worker's ready channel
			// under this same mutex; sending to one here would panic.
			p.workersMutex.Unlock()
			p.availSem.Release(1)
			return
		default:
		}
		task := p.popQueued()
		if task == nil {
			// Woken spuriously (e.g. by Close's courtesy signal) with
			// nothing queued; release the admission slot and loop.
			p.workersMutex.Unlock()
			p.availSem.Release(1)
			continue
		}

		assigned := false
		for _, w := range p.workers {
			if w.available {
				w.available = false
				w.ready <- task
				assigned = true
				break
			}
		}
		if !assigned {
			w := &worker{ready: make(chan Task, 1)}
			id := len(p.workers)
			p.workers = append(p.workers, w)
			w.ready <- task
			go p.runWorker(id)
		}
		p.workersMutex.Unlock()
	}
}

func (p *Pool) popQueued() Task {
	p.queueMutex.Lock()
	defer p.queueMutex.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	task := p.queue[0]
	p.queue = p.queue[1:]
	return task
}

func (p *Pool) runWorker(id int) {
	for task := range p.worker(id).ready {
		p.execute(task)

		p.workersMutex.Lock()
		p.worker(id).available = true
		p.workersMutex.Unlock()

		p.availSem.Release(1)
		p.markDone()
	}
}

func (p *Pool) worker(id int) *worker {
	p.workersMutex.Lock()
	defer p.workersMutex.Unlock()
	return p.workers[id]
}

// execute runs task, confining a panic to this worker so a single bad task
// can never terminate the pool or affect any other task.
func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "recovered", r)
		}
	}()
	task()
}

func (p *Pool) markDone() {
	p.doneMu.Lock()
	p.outstanding--
	if p.outstanding == 0 {
		p.doneCond.Broadcast()
	}
	p.doneMu.Unlock()
}
