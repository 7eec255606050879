package pool

import "sync"

// countingSemaphore is an unbounded counting semaphore built on a mutex and
// a condition variable. golang.org/x/sync/semaphore.Weighted needs a fixed
// capacity declared up front and can't model an ever-growing FIFO length,
// so queueSem uses this instead (see DESIGN.md for the full justification).
type countingSemaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int
}

func newCountingSemaphore(initial int) *countingSemaphore {
	s := &countingSemaphore{value: initial}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *countingSemaphore) signal() {
	s.mu.Lock()
	s.value++
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *countingSemaphore) wait() {
	s.mu.Lock()
	for s.value == 0 {
		s.cond.Wait()
	}
	s.value--
	s.mu.Unlock()
}
