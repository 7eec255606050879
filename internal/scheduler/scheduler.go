// Package scheduler adapts accepted connections into pool tasks. It is a
// thin wrapper grounded almost verbatim on original_source/scheduler.cc's
// HTTPProxyScheduler::scheduleRequest.
package scheduler

import (
	"net"

	"github.com/gutierrez-so/fwdproxy/internal/handler"
	"github.com/gutierrez-so/fwdproxy/internal/pool"
)

// Scheduler submits one handler invocation per accepted connection into a
// shared worker pool. It holds a single Handler instance (and therefore one
// cache and one blacklist) shared across every scheduled task.
type Scheduler struct {
	workers *pool.Pool
	handler *handler.Handler
}

// New constructs a Scheduler over the given pool and handler.
func New(workers *pool.Pool, h *handler.Handler) *Scheduler {
	return &Scheduler{workers: workers, handler: h}
}

// ScheduleRequest packages (conn, clientIP) and submits a closure invoking
// the handler on it into the worker pool.
func (s *Scheduler) ScheduleRequest(conn net.Conn, clientIP string) {
	s.workers.Schedule(func() {
		s.handler.ServiceRequest(conn, clientIP)
	})
}
