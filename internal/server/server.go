// Package server owns the TCP accept loop: the collaborator spec.md §1
// names only by interface ("the listener that produces a stream of
// accepted connections"). Grounded almost verbatim on
// _examples/Guti2010-Proyecto-SO/internal/server/server.go's accept loop,
// minus the HTTP/1.0 local-route dispatch this repo replaces with the
// proxy scheduler.
package server

import (
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/gutierrez-so/fwdproxy/internal/scheduler"
)

var connCount uint64

// ConnCount reports how many connections have been accepted so far.
func ConnCount() uint64 { return atomic.LoadUint64(&connCount) }

// ListenAndServe accepts connections on addr forever, handing each one to
// sched. It returns only when listening fails or Accept returns an error.
func ListenAndServe(addr string, sched *scheduler.Scheduler, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Info("listening", "addr", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		atomic.AddUint64(&connCount, 1)

		clientIP := conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		sched.ScheduleRequest(conn, clientIP)
	}
}
