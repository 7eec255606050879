// Package handler implements the per-connection request-servicing state
// machine: RECEIVING -> POLICY -> CACHE_LOOKUP -> {RESPOND_CACHED |
// UPSTREAM_CONNECT -> UPSTREAM_IO -> MAYBE_STORE -> RESPOND_PROXIED} -> DONE,
// with RESPOND_ERROR branches at each step.
package handler

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gutierrez-so/fwdproxy/internal/accesslog"
	"github.com/gutierrez-so/fwdproxy/internal/blacklist"
	"github.com/gutierrez-so/fwdproxy/internal/cache"
	"github.com/gutierrez-so/fwdproxy/internal/proxywire"
)

// Handler services a single proxy connection to completion.
type Handler struct {
	blacklist *blacklist.Blacklist
	cache     *cache.Cache
	access    *accesslog.Log
	log       *slog.Logger
	proxyIP   string
	dialer    net.Dialer
}

// New constructs a Handler sharing one blacklist and one cache across every
// connection it services.
func New(bl *blacklist.Blacklist, c *cache.Cache, access *accesslog.Log, proxyIP string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{blacklist: bl, cache: c, access: access, log: log, proxyIP: proxyIP}
}

// ServiceRequest runs the pipeline to completion and closes conn. It never
// panics: any parse, policy, or upstream failure is translated into an
// error response (or, for connect failures, a silent close per the legacy
// behavior spec.md §9 preserves).
func (h *Handler) ServiceRequest(conn net.Conn, clientIP string) {
	defer conn.Close()
	start := time.Now()

	reader := bufio.NewReader(conn)
	req, err := proxywire.IngestRequest(reader)
	if err != nil {
		h.respondError(conn, 400, err.Error())
		h.log.Warn("malformed request", "client", clientIP, "err", err)
		return
	}

	h.log.Info("request", "method", req.Method, "url", req.URL.String(), "client", clientIP)

	forwardedFor, err := req.AppendForwardedFor(clientIP, h.proxyIP)
	if err != nil {
		h.respondError(conn, 400, err.Error())
		h.recordAccess(req, clientIP, 400, false, start)
		return
	}

	if !h.blacklist.ServerIsAllowed(req.Server) {
		resp := proxywire.NewSimple(403, "Forbidden Content")
		resp.Write(conn)
		h.recordAccess(req, clientIP, 403, false, start)
		return
	}

	lease := h.cache.Acquire(context.Background(), req)
	if cached, ok := lease.Hit(); ok {
		cached.Write(conn)
		h.recordAccess(req, clientIP, cached.StatusCode, true, start)
		return
	}

	upstream, err := h.dialUpstream(req)
	if err != nil {
		lease.Drop()
		h.log.Warn("cannot connect to origin", "host", req.Server, "port", req.Port, "client", clientIP, "err", err)
		// Legacy behavior (spec.md §9 open question): silently close the
		// client connection on a connect failure rather than emit 510.
		h.recordAccess(req, clientIP, 0, false, start)
		return
	}
	defer upstream.Close()

	if err := req.WriteUpstream(upstream, forwardedFor); err != nil {
		lease.Drop()
		h.respondError(conn, 510, err.Error())
		h.recordAccess(req, clientIP, 510, false, start)
		return
	}

	resp, err := proxywire.IngestResponse(bufio.NewReader(upstream))
	if err != nil {
		lease.Drop()
		h.respondError(conn, 510, err.Error())
		h.recordAccess(req, clientIP, 510, false, start)
		return
	}

	lease.Fill(resp)
	resp.Write(conn)
	h.recordAccess(req, clientIP, resp.StatusCode, false, start)
}

func (h *Handler) respondError(conn net.Conn, status int, detail string) {
	proxywire.NewSimple(status, detail).Write(conn)
}

func (h *Handler) recordAccess(req *proxywire.Request, clientIP string, status int, cacheHit bool, start time.Time) {
	if h.access == nil {
		return
	}
	h.access.Record(accesslog.Entry{
		Method:   req.Method,
		URL:      req.URL.String(),
		ClientIP: clientIP,
		Status:   status,
		CacheHit: cacheHit,
		Latency:  time.Since(start),
	})
}

var errNoAddr = errors.New("handler: could not resolve any address for host")

// dialUpstream resolves req.Server and opens a TCP connection to
// (resolved address, req.Port), retrying transient resolution/dial
// failures a bounded, small number of times before giving up.
func (h *Handler) dialUpstream(req *proxywire.Request) (net.Conn, error) {
	addr := net.JoinHostPort(req.Server, strconv.Itoa(req.Port))

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	var conn net.Conn
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := h.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errNoAddr
	}
	return conn, nil
}
