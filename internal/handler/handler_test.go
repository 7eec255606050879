package handler

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gutierrez-so/fwdproxy/internal/blacklist"
	"github.com/gutierrez-so/fwdproxy/internal/cache"
)

// fakeOrigin starts a TCP listener that accepts a single connection, reads
// the forwarded request's head, and replies with a fixed raw HTTP response.
func fakeOrigin(t *testing.T, raw string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(raw))
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func newTestHandler(t *testing.T, bl *blacklist.Blacklist) *Handler {
	t.Helper()
	if bl == nil {
		var err error
		bl, err = blacklist.Load(filepath.Join(t.TempDir(), "nope.txt"), nil)
		require.NoError(t, err)
	}
	c, err := cache.New("/cache", 16, false, cache.WithFilesystem(afero.NewMemMapFs()))
	require.NoError(t, err)
	return New(bl, c, nil, "127.0.0.1", nil)
}

func serviceOverPipe(h *Handler, request string) string {
	client, server := net.Pipe()
	go func() {
		h.ServiceRequest(server, "10.0.0.1")
	}()
	client.Write([]byte(request))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	out, _ := io.ReadAll(client)
	return string(out)
}

func TestServiceRequestRejectsLoop(t *testing.T) {
	h := newTestHandler(t, nil)
	req := "GET http://example.com/ HTTP/1.1\r\nX-Forwarded-For: 9.9.9.9, 127.0.0.1\r\n\r\n"

	out := serviceOverPipe(h, req)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400"), "got: %q", out)
}

func TestServiceRequestBlocksBlacklistedHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.txt")
	require.NoError(t, os.WriteFile(path, []byte("blocked.example.com\n"), 0o644))
	bl, err := blacklist.Load(path, nil)
	require.NoError(t, err)

	h := newTestHandler(t, bl)
	req := "GET http://blocked.example.com/ HTTP/1.1\r\n\r\n"

	out := serviceOverPipe(h, req)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 403"), "got: %q", out)
	assert.Contains(t, out, "Forbidden Content")
}

func TestServiceRequestProxiesToOrigin(t *testing.T) {
	addr, stop := fakeOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nCache-Control: max-age=60\r\n\r\nhello")
	defer stop()

	h := newTestHandler(t, nil)
	req := "GET http://" + addr + "/ HTTP/1.1\r\n\r\n"

	out := serviceOverPipe(h, req)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200"), "got: %q", out)
	assert.Contains(t, out, "hello")
}

func TestServiceRequestServesFromCacheOnRepeat(t *testing.T) {
	addr, stop := fakeOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nCache-Control: max-age=60\r\n\r\nhello")

	h := newTestHandler(t, nil)
	req := "GET http://" + addr + "/ HTTP/1.1\r\n\r\n"

	first := serviceOverPipe(h, req)
	require.Contains(t, first, "hello")
	stop() // the origin is gone; a cache hit must not need to reach it

	second := serviceOverPipe(h, req)
	assert.Contains(t, second, "hello")
}

func TestServiceRequestMalformedLineIs400(t *testing.T) {
	h := newTestHandler(t, nil)
	out := serviceOverPipe(h, "not a request\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400"), "got: %q", out)
}
