package fingerprint

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gutierrez-so/fwdproxy/internal/proxywire"
)

func ingest(t *testing.T, raw string) *proxywire.Request {
	t.Helper()
	req, err := proxywire.IngestRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return req
}

func TestOfIsDeterministic(t *testing.T) {
	raw := "GET http://example.com/a?b=1 HTTP/1.1\r\n\r\n"
	a := ingest(t, raw)
	b := ingest(t, raw)
	assert.Equal(t, Of(a), Of(b))
}

func TestOfDiffersByMethod(t *testing.T) {
	get := ingest(t, "GET http://example.com/a HTTP/1.1\r\n\r\n")
	head := ingest(t, "HEAD http://example.com/a HTTP/1.1\r\n\r\n")
	assert.NotEqual(t, Of(get), Of(head))
}

func TestOfDiffersByURL(t *testing.T) {
	a := ingest(t, "GET http://example.com/a HTTP/1.1\r\n\r\n")
	b := ingest(t, "GET http://example.com/b HTTP/1.1\r\n\r\n")
	assert.NotEqual(t, Of(a), Of(b))
}

func TestOfDiffersByBody(t *testing.T) {
	a := ingest(t, "POST http://example.com/a HTTP/1.1\r\nContent-Length: 3\r\n\r\nfoo")
	b := ingest(t, "POST http://example.com/a HTTP/1.1\r\nContent-Length: 3\r\n\r\nbar")
	assert.NotEqual(t, Of(a), Of(b))
}
