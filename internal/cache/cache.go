// Package cache implements the disk-backed response cache: a map from
// request fingerprint to cached response, with per-fingerprint exclusion
// (at most one concurrent fetch-and-store per key) and an HTTP-header
// derived freshness policy.
package cache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"

	"github.com/gutierrez-so/fwdproxy/internal/fingerprint"
	"github.com/gutierrez-so/fwdproxy/internal/proxywire"
)

// lockEntry is one per-fingerprint exclusive lock. waiters counts
// goroutines that have looked the entry up and are holding or about to
// acquire mu; the recency LRU's eviction callback only drops an entry from
// the table when waiters is zero, so an in-flight lock is never split
// across two distinct mutex instances for the same key.
type lockEntry struct {
	mu      sync.Mutex
	waiters int
}

// Cache is the process-scoped, filesystem-backed response cache.
type Cache struct {
	fs  afero.Fs
	dir string
	log *slog.Logger

	tableMu sync.Mutex
	locks   map[string]*lockEntry
	recency *lru.Cache // tracks fingerprint access order for table eviction
}

// Option configures New.
type Option func(*Cache)

// WithFilesystem overrides the backing afero.Fs (defaults to the OS
// filesystem); tests use afero.NewMemMapFs().
func WithFilesystem(fs afero.Fs) Option { return func(c *Cache) { c.fs = fs } }

// WithLogger overrides the logger (defaults to slog.Default()).
func WithLogger(log *slog.Logger) Option { return func(c *Cache) { c.log = log } }

// New constructs a Cache rooted at dir. lockTableSize bounds how many
// distinct fingerprint locks are retained at once (the spec.md §9 "MAY add
// eviction (LRU of idle locks)" design note); 0 picks a sane default.
// cleanOnStart empties dir before use.
func New(dir string, lockTableSize int, cleanOnStart bool, opts ...Option) (*Cache, error) {
	if lockTableSize <= 0 {
		lockTableSize = 4096
	}
	c := &Cache{
		fs:    afero.NewOsFs(),
		dir:   dir,
		log:   slog.Default(),
		locks: make(map[string]*lockEntry),
	}
	for _, opt := range opts {
		opt(c)
	}

	recency, err := lru.NewWithEvict(lockTableSize, c.evictLock)
	if err != nil {
		return nil, err
	}
	c.recency = recency

	if cleanOnStart {
		_ = c.fs.RemoveAll(dir)
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: ensure directory: %w", err)
	}
	return c, nil
}

func (c *Cache) evictLock(key, _ interface{}) {
	fp := key.(string)
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	if e, ok := c.locks[fp]; ok && e.waiters == 0 {
		delete(c.locks, fp)
	}
}

func (c *Cache) acquireLock(fp string) *lockEntry {
	c.tableMu.Lock()
	e, ok := c.locks[fp]
	if !ok {
		e = &lockEntry{}
		c.locks[fp] = e
	}
	e.waiters++
	c.tableMu.Unlock()

	c.recency.Add(fp, struct{}{})

	e.mu.Lock()
	return e
}

func (c *Cache) releaseLock(e *lockEntry) {
	e.mu.Unlock()
	c.tableMu.Lock()
	e.waiters--
	c.tableMu.Unlock()
}

// Lease is held by a single caller across the CACHE_LOOKUP and (on miss)
// UPSTREAM_IO/MAYBE_STORE states, guaranteeing at most one concurrent
// fetch-and-store per fingerprint. This is the Go-native redesign spec.md
// §9 invites in place of a contains/store pair that leaves a lock held
// across a method boundary with no type enforcing it.
type Lease struct {
	cache    *Cache
	fp       string
	entry    *lockEntry
	req      *proxywire.Request
	hitResp  *proxywire.Response
	hit      bool
	released bool
}

// Acquire takes the per-fingerprint lock for req and checks for a valid
// on-disk entry. The lock is held until Hit reports a hit, or Fill/Drop is
// called on the miss path.
func (c *Cache) Acquire(ctx context.Context, req *proxywire.Request) *Lease {
	fp := fingerprint.Of(req)
	e := c.acquireLock(fp)
	resp, ok := c.readValid(fp)
	return &Lease{cache: c, fp: fp, entry: e, req: req, hitResp: resp, hit: ok}
}

// Hit returns the cached response and true if Acquire found a valid entry,
// releasing the per-key lock immediately since nothing more needs it. It
// returns nil, false on a miss and leaves the lock held for Fill or Drop.
func (l *Lease) Hit() (*proxywire.Response, bool) {
	if !l.hit {
		return nil, false
	}
	l.release()
	return l.hitResp, true
}

// Fill writes resp to disk if ShouldCache allows it, then releases the
// per-key lock. Safe to call at most once; a second call is a no-op.
func (l *Lease) Fill(resp *proxywire.Response) {
	if l.released {
		return
	}
	if ttl, ok := ShouldCache(l.req, resp); ok {
		if err := l.cache.write(l.fp, resp, ttl); err != nil {
			l.cache.log.Warn("cache store failed", "fingerprint", l.fp, "err", err)
		}
	}
	l.release()
}

// Drop releases the per-key lock without writing anything, for callers
// that decide on a miss not to populate the cache (e.g. the upstream fetch
// itself failed).
func (l *Lease) Drop() {
	if l.released {
		return
	}
	l.release()
}

func (l *Lease) release() {
	l.released = true
	l.cache.releaseLock(l.entry)
}

func (c *Cache) filename(fp string) string {
	return c.dir + "/" + fp + ".cache"
}

// readValid loads the entry for fp if it exists and is unexpired. I/O
// errors and parse errors are both treated as a miss, per spec.md §4.2's
// failure semantics.
func (c *Cache) readValid(fp string) (*proxywire.Response, bool) {
	f, err := c.fs.Open(c.filename(fp))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, false
	}
	header = strings.TrimRight(header, "\r\n")
	const prefix = "Expires: "
	if !strings.HasPrefix(header, prefix) {
		return nil, false
	}
	expUnix, err := strconv.ParseInt(strings.TrimPrefix(header, prefix), 10, 64)
	if err != nil {
		return nil, false
	}
	if time.Now().Unix() >= expUnix {
		return nil, false
	}

	resp, err := proxywire.IngestResponse(r)
	if err != nil {
		return nil, false
	}
	return resp, true
}

// write stamps resp's expiration from ttl and writes it to a temp file,
// then renames over the final name so a concurrent reader never observes a
// partially-written entry.
func (c *Cache) write(fp string, resp *proxywire.Response, ttl time.Duration) error {
	var buf bytes.Buffer
	exp := time.Now().Add(ttl).Unix()
	fmt.Fprintf(&buf, "Expires: %d\r\n", exp)
	if err := resp.Write(&buf); err != nil {
		return err
	}

	tmp := c.filename(fp) + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := afero.WriteFile(c.fs, tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return c.fs.Rename(tmp, c.filename(fp))
}

// ShouldCache is the pure eligibility predicate from spec.md §4.2: a
// response is cacheable iff it is a 200 OK to a cacheable method and
// specifies a positive Cache-Control max-age, with no no-store/private
// directive. It returns the TTL to use when eligible.
func ShouldCache(req *proxywire.Request, resp *proxywire.Response) (time.Duration, bool) {
	switch req.Method {
	case "GET", "HEAD":
	default:
		return 0, false
	}
	if resp.StatusCode != 200 {
		return 0, false
	}
	cc := strings.ToLower(resp.Header["cache-control"])
	if cc == "" {
		return 0, false
	}
	for _, directive := range strings.Split(cc, ",") {
		d := strings.TrimSpace(directive)
		if d == "no-store" || d == "private" {
			return 0, false
		}
	}
	const marker = "max-age="
	idx := strings.Index(cc, marker)
	if idx < 0 {
		return 0, false
	}
	rest := cc[idx+len(marker):]
	if end := strings.IndexByte(rest, ','); end >= 0 {
		rest = rest[:end]
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
