// Package accesslog journals serviced-request outcomes. It is adapted from
// the teacher repo's internal/jobs package: same bounded, TTL-expiring
// in-memory map plus background GC loop, repurposed from tracking async
// CPU/IO job lifecycles to tracking proxy request outcomes (method, URL,
// status, cache hit/miss, latency) — the access-log line spec.md's
// distillation dropped from request-handler.cc's
// `cout << request.getMethod() << " " << request.getURL()`.
package accesslog

import (
	"encoding/json"
	"sync"
	"time"

	bolt "github.com/etcd-io/bbolt"

	"github.com/gutierrez-so/fwdproxy/internal/util"
)

// Entry is one serviced request's outcome.
type Entry struct {
	ID        string        `json:"id"`
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	ClientIP  string        `json:"client_ip"`
	Status    int           `json:"status"`
	CacheHit  bool          `json:"cache_hit"`
	Latency   time.Duration `json:"latency_ns"`
	Recorded  time.Time     `json:"recorded_at"`
}

// Log is an in-memory, TTL-bounded journal of recent Entries; each entry is
// also written through to a durable on-disk store as it is recorded.
type Log struct {
	mu      sync.RWMutex
	entries map[string]Entry

	ttl   time.Duration
	stopC chan struct{}

	db *bolt.DB
}

const bucketName = "entries"

// Open creates a Log backed by a bbolt database at dbPath. ttl bounds how
// long a completed entry is retained in the in-memory index before GC.
func Open(dbPath string, ttl time.Duration) (*Log, error) {
	db, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		entries: make(map[string]Entry),
		ttl:     ttl,
		stopC:   make(chan struct{}),
		db:      db,
	}
	go l.gcLoop()
	return l, nil
}

// Close stops the GC loop and the underlying database.
func (l *Log) Close() error {
	close(l.stopC)
	return l.db.Close()
}

func (l *Log) gcLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.cleanup()
		case <-l.stopC:
			return
		}
	}
}

func (l *Log) cleanup() {
	cut := time.Now().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if e.Recorded.Before(cut) {
			delete(l.entries, id)
		}
	}
}

// Record stores e in the in-memory index and persists it to bbolt for
// durability, returning once the bbolt write has finished. A persistence
// failure is returned to the caller; the entry stays in the in-memory index
// either way.
func (l *Log) Record(e Entry) error {
	e.ID = util.NewID()
	e.Recorded = time.Now()

	l.mu.Lock()
	l.entries[e.ID] = e
	l.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(e.ID), b)
	})
}

// Recent returns a snapshot of entries still within the in-memory window.
func (l *Log) Recent() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}
