// Package blacklist exposes the single predicate the request handler
// consults during the POLICY state: is a given origin host allowed to be
// proxied to. The list is loaded from a line-delimited file and
// hot-reloaded when that file changes.
package blacklist

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Blacklist is a read-mostly set of blocked hostnames. ServerIsAllowed is
// lock-free: it reads an atomic pointer to an immutable set, swapped whole
// on each reload.
type Blacklist struct {
	path    string
	log     *slog.Logger
	hosts   atomic.Pointer[map[string]struct{}]
	watcher *fsnotify.Watcher
}

// Load reads path once and starts watching it for changes. A missing file
// is treated as an empty blacklist (nothing blocked), matching the
// teacher/original default of a best-effort `blocked-domains.txt`.
func Load(path string, log *slog.Logger) (*Blacklist, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Blacklist{path: path, log: log}
	if err := b.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Hot reload is an ambient nicety; its absence shouldn't stop the
		// proxy from starting with the blacklist it already loaded.
		log.Warn("blacklist watcher unavailable, hot reload disabled", "err", err)
		return b, nil
	}
	if err := w.Add(path); err != nil {
		log.Warn("blacklist watch failed, hot reload disabled", "path", path, "err", err)
		w.Close()
		return b, nil
	}
	b.watcher = w
	go b.watchLoop()
	return b, nil
}

func (b *Blacklist) reload() error {
	set := map[string]struct{}{}
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.hosts.Store(&set)
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[strings.ToLower(line)] = struct{}{}
	}
	b.hosts.Store(&set)
	return sc.Err()
}

func (b *Blacklist) watchLoop() {
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := b.reload(); err != nil {
					b.log.Warn("blacklist reload failed", "err", err)
				}
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("blacklist watcher error", "err", err)
		}
	}
}

// Close stops the file watcher, if one is running.
func (b *Blacklist) Close() {
	if b.watcher != nil {
		b.watcher.Close()
	}
}

// ServerIsAllowed reports whether host may be proxied to.
func (b *Blacklist) ServerIsAllowed(host string) bool {
	set := b.hosts.Load()
	if set == nil {
		return true
	}
	_, blocked := (*set)[strings.ToLower(host)]
	return !blocked
}
