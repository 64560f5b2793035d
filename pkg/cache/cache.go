// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cache provides a byte-budgeted, reference-counted local cache
// that maps remote data files to local paths, evicting least-recently-used
// entries under pressure. A caller arranges for a cache directory with
// New(dir, maxBytes) and then calls GetOrPin/Unpin around any read of a
// remote file.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

// Logger is satisfied by *log.Logger; a nil Logger silently discards
// output, matching the logging hook convention used across this module.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Key identifies a cache entry: a file belonging to a specific table.
type Key struct {
	TableID string
	FileID  uint64
}

func (k Key) String() string { return fmt.Sprintf("%s/%016x", k.TableID, k.FileID) }

// Fetcher copies the remote object named by remotePath into localPath.
// Implementations typically wrap pkg/accessor.Accessor.CopyToLocal.
type Fetcher func(ctx context.Context, remotePath, localPath string) (size int64, err error)

type entry struct {
	key      Key
	path     string
	size     int64
	refcount int
	elem     *list.Element // position in evictable list; nil while pinned
}

// Cache is a directory-backed, reference-counted, LRU-evicting cache of
// remote files. All bookkeeping is protected by a single mutex; the
// physical copy and delete run outside the critical section so the lock
// is never held across I/O, matching the teacher's own discipline of
// releasing dcache's lock before any blocking read.
type Cache struct {
	Logger Logger

	dir      string
	maxBytes int64

	mu        sync.Mutex
	usedBytes int64
	entries   map[Key]*entry
	evictable *list.List // LRU list of *entry, front = most recently used

	// inflight tracks keys currently being filled so concurrent pins on
	// the same key wait rather than racing to copy the same file twice,
	// mirroring the exclusive-fill discipline of the teacher's dcache
	// lockID/unlockID pair.
	inflight map[Key]chan struct{}

	hits, misses, failures int64
}

// New constructs a Cache rooted at dir with the given byte budget. The
// directory is created if it does not already exist.
func New(dir string, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating directory: %w", err)
	}
	return &Cache{
		dir:       dir,
		maxBytes:  maxBytes,
		entries:   make(map[Key]*entry),
		evictable: list.New(),
		inflight:  make(map[Key]chan struct{}),
	}, nil
}

func (c *Cache) logf(f string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(f, args...)
	}
}

// Handle is a pinned reference to a cached local file. Callers must call
// Unpin exactly once when done reading through Path.
type Handle struct {
	key  Key
	Path string
}

// Hits, Misses, and Failures report cumulative counters, mirroring the
// teacher's dcache statistics surface.
func (c *Cache) Hits() int64     { return atomic.LoadInt64(&c.hits) }
func (c *Cache) Misses() int64   { return atomic.LoadInt64(&c.misses) }
func (c *Cache) Failures() int64 { return atomic.LoadInt64(&c.failures) }

// UsedBytes returns the current total size of cached entries.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

func (c *Cache) localPath(key Key) string {
	// one-level directory sharding by table id, matching the teacher's
	// habit of avoiding enormous flat directories in the cache root.
	return filepath.Join(c.dir, key.TableID, fmt.Sprintf("%016x", key.FileID))
}

// GetOrPin returns a Handle to the local copy of the remote file
// identified by key, fetching it via fetch if not already cached.
// The returned handle's refcount keeps the file from being evicted until
// Unpin is called. If the cache cannot make room for the file even after
// evicting every evictable entry, it returns merrors.ErrCacheFull.
func (c *Cache) GetOrPin(ctx context.Context, key Key, remotePath string, fetch Fetcher) (*Handle, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.pin(e)
			atomic.AddInt64(&c.hits, 1)
			c.mu.Unlock()
			return &Handle{key: key, Path: e.path}, nil
		}
		if wait, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		c.inflight[key] = done
		c.mu.Unlock()

		h, err := c.fill(ctx, key, remotePath, fetch)

		c.mu.Lock()
		delete(c.inflight, key)
		close(done)
		c.mu.Unlock()

		if err != nil {
			atomic.AddInt64(&c.failures, 1)
			return nil, err
		}
		atomic.AddInt64(&c.misses, 1)
		return h, nil
	}
}

func (c *Cache) fill(ctx context.Context, key Key, remotePath string, fetch Fetcher) (*Handle, error) {
	path := c.localPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating entry directory: %w", err)
	}
	size, err := fetch(ctx, remotePath, path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("cache: fetching %s: %w", remotePath, err)
	}

	c.mu.Lock()
	evicted, err := c.reserve(size)
	if err == nil {
		c.entries[key] = &entry{key: key, path: path, size: size, refcount: 1}
		c.usedBytes += size
	}
	c.mu.Unlock()

	for _, p := range evicted {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			c.logf("cache: evicting %s: %v", p, rerr)
		}
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Handle{key: key, Path: path}, nil
}

// reserve evicts LRU entries until there is room for size additional
// bytes, or returns merrors.ErrCacheFull if no more can be freed. It
// returns the local paths of the evicted entries, which the caller
// deletes once c.mu is released. Caller must hold c.mu.
func (c *Cache) reserve(size int64) ([]string, error) {
	var evicted []string
	for c.usedBytes+size > c.maxBytes {
		back := c.evictable.Back()
		if back == nil {
			return evicted, merrors.ErrCacheFull
		}
		e := back.Value.(*entry)
		c.evictable.Remove(back)
		delete(c.entries, e.key)
		c.usedBytes -= e.size
		evicted = append(evicted, e.path)
	}
	return evicted, nil
}

// pin increments an entry's refcount, removing it from the evictable
// list if this is the first outstanding reference. Caller must hold c.mu.
func (c *Cache) pin(e *entry) {
	e.refcount++
	if e.elem != nil {
		c.evictable.Remove(e.elem)
		e.elem = nil
	}
}

// Unpin releases a Handle obtained from GetOrPin. Once an entry's
// refcount drops to zero it becomes eligible for eviction, least-recently
// unpinned first.
func (c *Cache) Unpin(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h.key]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount < 0 {
		panic("cache: Unpin called more times than GetOrPin for " + h.key.String())
	}
	if e.refcount == 0 {
		e.elem = c.evictable.PushFront(e)
	}
}

// Evict removes a specific key from the cache immediately, regardless of
// LRU order, provided it is not currently pinned. It is used by the
// table handler to delete files a snapshot has determined are no longer
// referenced by anything.
func (c *Cache) Evict(key Key) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if e.refcount > 0 {
		c.mu.Unlock()
		return fmt.Errorf("cache: cannot evict pinned entry %s", key)
	}
	if e.elem != nil {
		c.evictable.Remove(e.elem)
	}
	delete(c.entries, key)
	c.usedBytes -= e.size
	path := e.path
	c.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: removing %s: %w", path, err)
	}
	return nil
}
