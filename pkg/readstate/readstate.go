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

// Package readstate publishes an immutable reader view of a table at a
// monotonic mooncake snapshot version (spec §4.8): a list of data files
// (substituted with local cache paths where possible), the positional
// deletes each carries, and any puffin blob references for deletes not
// yet materialized into a positional list. It is the union_read
// counterpart of pkg/handler: readers call TryRead, never the handler's
// event channel directly, mirroring the teacher's db package keeping
// query-facing reads off the sync/build write path.
package readstate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/cache"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
)

// PositionalDelete names one deleted row by its position within the
// ordinal list of data files a ReadState carries.
type PositionalDelete struct {
	FileIdx uint32 `json:"file_idx"`
	RowIdx  uint32 `json:"row_idx"`
}

// ReadState is the immutable, versioned tuple handed to readers (spec
// §4.8): the ordered data-file paths (local where cached, remote
// otherwise), every positional delete materialized from a deletion
// vector, and any puffin blob references for files whose deletes have
// not yet been read into memory. Pins keeps the cache handles alive for
// as long as the ReadState is held; Release must be called exactly once
// per TryRead result.
type ReadState struct {
	Version              uint64
	DataFiles            []string
	PositionalDeletions  []PositionalDelete
	PuffinDeletionBlobs  []string

	pins []*cache.Handle
	unpin func(*cache.Handle)

	mu       sync.Mutex
	released bool
}

// Release returns every cache pin this ReadState holds. It is safe to
// call more than once; only the first call has effect.
func (rs *ReadState) Release() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.released {
		return
	}
	rs.released = true
	for _, h := range rs.pins {
		rs.unpin(h)
	}
}

// TableState is the read-only slice of table state a Manager needs: the
// currently published snapshot and a way to pin its data files into the
// local cache. pkg/handler's Handler satisfies this by exposing its
// snapshot-state lock (spec §5 "Each table's snapshot-state is behind a
// read-write lock").
type TableState interface {
	// LatestSnapshot returns the most recently published snapshot, or nil
	// if none has been published yet.
	LatestSnapshot() *mooncake.Snapshot
}

// Manager implements try_read (spec §4.8): it acquires the table's
// latest published snapshot, pins each referenced data file into the
// read cache, materializes positional deletes, and memoizes the result
// by snapshot version so repeated reads of an unchanged snapshot clone a
// cached ReadState rather than re-pinning.
type Manager struct {
	TableID string
	State   TableState
	Cache   *cache.Cache

	// RemotePath resolves a data file's on-disk Path (as recorded in a
	// DiskFileEntry) to the remote location the cache should fetch if it
	// is not a local path already. A nil RemotePath means every
	// DiskFileEntry.File.Path is already cache-fetchable directly (the
	// common case before iceberg persistence has run).
	RemotePath func(fileID mooncake.FileId) (remotePath string, isRemote bool)

	// Fetch, if set, is the accessor a cache miss copies a RemotePath hit
	// through (spec §4.8 step 3 "pin the read cache... substitute the
	// local path"). A nil Fetch means cache misses fall back to serving
	// the recorded path directly rather than fetching it, the only
	// option before a table has any remote (iceberg-persisted) files.
	Fetch accessor.Accessor

	mu        sync.Mutex
	lastVersion uint64
	last        *ReadState
}

// New constructs a read-state manager for one table.
func New(tableID string, state TableState, c *cache.Cache) *Manager {
	return &Manager{TableID: tableID, State: state, Cache: c}
}

// TryRead implements spec §4.8's try_read contract. If requestedLSN is
// non-nil and the latest published snapshot's commit LSN is below it,
// TryRead returns (nil, false): the caller should wait or retry. A
// returned *ReadState's Release must be called exactly once when the
// caller is done with it.
func (m *Manager) TryRead(ctx context.Context, requestedLSN *uint64) (*ReadState, bool, error) {
	snap := m.State.LatestSnapshot()
	if snap == nil {
		return nil, false, nil
	}
	if requestedLSN != nil {
		var commitLSN uint64
		if snap.DataFileFlushLSN != nil {
			commitLSN = *snap.DataFileFlushLSN
		}
		if commitLSN < *requestedLSN {
			return nil, false, nil
		}
	}

	m.mu.Lock()
	if m.last != nil && m.lastVersion == snap.SnapshotVersion {
		cloned := m.clone(m.last)
		m.mu.Unlock()
		return cloned, true, nil
	}
	m.mu.Unlock()

	rs, err := m.build(ctx, snap)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	prev := m.last
	m.lastVersion = snap.SnapshotVersion
	m.last = rs
	cloned := m.clone(rs)
	m.mu.Unlock()

	// A newer snapshot supersedes the previously memoized one; its cache
	// pins are no longer needed once no clone outstanding still expects
	// it (the spec doesn't give readers a handle to the old version once
	// try_read has moved on, so releasing here matches "older snapshots
	// are dropped when... a newer snapshot supersedes them", spec §3).
	if prev != nil {
		prev.Release()
	}

	return cloned, true, nil
}

// clone returns a ReadState sharing rs's field values but independently
// releasable, matching the Rust implementation's Arc<ReadState> clone
// for a memoized hit: every caller gets its own Release, but the
// underlying cache pins are only actually dropped when the memoized
// entry itself is superseded (see TryRead).
func (m *Manager) clone(rs *ReadState) *ReadState {
	return &ReadState{
		Version:             rs.Version,
		DataFiles:           append([]string(nil), rs.DataFiles...),
		PositionalDeletions: append([]PositionalDelete(nil), rs.PositionalDeletions...),
		PuffinDeletionBlobs: append([]string(nil), rs.PuffinDeletionBlobs...),
		unpin:               func(*cache.Handle) {}, // no-op: the memoized original owns the pins
	}
}

func (m *Manager) build(ctx context.Context, snap *mooncake.Snapshot) (*ReadState, error) {
	ids := make([]mooncake.FileId, 0, len(snap.DiskFiles))
	for id := range snap.DiskFiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rs := &ReadState{Version: snap.SnapshotVersion, unpin: func(h *cache.Handle) { m.Cache.Unpin(h) }}

	for fileIdx, id := range ids {
		entry := snap.DiskFiles[id]
		path := entry.File.Path

		if m.Cache != nil {
			remote := path
			if m.RemotePath != nil {
				if rp, ok := m.RemotePath(id); ok {
					remote = rp
				}
			}
			key := cache.Key{TableID: m.TableID, FileID: uint64(id)}
			fetch := cache.Fetcher(func(ctx context.Context, remotePath, localPath string) (int64, error) {
				return 0, fmt.Errorf("readstate: file %d not present in cache and no fetcher configured", id)
			})
			if m.Fetch != nil {
				fetch = m.Fetch.CopyToLocal
			}
			h, err := m.Cache.GetOrPin(ctx, key, remote, fetch)
			if err == nil {
				rs.pins = append(rs.pins, h)
				path = h.Path
			}
			// a cache miss with no fetcher is non-fatal here: the reader
			// falls back to the (possibly remote) path as recorded.
		}
		rs.DataFiles = append(rs.DataFiles, path)

		if entry.DeletionVector != nil {
			for _, r := range entry.DeletionVector.CollectDeletedRows() {
				rs.PositionalDeletions = append(rs.PositionalDeletions, PositionalDelete{FileIdx: uint32(fileIdx), RowIdx: uint32(r)})
			}
		} else if entry.PuffinBlobRef != "" {
			rs.PuffinDeletionBlobs = append(rs.PuffinDeletionBlobs, entry.PuffinBlobRef)
		}
	}

	return rs, nil
}
