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

// Package mooncake implements the in-memory/on-disk working set for one
// table: row batches, flushed Parquet slices, the file-index set, and
// snapshot production. Its only I/O is reading and writing local Parquet
// files under the table's directory; it holds no accessor or read cache.
// The table handler (pkg/handler) drives it.
package mooncake

import (
	"sync/atomic"

	"github.com/mooncake-labs/moonlink/pkg/deletion"
	"github.com/mooncake-labs/moonlink/pkg/fileindex"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// FileId is a process-unique 64-bit identifier for a data file, assigned
// by a monotonic counter at creation time (flush or compaction output).
type FileId uint64

// nextFileId is the process-wide FileId allocator, shared by every table,
// so one table's IDs are unique but not dense; they never collide
// within a process, matching the spec's "process-unique"
// requirement (§3 "Data file").
var nextFileId uint64

// NewFileId allocates a fresh, process-unique FileId.
func NewFileId() FileId {
	return FileId(atomic.AddUint64(&nextFileId, 1))
}

// SeedNextFileId advances the allocator so the next NewFileId call
// returns at least n, called once per recovered table at startup with
// the next_file_id the iceberg manager's LoadSnapshotFromTable reports
// (spec §4.7), so a freshly flushed file never collides with one
// already recorded in the recovered snapshot. A seed below the current
// value is a no-op.
func SeedNextFileId(n FileId) {
	for {
		cur := atomic.LoadUint64(&nextFileId)
		if uint64(n) <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&nextFileId, cur, uint64(n)) {
			return
		}
	}
}

// DataFileRef identifies an immutable Parquet data file by FileId and the
// path it currently resides at (local absolute path before iceberg
// persistence, remote URI after).
type DataFileRef struct {
	FileId FileId
	Path   string
	// NumRows is the row count at the time the file was written; a
	// compaction's deletion vector capacity is sized against it.
	NumRows int
	// SegID is the process-wide segment identifier fileindex.Entry.SegIdx
	// stores: a dense, 16-bit-packed id distinct from FileId (spec §4.4
	// bit-packs seg_id_bits=16, far narrower than a process-unique
	// FileId), assigned once per physical file and never reused so every
	// FileIndex built over this table's history shares one segment
	// namespace and can be merged safely.
	SegID uint32
}

// nextSegID is the process-wide segment id allocator backing SegID,
// shared by every table.
var nextSegID uint32

// NewSegID allocates a fresh segment id for a newly written data file.
func NewSegID() uint32 {
	return atomic.AddUint32(&nextSegID, 1)
}

// DiskFileEntry is the per-data-file state tracked by a mooncake
// snapshot: the file itself, its deletion vector, and (once persisted) a
// reference to its puffin deletion blob.
type DiskFileEntry struct {
	File            DataFileRef
	DeletionVector  *deletion.BatchDeletionVector
	PuffinBlobRef   string // remote path of the uploaded puffin blob, empty until persisted
	CacheHandleFile string // local cache path, set once the read cache has pinned this file
	FileSize        int64
}

// Indices is the file-index set attached to a snapshot: the indices built
// over flushed data files. Rows still in the in-memory batch are not
// indexed here.
type Indices struct {
	FileIndices []*fileindex.FileIndex
}

// Snapshot is the immutable, versioned view of a table's on-disk state
// published to readers (spec §3 "Snapshot (mooncake)").
type Snapshot struct {
	SnapshotVersion  uint64
	DataFileFlushLSN *uint64
	WALPersistedFile *uint64
	DiskFiles        map[FileId]*DiskFileEntry
	Indices          Indices
	Schema           row.Schema
	Identity         row.Identity
}

// clone returns a shallow copy of s suitable as the basis for the next
// published snapshot: the DiskFiles map and FileIndices slice are copied
// so mutations building the next version never alias a snapshot readers
// may still hold.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		SnapshotVersion:  s.SnapshotVersion,
		DataFileFlushLSN: s.DataFileFlushLSN,
		WALPersistedFile: s.WALPersistedFile,
		DiskFiles:        make(map[FileId]*DiskFileEntry, len(s.DiskFiles)),
		Schema:           s.Schema,
		Identity:         s.Identity,
	}
	for id, e := range s.DiskFiles {
		next.DiskFiles[id] = e
	}
	next.Indices.FileIndices = append([]*fileindex.FileIndex(nil), s.Indices.FileIndices...)
	return next
}

// ImportPayload lists newly flushed local data files and their freshly
// built file indices, not yet known to the iceberg persisted state.
type ImportPayload struct {
	DataFiles   []DataFileRef
	FileIndices []*fileindex.FileIndex
}

// NewDeletionVector pairs a data file with the BatchDeletionVector
// capturing deletes recorded against it since the last iceberg commit.
type NewDeletionVector struct {
	FileId FileId
	Vector *deletion.BatchDeletionVector
}

// IcebergSnapshotPayload is the unit of work handed to the iceberg
// persistence manager by create_snapshot (spec §4.7 sync_snapshot input).
// DataCompaction and IndexMerge are populated by the caller (the table
// handler), not by CreateSnapshot itself: a maintenance job is a
// detached task that completes independently of snapshot creation, so
// its old_*/new_* reconciliation only has a result to attach once that
// task has actually finished (spec §4.7 step 4 "apply index_merge_payload
// and data_compaction_payload: remove entries for old_*, insert new_*").
type IcebergSnapshotPayload struct {
	Import             ImportPayload
	NewDeletionVectors []NewDeletionVector
	DataCompaction     *DataCompactionResult
	IndexMerge         *FileIndicesMergeResult
	FlushLSN           uint64
	WALPersistedFile   *uint64
}

// DataCompactionPayload names the candidate files selected for rewrite
// (spec §4.6 "Compaction").
type DataCompactionPayload struct {
	CandidateFiles  []DataFileRef
	CandidateIndices []*fileindex.FileIndex
}

// DataCompactionResult is produced by running a DataCompactionPayload:
// one rewritten data file and index replacing the candidates.
type DataCompactionResult struct {
	NewDataFile   DataFileRef
	NewFileIndex  *fileindex.FileIndex
	OldDataFiles  []DataFileRef
	OldFileIndices []*fileindex.FileIndex
	// ReappliedDeletions are deletes that arrived against a candidate
	// file while compaction was running; they are re-applied to the
	// output file's deletion vector rather than lost.
	ReappliedDeletions []uint64
}

// FileIndicesMergePayload names the file indices selected for a merge
// (spec §4.6 "Index merge").
type FileIndicesMergePayload struct {
	CandidateIndices []*fileindex.FileIndex
}

// FileIndicesMergeResult is produced by running a FileIndicesMergePayload.
type FileIndicesMergeResult struct {
	NewIndex     *fileindex.FileIndex
	OldIndices   []*fileindex.FileIndex
}

// SnapshotResult is returned by Table.CreateSnapshot: the new mooncake
// snapshot plus optional downstream work payloads. CreateSnapshot does
// not fill EvictedCacheFileIds; it is always empty in the results it
// returns.
type SnapshotResult struct {
	Snapshot             *Snapshot
	Iceberg              *IcebergSnapshotPayload
	DataCompaction       *DataCompactionPayload
	FileIndicesMerge     *FileIndicesMergePayload
	EvictedCacheFileIds  []FileId
}
