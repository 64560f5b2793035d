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

package mooncake

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mooncake-labs/moonlink/pkg/deletion"
	"github.com/mooncake-labs/moonlink/pkg/fileindex"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// pendingDelete records a delete resolved against an already-flushed
// on-disk file, buffered until the next commit makes it visible.
type pendingDelete struct {
	fileID  FileId
	rowIdx  int
}

// bufferedRow is one row in the current in-memory batch along with the
// LSN visibility state the event loop assigns it: a row is a candidate
// for inclusion in a snapshot only once committed is true.
type bufferedRow struct {
	value     row.Row
	committed bool
	lsn       uint64
	deleted   bool
}

// Table is the single-writer, in-memory/on-disk working set for one
// logical table (spec §4.6). Every method takes the table's mutex, so
// calls are serialized; the table handler event loop is the only writer.
type Table struct {
	Schema   row.Schema
	Identity row.Identity

	// Dir is the local directory flush writes Parquet data files into.
	Dir string

	MemSliceSize           int64
	DiskSliceParquetFileSize int64

	mu sync.Mutex

	batch       []bufferedRow
	batchBytes  int64
	lastLSN     uint64

	flushedFiles []DataFileRef
	vectors      map[FileId]*deletion.BatchDeletionVector
	indices      []*fileindex.FileIndex
	pendingDeletes []pendingDelete

	flushLSN *uint64

	snapshotVersion uint64
	lastPublished   *Snapshot

	newSinceSnapshot bool
}

// New constructs an empty Table rooted at dir, which must already exist.
func New(dir string, schema row.Schema, identity row.Identity, memSliceSize, diskSliceSize int64) *Table {
	return &Table{
		Schema:                   schema,
		Identity:                 identity,
		Dir:                      dir,
		MemSliceSize:             memSliceSize,
		DiskSliceParquetFileSize: diskSliceSize,
		vectors:                  make(map[FileId]*deletion.BatchDeletionVector),
		lastPublished: &Snapshot{
			DiskFiles: make(map[FileId]*DiskFileEntry),
			Schema:    schema,
			Identity:  identity,
		},
	}
}

func rowByteSize(r row.Row) int64 {
	var n int64
	for _, v := range r.Values {
		n += int64(len(v.Bytes)) + 16
	}
	return n
}

// Append adds row to the current in-memory batch, uncommitted until the
// next Commit. It fails if the row's value count does
// not match the table schema.
func (t *Table) Append(r row.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(r.Values) != len(t.Schema.Fields) {
		return fmt.Errorf("mooncake: append: row has %d values, schema has %d fields", len(r.Values), len(t.Schema.Fields))
	}
	t.batch = append(t.batch, bufferedRow{value: r})
	t.batchBytes += rowByteSize(r)
	t.newSinceSnapshot = true
	return nil
}

// Delete resolves r's identity and marks it deleted, recording visibility
// at lsn once committed. If the row is present in the uncommitted batch
// it is marked directly; otherwise the file indices and flushed files are
// searched. A row absent from both is a silent no-op (spec §8 "Delete of
// a row not present... is a no-op").
func (t *Table) Delete(r row.Row, lsn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Identity.Kind == row.IdentityNone {
		return nil
	}

	for i := range t.batch {
		if t.batch[i].deleted {
			continue
		}
		if t.batch[i].value.Equal(r) {
			t.batch[i].deleted = true
			t.newSinceSnapshot = true
			return nil
		}
	}

	key, ok := t.Identity.LookupKey(r)
	if !ok {
		return nil
	}
	for _, idx := range t.indices {
		for _, cand := range idx.Search(key) {
			file := t.fileBySegID(cand.SegIdx)
			if file == nil {
				continue
			}
			fileID := file.FileId
			if int(cand.RowIdx) >= file.NumRows {
				continue
			}
			rows, err := readParquetFile(file.Path, t.Schema)
			if err != nil {
				return err
			}
			if int(cand.RowIdx) >= len(rows) {
				continue
			}
			if !rows[cand.RowIdx].Equal(r) {
				continue
			}
			vec := t.vectors[fileID]
			if vec == nil {
				vec = deletion.New(file.NumRows)
				t.vectors[fileID] = vec
			}
			vec.DeleteRow(int(cand.RowIdx))
			t.pendingDeletes = append(t.pendingDeletes, pendingDelete{fileID: fileID, rowIdx: int(cand.RowIdx)})
			t.newSinceSnapshot = true
			return nil
		}
	}
	return nil
}

func (t *Table) fileByID(id FileId) *DataFileRef {
	for i := range t.flushedFiles {
		if t.flushedFiles[i].FileId == id {
			return &t.flushedFiles[i]
		}
	}
	return nil
}

func (t *Table) fileBySegID(segID uint32) *DataFileRef {
	for i := range t.flushedFiles {
		if t.flushedFiles[i].SegID == segID {
			return &t.flushedFiles[i]
		}
	}
	return nil
}

// Commit marks every buffered append/delete as visible at lsn.
func (t *Table) Commit(lsn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.batch {
		if !t.batch[i].committed {
			t.batch[i].committed = true
			t.batch[i].lsn = lsn
		}
	}
	if lsn > t.lastLSN {
		t.lastLSN = lsn
	}
}

// Flush writes every committed, non-deleted row in the current batch to
// one or more local Parquet files (each bounded by
// DiskSliceParquetFileSize), builds a file index over them, and installs
// them as new on-disk slices with flush_lsn = lsn. It is a no-op if the
// in-memory footprint is below MemSliceSize and force is false, and a
// no-op regardless if the committed batch is empty (spec §8: "Flush with
// an empty batch... does not advance flush_lsn").
func (t *Table) Flush(lsn uint64, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !force && t.batchBytes < t.MemSliceSize {
		return nil
	}

	var committedRows []row.Row
	var remaining []bufferedRow
	for _, b := range t.batch {
		if b.committed && !b.deleted {
			committedRows = append(committedRows, b.value)
		} else if !b.committed {
			remaining = append(remaining, b)
		}
	}
	if len(committedRows) == 0 {
		return nil
	}

	sliceSize := t.DiskSliceParquetFileSize
	if sliceSize <= 0 {
		sliceSize = int64(^uint64(0) >> 1)
	}

	var newFiles []DataFileRef
	start := 0
	for start < len(committedRows) {
		end := start + 1
		size := rowByteSize(committedRows[start])
		for end < len(committedRows) && size < sliceSize {
			size += rowByteSize(committedRows[end])
			end++
		}
		chunk := committedRows[start:end]
		fileID := NewFileId()
		path := filepath.Join(t.Dir, fmt.Sprintf("data_%016x.parquet", uint64(fileID)))
		n, err := writeParquetFile(path, t.Schema, chunk)
		if err != nil {
			return err
		}
		ref := DataFileRef{FileId: fileID, Path: path, NumRows: len(chunk), SegID: NewSegID()}
		newFiles = append(newFiles, ref)
		t.vectors[fileID] = deletion.New(len(chunk))
		_ = n
		start = end
	}

	entries := make([]fileindex.Entry, 0, len(committedRows))
	for _, f := range newFiles {
		rows, err := readParquetFile(f.Path, t.Schema)
		if err != nil {
			return err
		}
		for i, r := range rows {
			key, ok := t.Identity.LookupKey(r)
			if !ok {
				continue
			}
			entries = append(entries, fileindex.Entry{Hash: key, SegIdx: f.SegID, RowIdx: uint32(i)})
		}
	}
	if len(entries) > 0 {
		t.indices = append(t.indices, fileindex.Build(entries))
	}

	t.flushedFiles = append(t.flushedFiles, newFiles...)
	t.batch = remaining
	t.batchBytes = 0
	for _, b := range remaining {
		t.batchBytes += rowByteSize(b.value)
	}
	t.flushLSN = &lsn
	t.newSinceSnapshot = true
	return nil
}

// Shutdown takes the table lock and returns nil; the table holds no
// cache pins or other resources outside its own directory. The mooncake
// directory itself is removed by the table handler's drop-table cleanup,
// not here.
func (t *Table) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return nil
}

// LoadRecovered seeds a freshly constructed Table from a snapshot loaded
// out of the iceberg persistence manager's recovery path (spec §4.7
// load_snapshot_from_table, consumed by cmd/moonlinkd on startup). It
// installs snap as the table's published state directly, without going
// through CreateSnapshot, so the handler's initial_persistence_lsn
// capture (spec §4.9) sees the durable flush LSN before the first CDC
// event arrives. Recovered DiskFiles still point at their remote
// locations until the read cache pins them; compaction or further flush
// against a recovered file therefore requires the cache to have fetched
// it first.
func (t *Table) LoadRecovered(snap *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastPublished = snap
	t.snapshotVersion = snap.SnapshotVersion
	t.flushLSN = snap.DataFileFlushLSN
	t.indices = append([]*fileindex.FileIndex(nil), snap.Indices.FileIndices...)

	t.flushedFiles = t.flushedFiles[:0]
	for id, e := range snap.DiskFiles {
		t.flushedFiles = append(t.flushedFiles, e.File)
		if e.DeletionVector != nil {
			t.vectors[id] = e.DeletionVector
		} else {
			t.vectors[id] = deletion.New(e.File.NumRows)
		}
	}
}

// removeLocalFiles deletes the local Parquet files backing refs; used by
// compaction to clean up candidate files once the rewrite has succeeded.
func removeLocalFiles(refs []DataFileRef) {
	for _, r := range refs {
		os.Remove(r.Path)
	}
}
