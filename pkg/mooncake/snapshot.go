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
	"path/filepath"

	"github.com/mooncake-labs/moonlink/pkg/deletion"
	"github.com/mooncake-labs/moonlink/pkg/fileindex"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// SnapshotOptions parameterizes CreateSnapshot, mirroring the thresholds
// in config.TableConfig (kept decoupled from pkg/config to avoid an
// import cycle; pkg/handler translates TableConfig into this type).
type SnapshotOptions struct {
	ForceCreate bool

	SkipIcebergSnapshot    bool
	SkipDataFileCompaction bool

	DataFileFinalSize         int64
	DataFilesToCompact        int
	FileIndicesMergeThreshold int

	// MaintenanceOngoing suppresses both compaction and index-merge
	// payload emission (spec §4.6: "suppressed if... another maintenance
	// is ongoing").
	MaintenanceOngoing bool

	IcebergAlreadyPersisted bool
}

// LatestSnapshot returns the most recently published snapshot. It never
// returns nil: a freshly constructed Table already has an empty
// snapshot at version 0.
func (t *Table) LatestSnapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPublished
}

// CreateSnapshot synthesizes the next snapshot from current table state
// (spec §4.6). It returns (nil, false) if creation is skipped: no change
// since the last snapshot and ForceCreate is false.
func (t *Table) CreateSnapshot(opts SnapshotOptions) (*SnapshotResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !opts.ForceCreate && !t.newSinceSnapshot {
		return nil, false
	}

	next := t.lastPublished.clone()
	next.SnapshotVersion++
	next.DataFileFlushLSN = t.flushLSN
	next.Identity = t.Identity
	next.Schema = t.Schema

	// Each published snapshot owns its own deletion-vector copy: the live
	// t.vectors entries keep accumulating deletes after publication, and
	// a snapshot handed to readers must never change under them.
	for _, f := range t.flushedFiles {
		var vec *deletion.BatchDeletionVector
		if v, ok := t.vectors[f.FileId]; ok {
			vec = v.Clone()
		}
		next.DiskFiles[f.FileId] = &DiskFileEntry{File: f, DeletionVector: vec}
	}
	next.Indices.FileIndices = append([]*fileindex.FileIndex(nil), t.indices...)

	result := &SnapshotResult{Snapshot: next}

	var newFiles []DataFileRef
	for _, f := range t.flushedFiles {
		if _, ok := t.lastPublished.DiskFiles[f.FileId]; !ok {
			newFiles = append(newFiles, f)
		}
	}
	var newVectors []NewDeletionVector
	for id, v := range t.vectors {
		if !v.IsEmpty() {
			newVectors = append(newVectors, NewDeletionVector{FileId: id, Vector: v})
		}
	}

	if !opts.SkipIcebergSnapshot && (len(newFiles) > 0 || len(newVectors) > 0 || len(t.indices) > 0) && !opts.IcebergAlreadyPersisted {
		var flushLSN uint64
		if t.flushLSN != nil {
			flushLSN = *t.flushLSN
		}
		result.Iceberg = &IcebergSnapshotPayload{
			Import: ImportPayload{
				DataFiles:   newFiles,
				FileIndices: t.indices,
			},
			NewDeletionVectors: newVectors,
			FlushLSN:           flushLSN,
		}
	}

	if !opts.MaintenanceOngoing {
		if !opts.SkipDataFileCompaction {
			if payload := t.buildCompactionPayload(opts); payload != nil {
				result.DataCompaction = payload
			}
		}
		if opts.FileIndicesMergeThreshold > 0 && len(t.indices) > opts.FileIndicesMergeThreshold {
			result.FileIndicesMerge = &FileIndicesMergePayload{CandidateIndices: append([]*fileindex.FileIndex(nil), t.indices...)}
		}
	}

	t.lastPublished = next
	t.snapshotVersion = next.SnapshotVersion
	t.newSinceSnapshot = false

	return result, true
}

func (t *Table) buildCompactionPayload(opts SnapshotOptions) *DataCompactionPayload {
	if opts.DataFilesToCompact <= 0 {
		return nil
	}
	var candidates []DataFileRef
	var indices []*fileindex.FileIndex
	for _, f := range t.flushedFiles {
		size := int64(f.NumRows) * 64 // rough per-row footprint estimate for size-based compaction eligibility
		if opts.DataFileFinalSize > 0 && size < opts.DataFileFinalSize {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) < opts.DataFilesToCompact {
		return nil
	}
	indices = append(indices, t.indices...)
	return &DataCompactionPayload{CandidateFiles: candidates, CandidateIndices: indices}
}

// RunDataCompaction reads and rewrites every candidate file, skipping
// positions its deletion vector marks dead, into one new data file, and
// builds one new file index over the output (spec §4.6 "Compaction"). It
// performs its own file I/O and is meant to run as a detached task (the
// table handler spawns it as a sibling to the event loop, per spec §5),
// reporting its result back to the table via ApplyDataCompactionResult.
func RunDataCompaction(dir string, schema row.Schema, identity row.Identity, payload DataCompactionPayload, vectors map[FileId]*deletion.BatchDeletionVector) (*DataCompactionResult, error) {
	var kept []row.Row
	for _, f := range payload.CandidateFiles {
		rows, err := readParquetFile(f.Path, schema)
		if err != nil {
			return nil, err
		}
		vec := vectors[f.FileId]
		for i, r := range rows {
			if vec != nil && vec.IsDeleted(i) {
				continue
			}
			kept = append(kept, r)
		}
	}

	outID := NewFileId()
	outSegID := NewSegID()
	outPath := filepath.Join(dir, fmt.Sprintf("compacted_%016x.parquet", uint64(outID)))
	if _, err := writeParquetFile(outPath, schema, kept); err != nil {
		return nil, err
	}

	var entries []fileindex.Entry
	for i, r := range kept {
		key, ok := identity.LookupKey(r)
		if !ok {
			continue
		}
		entries = append(entries, fileindex.Entry{Hash: key, SegIdx: outSegID, RowIdx: uint32(i)})
	}
	var newIndex *fileindex.FileIndex
	if len(entries) > 0 {
		newIndex = fileindex.Build(entries)
	}

	return &DataCompactionResult{
		NewDataFile:    DataFileRef{FileId: outID, Path: outPath, NumRows: len(kept), SegID: outSegID},
		NewFileIndex:   newIndex,
		OldDataFiles:   payload.CandidateFiles,
		OldFileIndices: payload.CandidateIndices,
	}, nil
}

// ApplyDataCompactionResult reconciles a completed compaction back into
// the table's live state: candidate files/indices are removed, the
// compacted output is installed in their place, and the removed local
// files are deleted once no longer referenced.
func (t *Table) ApplyDataCompactionResult(result *DataCompactionResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldByID := make(map[FileId]bool, len(result.OldDataFiles))
	for _, f := range result.OldDataFiles {
		oldByID[f.FileId] = true
	}
	kept := t.flushedFiles[:0:0]
	for _, f := range t.flushedFiles {
		if !oldByID[f.FileId] {
			kept = append(kept, f)
		}
	}
	t.flushedFiles = append(kept, result.NewDataFile)

	for id := range oldByID {
		delete(t.vectors, id)
	}
	if result.NewDataFile.NumRows > 0 {
		t.vectors[result.NewDataFile.FileId] = deletion.New(result.NewDataFile.NumRows)
	}

	oldIndexSet := make(map[*fileindex.FileIndex]bool, len(result.OldFileIndices))
	for _, idx := range result.OldFileIndices {
		oldIndexSet[idx] = true
	}
	keptIndices := t.indices[:0:0]
	for _, idx := range t.indices {
		if !oldIndexSet[idx] {
			keptIndices = append(keptIndices, idx)
		}
	}
	if result.NewFileIndex != nil {
		keptIndices = append(keptIndices, result.NewFileIndex)
	}
	t.indices = keptIndices

	removeLocalFiles(result.OldDataFiles)
	t.newSinceSnapshot = true
}

// RunFileIndicesMerge concatenates and rebuilds the candidate indices
// into a single combined index (spec §4.6 "Index merge").
func RunFileIndicesMerge(payload FileIndicesMergePayload) (*FileIndicesMergeResult, error) {
	merged, err := fileindex.Merge(payload.CandidateIndices)
	if err != nil {
		return nil, err
	}
	return &FileIndicesMergeResult{NewIndex: merged, OldIndices: payload.CandidateIndices}, nil
}

// ApplyFileIndicesMergeResult installs a completed index-merge result,
// replacing the merged candidates with the single rebuilt index.
func (t *Table) ApplyFileIndicesMergeResult(result *FileIndicesMergeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldSet := make(map[*fileindex.FileIndex]bool, len(result.OldIndices))
	for _, idx := range result.OldIndices {
		oldSet[idx] = true
	}
	kept := t.indices[:0:0]
	for _, idx := range t.indices {
		if !oldSet[idx] {
			kept = append(kept, idx)
		}
	}
	t.indices = append(kept, result.NewIndex)
	t.newSinceSnapshot = true
}
