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

package iceberg

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/deletion"
	"github.com/mooncake-labs/moonlink/pkg/fileindex"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

const (
	propFlushLSN      = "moonlink.flush_lsn"
	propWALPersisted  = "moonlink.wal_persistence"
)

// Manager is the persistence manager for one table: it implements
// sync_snapshot and load_snapshot_from_table (spec §4.7) against an
// injected Accessor (for data/puffin/index object I/O) and Catalog (for
// the metadata commit). It holds the in-memory mirror of the catalog's
// persisted_data_files/persisted_file_indices maps so each sync_snapshot
// call only needs to apply a delta.
type Manager struct {
	Accessor accessor.Accessor
	Catalog  Catalog
	Params   FileParams

	// Schema and Identity are carried into every committed
	// TableMetadata document so a recovered manager's LoadSnapshotFromTable
	// sees the same values a fresh table was created with (spec §4.6
	// Snapshot's schema/identity fields are part of the durable state,
	// not just the in-memory one).
	Schema   row.Schema
	Identity row.Identity

	persistedDataFiles map[mooncake.FileId]DataFileEntry
	persistedIndices   []*fileindex.FileIndex
	seqNum             uint64

	recovered int32 // 0/1 guard: load_snapshot_from_table runs at most once
}

// NewManager constructs a persistence manager for one table. Call
// LoadSnapshotFromTable once before the first SyncSnapshot if the table
// already exists in the catalog.
func NewManager(acc accessor.Accessor, cat Catalog, params FileParams) *Manager {
	return &Manager{
		Accessor:           acc,
		Catalog:            cat,
		Params:             params,
		persistedDataFiles: make(map[mooncake.FileId]DataFileEntry),
	}
}

// SetInitialSeqNum records the catalog sequence number a table was just
// created at (Catalog.CreateTable always publishes sequence 1), so the
// manager's first SyncSnapshot call builds its optimistic-concurrency
// check against the value actually in the catalog rather than the
// zero-valued default that only a recovered manager would overwrite via
// LoadSnapshotFromTable.
func (m *Manager) SetInitialSeqNum(n uint64) {
	atomic.StoreUint64(&m.seqNum, n)
}

func (m *Manager) dataFilePath() string {
	return path.Join(m.Params.Warehouse, m.Params.Namespace, m.Params.Table, "data", fmt.Sprintf("%s.parquet", uuid.NewString()))
}

func (m *Manager) puffinPath() string {
	return path.Join(m.Params.Warehouse, m.Params.Namespace, m.Params.Table, "deletes", fmt.Sprintf("%s.puffin", uuid.NewString()))
}

// SyncSnapshot implements the sync_snapshot contract (spec §4.7). Local
// data file contents are read from each DataFileRef.Path, the local
// on-disk location mooncake.Flush/RunDataCompaction wrote them to.
func (m *Manager) SyncSnapshot(ctx context.Context, payload mooncake.IcebergSnapshotPayload) (*PersistenceResult, error) {
	// step 1: upload new local data files.
	var remoteFiles []DataFileEntry
	for _, f := range payload.Import.DataFiles {
		if _, exists := m.persistedDataFiles[f.FileId]; exists {
			return nil, merrors.New(merrors.KindIcebergCommit, fmt.Sprintf("file %d already present in persisted state", f.FileId))
		}
		data, err := readLocalFile(f.Path)
		if err != nil {
			return nil, merrors.Wrap(merrors.KindIo, "reading local data file for upload", err)
		}
		remotePath := m.dataFilePath()
		if err := m.Accessor.WriteObject(ctx, remotePath, data); err != nil {
			return nil, err
		}
		entry := DataFileEntry{FileId: f.FileId, RemotePath: remotePath, NumRows: f.NumRows}
		m.persistedDataFiles[f.FileId] = entry
		remoteFiles = append(remoteFiles, entry)
	}

	// step 2: serialize and upload deletion-vector puffin blobs.
	puffinRefs := make(map[mooncake.FileId]string, len(payload.NewDeletionVectors))
	for _, dv := range payload.NewDeletionVectors {
		blob, err := EncodePuffinBlob(dv.Vector)
		if err != nil {
			return nil, err
		}
		remotePath := m.puffinPath()
		if err := m.Accessor.WriteObject(ctx, remotePath, blob); err != nil {
			return nil, err
		}
		puffinRefs[dv.FileId] = remotePath
		if entry, ok := m.persistedDataFiles[dv.FileId]; ok {
			entry.PuffinBlobRef = remotePath
			m.persistedDataFiles[dv.FileId] = entry
		}
	}

	// step 3: record new file indices (index blocks travel inline as
	// part of the metadata document; see DESIGN.md for why no separate
	// block upload step exists).
	m.persistedIndices = append(m.persistedIndices, payload.Import.FileIndices...)

	// step 4: apply compaction/index-merge reconciliation.
	var evicted []string
	if payload.DataCompaction != nil {
		for _, old := range payload.DataCompaction.OldDataFiles {
			if entry, ok := m.persistedDataFiles[old.FileId]; ok {
				evicted = append(evicted, entry.RemotePath)
				if entry.PuffinBlobRef != "" {
					evicted = append(evicted, entry.PuffinBlobRef)
				}
			}
			delete(m.persistedDataFiles, old.FileId)
		}
		data, err := readLocalFile(payload.DataCompaction.NewDataFile.Path)
		if err != nil {
			return nil, merrors.Wrap(merrors.KindIo, "reading compacted data file for upload", err)
		}
		remotePath := m.dataFilePath()
		if err := m.Accessor.WriteObject(ctx, remotePath, data); err != nil {
			return nil, err
		}
		newEntry := DataFileEntry{FileId: payload.DataCompaction.NewDataFile.FileId, RemotePath: remotePath, NumRows: payload.DataCompaction.NewDataFile.NumRows}
		m.persistedDataFiles[newEntry.FileId] = newEntry
		remoteFiles = append(remoteFiles, newEntry)
		m.persistedIndices = removeIndices(m.persistedIndices, payload.DataCompaction.OldFileIndices)
		if payload.DataCompaction.NewFileIndex != nil {
			m.persistedIndices = append(m.persistedIndices, payload.DataCompaction.NewFileIndex)
		}
	}
	if payload.IndexMerge != nil {
		m.persistedIndices = removeIndices(m.persistedIndices, payload.IndexMerge.OldIndices)
		if payload.IndexMerge.NewIndex != nil {
			m.persistedIndices = append(m.persistedIndices, payload.IndexMerge.NewIndex)
		}
	}

	// step 5-6: build and commit the catalog update.
	md := &TableMetadata{
		FormatVersion: 1,
		Namespace:     m.Params.Namespace,
		Table:         m.Params.Table,
		Schema:        m.Schema,
		Identity:      m.Identity,
		DataFiles:     sortedDataFiles(m.persistedDataFiles),
		Properties: map[string]string{
			propFlushLSN: strconv.FormatUint(payload.FlushLSN, 10),
		},
	}
	for _, idx := range m.persistedIndices {
		md.FileIndices = append(md.FileIndices, FileIndexEntry{Index: idx})
	}
	if payload.WALPersistedFile != nil {
		b, _ := json.Marshal(map[string]uint64{"persisted_file_num": *payload.WALPersistedFile})
		md.Properties[propWALPersisted] = string(b)
	}

	update := TableUpdate{
		Namespace:      m.Params.Namespace,
		Table:          m.Params.Table,
		Metadata:       md,
		ExpectedSeqNum: atomic.LoadUint64(&m.seqNum),
	}
	committed, err := m.Catalog.UpdateTable(ctx, update)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&m.seqNum, committed.SequenceNumber)

	return &PersistenceResult{
		RemoteDataFiles:      remoteFiles,
		RemoteFileIndices:    payload.Import.FileIndices,
		PuffinBlobRefs:       puffinRefs,
		EvictedFilesToDelete: evicted,
		SequenceNumber:       committed.SequenceNumber,
	}, nil
}

func removeIndices(have, remove []*fileindex.FileIndex) []*fileindex.FileIndex {
	if len(remove) == 0 {
		return have
	}
	drop := make(map[*fileindex.FileIndex]bool, len(remove))
	for _, idx := range remove {
		drop[idx] = true
	}
	kept := have[:0:0]
	for _, idx := range have {
		if !drop[idx] {
			kept = append(kept, idx)
		}
	}
	return kept
}

func sortedDataFiles(m map[mooncake.FileId]DataFileEntry) []DataFileEntry {
	out := make([]DataFileEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// LoadSnapshotFromTable implements recovery (spec §4.7): reads current
// table metadata, rebuilds persisted_data_files and persisted_file_indices,
// materializes deletion-vector puffins, and reports the next file id a
// fresh table instance should allocate from. Calling this more than once
// per Manager is a programmer error (spec: "second call panics").
func (m *Manager) LoadSnapshotFromTable(ctx context.Context) (nextFileID mooncake.FileId, snap *mooncake.Snapshot, err error) {
	if !atomic.CompareAndSwapInt32(&m.recovered, 0, 1) {
		panic("iceberg: LoadSnapshotFromTable called more than once")
	}

	md, err := m.Catalog.LoadTable(ctx, m.Params.Namespace, m.Params.Table)
	if err != nil {
		return 0, nil, err
	}
	m.seqNum = md.SequenceNumber

	snap = &mooncake.Snapshot{
		DiskFiles: make(map[mooncake.FileId]*mooncake.DiskFileEntry, len(md.DataFiles)),
		Schema:    md.Schema,
		Identity:  md.Identity,
	}

	var maxFileID mooncake.FileId
	for _, df := range md.DataFiles {
		m.persistedDataFiles[df.FileId] = df
		if df.FileId > maxFileID {
			maxFileID = df.FileId
		}
		entry := &mooncake.DiskFileEntry{
			File:          mooncake.DataFileRef{FileId: df.FileId, Path: df.RemotePath, NumRows: df.NumRows},
			PuffinBlobRef: df.PuffinBlobRef,
			FileSize:      0,
		}
		if df.PuffinBlobRef != "" {
			blob, err := m.Accessor.ReadObject(ctx, df.PuffinBlobRef)
			if err != nil {
				return 0, nil, err
			}
			vec, err := DecodePuffinBlob(blob)
			if err != nil {
				return 0, nil, err
			}
			entry.DeletionVector = vec
		} else {
			entry.DeletionVector = deletion.New(df.NumRows)
		}
		snap.DiskFiles[df.FileId] = entry
	}

	for _, fi := range md.FileIndices {
		m.persistedIndices = append(m.persistedIndices, fi.Index)
	}
	snap.Indices.FileIndices = append([]*fileindex.FileIndex(nil), m.persistedIndices...)

	if lsnStr, ok := md.Properties[propFlushLSN]; ok {
		lsn, perr := strconv.ParseUint(lsnStr, 10, 64)
		if perr == nil {
			snap.DataFileFlushLSN = &lsn
		}
	}

	return maxFileID + 1, snap, nil
}
