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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/deletion"
	"github.com/mooncake-labs/moonlink/pkg/fileindex"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

func testSchema() row.Schema {
	return row.Schema{Fields: []row.Field{
		{Name: "id", Kind: row.KindInt32},
		{Name: "name", Kind: row.KindByteArray, Nullable: true},
	}}
}

func newLocalFS(t *testing.T) accessor.Accessor {
	t.Helper()
	acc, err := accessor.NewLocalFS(t.TempDir(), "")
	require.NoError(t, err)
	return acc
}

func writeLocalFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func newManager(t *testing.T, acc accessor.Accessor) *Manager {
	t.Helper()
	cat := NewFSCatalog(acc)
	require.NoError(t, cat.CreateNamespace(context.Background(), "db"))
	params := FileParams{Warehouse: "warehouse", Namespace: "db", Table: "t"}
	require.NoError(t, cat.CreateTable(context.Background(), "db", "t", &TableMetadata{
		FormatVersion: 1,
		Namespace:     "db",
		Table:         "t",
		Schema:        testSchema(),
		Identity:      row.IntPrimaryKey(0),
		Properties:    map[string]string{},
	}))
	mgr := NewManager(acc, cat, params)
	mgr.Schema = testSchema()
	mgr.Identity = row.IntPrimaryKey(0)
	mgr.SetInitialSeqNum(1)
	return mgr
}

// TestSyncSnapshotThenRecoverDeletionPuffin mirrors spec §8 scenario 3: a
// flushed data file with deletes recorded after the flush round-trips
// through a commit and a fresh manager's recovery load, with its positions
// recoverable from the uploaded puffin blob.
func TestSyncSnapshotThenRecoverDeletionPuffin(t *testing.T) {
	localDir := t.TempDir()
	acc := newLocalFS(t)
	mgr := newManager(t, acc)

	dataPath := writeLocalFile(t, localDir, "data1.parquet", []byte("fake-parquet-bytes"))
	fileID := mooncake.FileId(1)

	dv := deletion.New(4)
	dv.DeleteRow(1)
	dv.DeleteRow(3)

	payload := mooncake.IcebergSnapshotPayload{
		Import: mooncake.ImportPayload{
			DataFiles: []mooncake.DataFileRef{{FileId: fileID, Path: dataPath, NumRows: 4}},
		},
		NewDeletionVectors: []mooncake.NewDeletionVector{{FileId: fileID, Vector: dv}},
		FlushLSN:           2,
	}

	res, err := mgr.SyncSnapshot(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, res.RemoteDataFiles, 1)
	require.NotEmpty(t, res.PuffinBlobRefs[fileID])

	recovered := NewManager(acc, mgr.Catalog, mgr.Params)
	nextID, snap, err := recovered.LoadSnapshotFromTable(context.Background())
	require.NoError(t, err)
	require.Equal(t, mooncake.FileId(2), nextID)
	require.Len(t, snap.DiskFiles, 1)
	require.NotNil(t, snap.DataFileFlushLSN)
	require.Equal(t, uint64(2), *snap.DataFileFlushLSN)

	entry := snap.DiskFiles[fileID]
	require.NotNil(t, entry)
	require.NotEmpty(t, entry.PuffinBlobRef)
	require.Equal(t, []uint64{1, 3}, entry.DeletionVector.CollectDeletedRows())

	// calling LoadSnapshotFromTable a second time on the same instance is
	// a programmer error (spec §4.7).
	require.Panics(t, func() { _, _, _ = recovered.LoadSnapshotFromTable(context.Background()) })
}

// TestSyncSnapshotCompactionReplacesEntries mirrors spec §8 scenario 6:
// compaction removes the old data files/indices from persisted state and
// installs the rewritten output, with flush LSN advancing.
func TestSyncSnapshotCompactionReplacesEntries(t *testing.T) {
	localDir := t.TempDir()
	acc := newLocalFS(t)
	mgr := newManager(t, acc)

	path1 := writeLocalFile(t, localDir, "d1.parquet", []byte("one"))
	path2 := writeLocalFile(t, localDir, "d2.parquet", []byte("two"))
	id1, id2 := mooncake.FileId(1), mooncake.FileId(2)
	idx1 := fileindex.Build([]fileindex.Entry{{Hash: 1, SegIdx: 1, RowIdx: 0}})
	idx2 := fileindex.Build([]fileindex.Entry{{Hash: 2, SegIdx: 2, RowIdx: 0}})

	_, err := mgr.SyncSnapshot(context.Background(), mooncake.IcebergSnapshotPayload{
		Import: mooncake.ImportPayload{
			DataFiles:   []mooncake.DataFileRef{{FileId: id1, Path: path1, NumRows: 1}, {FileId: id2, Path: path2, NumRows: 1}},
			FileIndices: []*fileindex.FileIndex{idx1, idx2},
		},
		FlushLSN: 1,
	})
	require.NoError(t, err)
	require.Len(t, mgr.persistedDataFiles, 2)
	require.Len(t, mgr.persistedIndices, 2)

	compactedPath := writeLocalFile(t, localDir, "compacted.parquet", []byte("merged"))
	newID := mooncake.FileId(3)
	newIdx := fileindex.Build([]fileindex.Entry{{Hash: 1, SegIdx: 3, RowIdx: 0}, {Hash: 2, SegIdx: 3, RowIdx: 1}})

	res, err := mgr.SyncSnapshot(context.Background(), mooncake.IcebergSnapshotPayload{
		DataCompaction: &mooncake.DataCompactionResult{
			NewDataFile:    mooncake.DataFileRef{FileId: newID, Path: compactedPath, NumRows: 2},
			NewFileIndex:   newIdx,
			OldDataFiles:   []mooncake.DataFileRef{{FileId: id1}, {FileId: id2}},
			OldFileIndices: []*fileindex.FileIndex{idx1, idx2},
		},
		FlushLSN: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.EvictedFilesToDelete)

	require.Len(t, mgr.persistedDataFiles, 1)
	_, ok := mgr.persistedDataFiles[newID]
	require.True(t, ok)
	require.Len(t, mgr.persistedIndices, 1)
	require.Equal(t, newIdx, mgr.persistedIndices[0])

	recovered := NewManager(acc, mgr.Catalog, mgr.Params)
	_, snap, err := recovered.LoadSnapshotFromTable(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.DiskFiles, 1)
	require.Equal(t, uint64(2), *snap.DataFileFlushLSN)
}

// TestSyncSnapshotRejectsDuplicateFileID guards the "assert no prior
// mapping" step in spec §4.7.
func TestSyncSnapshotRejectsDuplicateFileID(t *testing.T) {
	localDir := t.TempDir()
	acc := newLocalFS(t)
	mgr := newManager(t, acc)

	path := writeLocalFile(t, localDir, "d1.parquet", []byte("one"))
	id := mooncake.FileId(1)
	payload := mooncake.IcebergSnapshotPayload{
		Import:   mooncake.ImportPayload{DataFiles: []mooncake.DataFileRef{{FileId: id, Path: path, NumRows: 1}}},
		FlushLSN: 1,
	}
	_, err := mgr.SyncSnapshot(context.Background(), payload)
	require.NoError(t, err)

	path2 := writeLocalFile(t, localDir, "d1-again.parquet", []byte("one-again"))
	payload2 := mooncake.IcebergSnapshotPayload{
		Import:   mooncake.ImportPayload{DataFiles: []mooncake.DataFileRef{{FileId: id, Path: path2, NumRows: 1}}},
		FlushLSN: 2,
	}
	_, err = mgr.SyncSnapshot(context.Background(), payload2)
	require.Error(t, err)
}

// TestUpdateTableRejectsConcurrentCommit exercises the catalog's
// optimistic-concurrency check directly: a commit carrying a stale
// ExpectedSeqNum is rejected rather than silently clobbering state.
func TestUpdateTableRejectsConcurrentCommit(t *testing.T) {
	acc := newLocalFS(t)
	cat := NewFSCatalog(acc)
	ctx := context.Background()
	require.NoError(t, cat.CreateNamespace(ctx, "db"))
	require.NoError(t, cat.CreateTable(ctx, "db", "t", &TableMetadata{
		FormatVersion: 1, Namespace: "db", Table: "t", Properties: map[string]string{},
	}))

	_, err := cat.UpdateTable(ctx, TableUpdate{
		Namespace:      "db",
		Table:          "t",
		Metadata:       &TableMetadata{Namespace: "db", Table: "t", Properties: map[string]string{}},
		ExpectedSeqNum: 1,
	})
	require.NoError(t, err)

	_, err = cat.UpdateTable(ctx, TableUpdate{
		Namespace:      "db",
		Table:          "t",
		Metadata:       &TableMetadata{Namespace: "db", Table: "t", Properties: map[string]string{}},
		ExpectedSeqNum: 1, // stale: catalog is now at seq 2
	})
	require.Error(t, err)
}
