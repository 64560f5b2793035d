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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/row"
)

func testSchema() row.Schema {
	return row.Schema{Fields: []row.Field{
		{Name: "id", Kind: row.KindInt32},
		{Name: "name", Kind: row.KindByteArray, Nullable: true},
	}}
}

func newTestTable(t *testing.T) *Table {
	dir := t.TempDir()
	return New(dir, testSchema(), row.IntPrimaryKey(0), 1<<20, 1<<20)
}

// scanSnapshot reads every row currently installed in the snapshot's
// on-disk files, skipping deleted positions, mirroring what a reader
// does via the read-state manager.
func scanSnapshot(t *testing.T, schema row.Schema, snap *Snapshot) []row.Row {
	t.Helper()
	var out []row.Row
	for _, e := range snap.DiskFiles {
		rows, err := readParquetFile(e.File.Path, schema)
		require.NoError(t, err)
		for i, r := range rows {
			if e.DeletionVector != nil && e.DeletionVector.IsDeleted(i) {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

func idsOf(rows []row.Row) []int32 {
	ids := make([]int32, len(rows))
	for i, r := range rows {
		ids[i] = r.Values[0].I32
	}
	return ids
}

// TestBasicInsertAndScan implements spec.md §8 scenario 1.
func TestBasicInsertAndScan(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.Append(row.New(row.Int32(1), row.String("a"))))
	require.NoError(t, tbl.Append(row.New(row.Int32(2), row.String("b"))))
	tbl.Commit(10)
	require.NoError(t, tbl.Flush(10, true))

	result, ok := tbl.CreateSnapshot(SnapshotOptions{ForceCreate: true})
	require.True(t, ok)

	rows := scanSnapshot(t, tbl.Schema, result.Snapshot)
	require.ElementsMatch(t, []int32{1, 2}, idsOf(rows))
}

// TestDeleteBeforeFlush implements spec.md §8 scenario 2.
func TestDeleteBeforeFlush(t *testing.T) {
	tbl := newTestTable(t)

	for i := int32(1); i <= 4; i++ {
		require.NoError(t, tbl.Append(row.New(row.Int32(i), row.String(fmt.Sprintf("Row %d", i)))))
	}
	tbl.Commit(1)
	require.NoError(t, tbl.Flush(1, true))
	_, ok := tbl.CreateSnapshot(SnapshotOptions{ForceCreate: true})
	require.True(t, ok)

	require.NoError(t, tbl.Delete(row.New(row.Int32(2), row.String("Row 2")), 2))
	require.NoError(t, tbl.Delete(row.New(row.Int32(4), row.String("Row 4")), 2))
	tbl.Commit(2)

	result, ok := tbl.CreateSnapshot(SnapshotOptions{ForceCreate: true})
	require.True(t, ok)

	rows := scanSnapshot(t, tbl.Schema, result.Snapshot)
	require.ElementsMatch(t, []int32{1, 3}, idsOf(rows))
}

// TestFlushEmptyBatchIsNoOp covers spec.md §8 "Flush with an empty batch
// is a no-op and does not advance flush_lsn".
func TestFlushEmptyBatchIsNoOp(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Flush(5, true))
	require.Nil(t, tbl.flushLSN)
}

// TestDeleteOfUnknownRowIsNoOp covers spec.md §8 "Delete of a row not
// present in any batch or file index is a no-op and does not error".
func TestDeleteOfUnknownRowIsNoOp(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Append(row.New(row.Int32(1), row.String("a"))))
	tbl.Commit(1)
	require.NoError(t, tbl.Flush(1, true))

	require.NoError(t, tbl.Delete(row.New(row.Int32(999), row.String("missing")), 2))
}

// TestCreateSnapshotSkippedWithoutChange covers spec.md §8 "For every
// create_snapshot(force_create=false) call that returns true,
// snapshot_version has strictly increased" (contrapositive: no change,
// no force -> skipped).
func TestCreateSnapshotSkippedWithoutChange(t *testing.T) {
	tbl := newTestTable(t)
	require.NoError(t, tbl.Append(row.New(row.Int32(1), row.String("a"))))
	tbl.Commit(1)
	require.NoError(t, tbl.Flush(1, true))

	result, ok := tbl.CreateSnapshot(SnapshotOptions{ForceCreate: true})
	require.True(t, ok)
	v1 := result.Snapshot.SnapshotVersion

	_, ok = tbl.CreateSnapshot(SnapshotOptions{ForceCreate: false})
	require.False(t, ok)

	require.NoError(t, tbl.Append(row.New(row.Int32(2), row.String("b"))))
	tbl.Commit(2)
	require.NoError(t, tbl.Flush(2, true))
	result2, ok := tbl.CreateSnapshot(SnapshotOptions{ForceCreate: false})
	require.True(t, ok)
	require.Greater(t, result2.Snapshot.SnapshotVersion, v1)
}

func TestCompactionReplacesFilesAndIndex(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.Append(row.New(row.Int32(1), row.String("a"))))
	tbl.Commit(1)
	require.NoError(t, tbl.Flush(1, true))

	require.NoError(t, tbl.Append(row.New(row.Int32(2), row.String("b"))))
	tbl.Commit(2)
	require.NoError(t, tbl.Flush(2, true))

	require.Len(t, tbl.flushedFiles, 2)

	payload := DataCompactionPayload{
		CandidateFiles:   tbl.flushedFiles,
		CandidateIndices: tbl.indices,
	}
	result, err := RunDataCompaction(tbl.Dir, tbl.Schema, tbl.Identity, payload, tbl.vectors)
	require.NoError(t, err)
	require.Equal(t, 2, result.NewDataFile.NumRows)

	tbl.ApplyDataCompactionResult(result)
	require.Len(t, tbl.flushedFiles, 1)
	require.Len(t, tbl.indices, 1)

	snapResult, ok := tbl.CreateSnapshot(SnapshotOptions{ForceCreate: true})
	require.True(t, ok)
	rows := scanSnapshot(t, tbl.Schema, snapResult.Snapshot)
	require.ElementsMatch(t, []int32{1, 2}, idsOf(rows))
}
