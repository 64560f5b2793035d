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

package readstate

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/cache"
	"github.com/mooncake-labs/moonlink/pkg/deletion"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
)

// fakeTableState is a settable TableState double, standing in for
// pkg/handler.Handler's LatestSnapshot method.
type fakeTableState struct {
	snap *mooncake.Snapshot
}

func (f *fakeTableState) LatestSnapshot() *mooncake.Snapshot { return f.snap }

func snapshotWithOneFile(t *testing.T, dir string, version uint64, flushLSN uint64, deletedRows ...int) (*mooncake.Snapshot, mooncake.FileId) {
	t.Helper()
	path := filepath.Join(dir, "data1.parquet")
	require.NoError(t, os.WriteFile(path, []byte("fake-data"), 0o644))

	id := mooncake.FileId(1)
	dv := deletion.New(10)
	for _, r := range deletedRows {
		dv.DeleteRow(r)
	}
	return &mooncake.Snapshot{
		SnapshotVersion:  version,
		DataFileFlushLSN: &flushLSN,
		DiskFiles: map[mooncake.FileId]*mooncake.DiskFileEntry{
			id: {File: mooncake.DataFileRef{FileId: id, Path: path, NumRows: 10}, DeletionVector: dv},
		},
	}, id
}

func TestTryReadReturnsNoneBelowRequestedLSN(t *testing.T) {
	dir := t.TempDir()
	snap, _ := snapshotWithOneFile(t, dir, 1, 5)
	mgr := New("t1", &fakeTableState{snap: snap}, nil)

	rs, ok, err := mgr.TryRead(context.Background(), uintPtr(10))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rs)
}

func TestTryReadMaterializesPositionalDeletes(t *testing.T) {
	dir := t.TempDir()
	snap, _ := snapshotWithOneFile(t, dir, 1, 10, 2, 4)
	mgr := New("t1", &fakeTableState{snap: snap}, nil)

	rs, ok, err := mgr.TryRead(context.Background(), uintPtr(10))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rs.DataFiles, 1)
	require.Equal(t, []PositionalDelete{{FileIdx: 0, RowIdx: 2}, {FileIdx: 0, RowIdx: 4}}, rs.PositionalDeletions)
	rs.Release()
}

func TestTryReadMemoizesBySnapshotVersion(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	snap, id := snapshotWithOneFile(t, dir, 1, 10)
	state := &fakeTableState{snap: snap}
	mgr := New("t1", state, c)
	mgr.Fetch = localCopyAccessor{}

	rs1, ok, err := mgr.TryRead(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)

	rs2, ok, err := mgr.TryRead(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rs1.DataFiles, rs2.DataFiles)
	require.Equal(t, int64(1), c.Misses(), "second TryRead for the same version must not re-pin")

	rs1.Release()
	rs2.Release()
	_ = id
}

// uintPtr is a small test helper; readstate's exported API takes *uint64
// for requestedLSN throughout.
func uintPtr(u uint64) *uint64 { return &u }

// localCopyAccessor is a minimal accessor.Accessor stand-in exercising
// only the CopyToLocal path the cache's fetcher needs.
type localCopyAccessor struct{}

func (localCopyAccessor) ReadObject(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}
func (localCopyAccessor) WriteObject(ctx context.Context, path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
func (localCopyAccessor) DeleteObject(ctx context.Context, path string) error { return os.Remove(path) }
func (localCopyAccessor) ObjectExists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	return err == nil, nil
}
func (localCopyAccessor) ListDirectory(ctx context.Context, dir string) ([]string, error) {
	return nil, nil
}
func (localCopyAccessor) StreamRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}
func (localCopyAccessor) CopyToLocal(ctx context.Context, path, localPath string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
