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

package accessor

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalFSWriteReadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fsys, err := NewLocalFS(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := fsys.ObjectExists(ctx, "a/b/data.bin")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fsys.WriteObject(ctx, "a/b/data.bin", []byte("hello")))

	exists, err = fsys.ObjectExists(ctx, "a/b/data.bin")
	require.NoError(t, err)
	require.True(t, exists)

	data, err := fsys.ReadObject(ctx, "a/b/data.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	require.NoError(t, fsys.DeleteObject(ctx, "a/b/data.bin"))
	exists, err = fsys.ObjectExists(ctx, "a/b/data.bin")
	require.NoError(t, err)
	require.False(t, exists)

	// deleting an already-absent object is not an error.
	require.NoError(t, fsys.DeleteObject(ctx, "a/b/data.bin"))
}

func TestLocalFSReadMissingWrapsNotExist(t *testing.T) {
	fsys, err := NewLocalFS(t.TempDir(), "")
	require.NoError(t, err)

	_, err = fsys.ReadObject(context.Background(), "nope.bin")
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLocalFSWriteObjectIsAtomic(t *testing.T) {
	dir := t.TempDir()
	fsys, err := NewLocalFS(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fsys.WriteObject(ctx, "v1.json", []byte("version one")))
	require.NoError(t, fsys.WriteObject(ctx, "v1.json", []byte("version two")))

	data, err := fsys.ReadObject(ctx, "v1.json")
	require.NoError(t, err)
	require.Equal(t, []byte("version two"), data)

	// no leftover temp files from the rename dance.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "v1.json", entries[0].Name())
}

func TestLocalFSWriteObjectUsesTmpDirOverride(t *testing.T) {
	root := t.TempDir()
	tmp := t.TempDir()
	fsys, err := NewLocalFS(root, tmp)
	require.NoError(t, err)

	require.NoError(t, fsys.WriteObject(context.Background(), "x.bin", []byte("payload")))

	tmpEntries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, tmpEntries, "temp file must be renamed away, not left behind")

	data, err := os.ReadFile(filepath.Join(root, "x.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestLocalFSListDirectorySkipsSubdirsAndMissing(t *testing.T) {
	dir := t.TempDir()
	fsys, err := NewLocalFS(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fsys.WriteObject(ctx, "tables/a.json", []byte("{}")))
	require.NoError(t, fsys.WriteObject(ctx, "tables/b.json", []byte("{}")))
	require.NoError(t, fsys.WriteObject(ctx, "tables/nested/c.json", []byte("{}")))

	entries, err := fsys.ListDirectory(ctx, "tables")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"tables/a.json", "tables/b.json"}, entries)

	missing, err := fsys.ListDirectory(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestLocalFSStreamReadAndCopyToLocal(t *testing.T) {
	dir := t.TempDir()
	fsys, err := NewLocalFS(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fsys.WriteObject(ctx, "big.bin", []byte("streamed-content")))

	rc, err := fsys.StreamRead(ctx, "big.bin")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("streamed-content"), got)

	localPath := filepath.Join(t.TempDir(), "copy.bin")
	n, err := fsys.CopyToLocal(ctx, "big.bin", localPath)
	require.NoError(t, err)
	require.Equal(t, int64(len("streamed-content")), n)

	copied, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, []byte("streamed-content"), copied)
}

func TestLocalFSFullPathConfinesToRoot(t *testing.T) {
	dir := t.TempDir()
	fsys, err := NewLocalFS(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	// a path attempting to escape the root is cleaned back under it rather
	// than reaching outside, since fullPath anchors path at a leading
	// separator before joining with Root.
	require.NoError(t, fsys.WriteObject(ctx, "../../etc/passwd", []byte("x")))
	data, err := fsys.ReadObject(ctx, "etc/passwd")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), data)
}
