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

package cache

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/merrors"
)

func fakeFetch(size int64) Fetcher {
	return func(ctx context.Context, remotePath, localPath string) (int64, error) {
		data := make([]byte, size)
		if err := os.WriteFile(localPath, data, 0o644); err != nil {
			return 0, err
		}
		return size, nil
	}
}

func TestGetOrPinMissThenHit(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	key := Key{TableID: "t1", FileID: 1}
	h, err := c.GetOrPin(context.Background(), key, "remote/1", fakeFetch(100))
	require.NoError(t, err)
	require.FileExists(t, h.Path)
	require.Equal(t, int64(1), c.Misses())

	h2, err := c.GetOrPin(context.Background(), key, "remote/1", fakeFetch(100))
	require.NoError(t, err)
	require.Equal(t, h.Path, h2.Path)
	require.Equal(t, int64(1), c.Hits())

	c.Unpin(h)
	c.Unpin(h2)
	require.Equal(t, int64(100), c.UsedBytes())
}

func TestEvictionUnderPressure(t *testing.T) {
	c, err := New(t.TempDir(), 150)
	require.NoError(t, err)

	h1, err := c.GetOrPin(context.Background(), Key{TableID: "t", FileID: 1}, "r1", fakeFetch(100))
	require.NoError(t, err)
	c.Unpin(h1)

	// second entry forces eviction of the first, unpinned, entry.
	h2, err := c.GetOrPin(context.Background(), Key{TableID: "t", FileID: 2}, "r2", fakeFetch(100))
	require.NoError(t, err)
	c.Unpin(h2)

	require.NoFileExists(t, h1.Path)
	require.FileExists(t, h2.Path)
	require.LessOrEqual(t, c.UsedBytes(), int64(150))
}

func TestCacheFullWhenPinned(t *testing.T) {
	c, err := New(t.TempDir(), 100)
	require.NoError(t, err)

	h1, err := c.GetOrPin(context.Background(), Key{TableID: "t", FileID: 1}, "r1", fakeFetch(100))
	require.NoError(t, err)
	// do not unpin h1: it stays non-evictable.

	_, err = c.GetOrPin(context.Background(), Key{TableID: "t", FileID: 2}, "r2", fakeFetch(50))
	require.ErrorIs(t, err, merrors.ErrCacheFull)

	c.Unpin(h1)
}

func TestCacheFullFileLargerThanBudgetEvenWhenEmpty(t *testing.T) {
	c, err := New(t.TempDir(), 10)
	require.NoError(t, err)

	_, err = c.GetOrPin(context.Background(), Key{TableID: "t", FileID: 1}, "r1", fakeFetch(100))
	require.ErrorIs(t, err, merrors.ErrCacheFull)
}
