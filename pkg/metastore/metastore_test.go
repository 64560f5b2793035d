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

package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

func testEntry(db, table string) Entry {
	return Entry{
		Database: db,
		Table:    table,
		Schema:   row.Schema{Fields: []row.Field{{Name: "id", Kind: row.KindInt32}}},
		Identity: row.IntPrimaryKey(0),
	}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	acc, err := accessor.NewLocalFS(t.TempDir(), "")
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"file":   NewFileStore(acc),
	}
}

func TestStoreCreateGetDelete(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testEntry("db", "orders")))

			got, err := store.Get(ctx, NewTableID("db", "orders"))
			require.NoError(t, err)
			require.Equal(t, "orders", got.Table)
			require.Equal(t, row.IntPrimaryKey(0), got.Identity)

			require.NoError(t, store.Delete(ctx, NewTableID("db", "orders")))
			_, err = store.Get(ctx, NewTableID("db", "orders"))
			require.ErrorIs(t, err, merrors.ErrTableNotFound)
		})
	}
}

func TestStoreCreateRejectsDuplicate(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testEntry("db", "orders")))
			require.Error(t, store.Create(ctx, testEntry("db", "orders")))
		})
	}
}

func TestStoreGetAndDeleteMissingReturnNotFound(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, NewTableID("db", "nope"))
			require.ErrorIs(t, err, merrors.ErrTableNotFound)

			err = store.Delete(ctx, NewTableID("db", "nope"))
			require.ErrorIs(t, err, merrors.ErrTableNotFound)
		})
	}
}

func TestStoreListReturnsSortedEntries(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testEntry("db", "zzz")))
			require.NoError(t, store.Create(ctx, testEntry("db", "aaa")))
			require.NoError(t, store.Create(ctx, testEntry("analytics", "mmm")))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			require.Equal(t, "analytics", list[0].Database)
			require.Equal(t, "db", list[1].Database)
			require.Equal(t, "aaa", list[1].Table)
			require.Equal(t, "zzz", list[2].Table)
		})
	}
}

// TestFileStoreSurvivesReload exercises the on-disk path's ensureLoaded
// lazy-refresh: a fresh FileStore over the same accessor root picks up
// entries a prior instance persisted.
func TestFileStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	acc, err := accessor.NewLocalFS(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	first := NewFileStore(acc)
	require.NoError(t, first.Create(ctx, testEntry("db", "orders")))

	second := NewFileStore(acc)
	got, err := second.Get(ctx, NewTableID("db", "orders"))
	require.NoError(t, err)
	require.Equal(t, "orders", got.Table)

	list, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
