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

package deletion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/row"
)

func TestDeleteRowAndIsDeleted(t *testing.T) {
	v := New(5)
	require.False(t, v.IsDeleted(0))

	wasAlive := v.DeleteRow(1)
	require.True(t, wasAlive)
	wasAlive = v.DeleteRow(3)
	require.True(t, wasAlive)

	require.False(t, v.IsDeleted(0))
	require.True(t, v.IsDeleted(1))
	require.False(t, v.IsDeleted(2))
	require.True(t, v.IsDeleted(3))
	require.False(t, v.IsDeleted(4))
	require.Equal(t, 2, v.NumRowsDeleted())

	// deleting an already-deleted row reports not-alive
	require.False(t, v.DeleteRow(1))
}

func TestMergeWithRequiresEqualCapacity(t *testing.T) {
	a := New(5)
	b := New(6)
	require.Panics(t, func() { a.MergeWith(b) })
}

func TestMergeWithAND(t *testing.T) {
	a := New(5)
	a.DeleteRow(1)
	b := New(5)
	b.DeleteRow(3)

	a.MergeWith(b)
	require.True(t, a.IsDeleted(1))
	require.True(t, a.IsDeleted(3))
	require.False(t, a.IsDeleted(0))
}

func TestApplyToBatch(t *testing.T) {
	v := New(4)
	v.DeleteRow(1)
	v.DeleteRow(3)

	rows := []row.Row{
		row.New(row.Int32(1)),
		row.New(row.Int32(2)),
		row.New(row.Int32(3)),
		row.New(row.Int32(4)),
	}
	kept := v.ApplyToBatch(rows, 0)
	require.Len(t, kept, 2)
	require.Equal(t, int32(1), kept[0].Values[0].I32)
	require.Equal(t, int32(3), kept[1].Values[0].I32)
}

func TestCollectDeletedRowsAscending(t *testing.T) {
	v := New(20)
	v.DeleteRow(15)
	v.DeleteRow(2)
	v.DeleteRow(9)
	require.Equal(t, []uint64{2, 9, 15}, v.CollectDeletedRows())
}

func TestPuffinRoundTrip(t *testing.T) {
	v := New(10)
	v.DeleteRow(2)
	v.DeleteRow(7)

	blob, err := EncodePuffin(v)
	require.NoError(t, err)

	decoded, err := DecodePuffin(blob)
	require.NoError(t, err)
	require.Equal(t, v.MaxRows(), decoded.MaxRows())
	require.Equal(t, v.CollectDeletedRows(), decoded.CollectDeletedRows())
}

func TestEmptyVectorIsEmpty(t *testing.T) {
	v := New(10)
	require.True(t, v.IsEmpty())
	v.DeleteRow(0)
	require.False(t, v.IsEmpty())
}
