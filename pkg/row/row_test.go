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

package row

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleFixed() [FixedLen]byte {
	var b [FixedLen]byte
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestEqualPrefix(t *testing.T) {
	row1 := New(Int32(1), Float32(2.0), String("abc"), Null())
	row2 := New(Int32(1), Float32(2.0), String("abc"))
	row3 := New(Int32(1), Float32(2.0), String("abcd"))
	row4 := New(Int32(1), Float32(2.0), Int32(3))
	row5 := New(Int32(1), Float32(2.0), String("abc"), Null(), Int32(99))
	rowEmpty := New()

	require.True(t, row1.Equal(row2))
	require.True(t, row2.Equal(row1))
	require.True(t, row1.Equal(row1))
	require.False(t, row1.Equal(row3))
	require.False(t, row3.Equal(row1))
	require.False(t, row1.Equal(row4))
	require.False(t, row4.Equal(row1))
	require.True(t, row5.Equal(row1))
	require.True(t, row1.Equal(row5))
	require.True(t, row1.Equal(rowEmpty))
	require.True(t, rowEmpty.Equal(row1))
}

func TestProtoRoundTrip(t *testing.T) {
	fixed := sampleFixed()
	r := New(
		Int32(-7),
		Int64(1<<40),
		Float32(3.5),
		Float64(-2.25),
		Decimal128(0xffffffffffffffff, 0xfffffffffffffffb), // -5 as i128
		Bool(true),
		ByteArray([]byte("hello")),
		FixedLenByteArray(fixed),
		Array(Int32(1), Int32(2), Null()),
		Struct(String("k"), Int64(42)),
		Null(),
	)

	encoded := r.ToProto()
	decoded, err := FromProto(encoded)
	require.NoError(t, err)
	require.Equal(t, len(r.Values), len(decoded.Values))
	for i := range r.Values {
		require.True(t, rawEqual(r.Values[i], decoded.Values[i]), "value %d mismatch: %+v vs %+v", i, r.Values[i], decoded.Values[i])
	}
}

func TestIdentityIntPrimaryKey(t *testing.T) {
	id := IntPrimaryKey(0)
	require.False(t, id.MayCollide())
	r := New(Int64(42), String("payload"))
	key, ok := id.LookupKey(r)
	require.True(t, ok)
	require.Equal(t, uint64(42), key)
	_, extracted := id.ExtractIdentityColumns(r)
	require.False(t, extracted)
}

func TestIdentityKeysCollideAndExtract(t *testing.T) {
	id := Keys(1, 2)
	require.True(t, id.MayCollide())
	r := New(Int32(1), String("a"), Int32(2))
	sub, ok := id.ExtractIdentityColumns(r)
	require.True(t, ok)
	require.Equal(t, 2, len(sub.Values))

	key1, ok := id.LookupKey(r)
	require.True(t, ok)
	r2 := New(Int32(999), String("a"), Int32(2))
	key2, ok := id.LookupKey(r2)
	require.True(t, ok)
	require.Equal(t, key1, key2, "identity key should ignore non-identity columns")
}

func TestIdentityNone(t *testing.T) {
	id := NoIdentity()
	r := New(Int32(1))
	_, ok := id.LookupKey(r)
	require.False(t, ok)
}

func TestSchemaColumnIndex(t *testing.T) {
	s := Schema{Fields: []Field{
		{Name: "id", Kind: KindInt64},
		{Name: "name", Kind: KindByteArray, Nullable: true},
	}}
	require.Equal(t, 0, s.ColumnIndex("id"))
	require.Equal(t, 1, s.ColumnIndex("name"))
	require.Equal(t, -1, s.ColumnIndex("missing"))
	require.Equal(t, 2, s.Len())
}
