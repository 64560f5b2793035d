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

// IdentityKind is the closed set of ways a table can identify a row for
// deletion/update lookup purposes.
type IdentityKind uint8

const (
	// IdentityIntPrimaryKey means a single integer column is a unique,
	// non-colliding primary key: the column's own value (widened to a
	// uint64) is used directly as the fileindex key, with no fallback
	// verification needed since collisions are impossible by construction.
	IdentityIntPrimaryKey IdentityKind = iota
	// IdentityKeys means one or more columns together form the identity;
	// their hash may collide, so a fileindex hit must still be verified
	// against the fetched row with Row.Equal.
	IdentityKeys
	// IdentityFullRow means every column of the row participates in
	// identity; like Keys, hash hits must be verified.
	IdentityFullRow
	// IdentityNone means the table has no identity column at all: rows
	// cannot be deleted or updated by key, only appended.
	IdentityNone
)

// Identity describes how a table resolves a row to its identity key.
// ColumnIndex is meaningful only for IdentityIntPrimaryKey. Columns is
// meaningful only for IdentityKeys.
type Identity struct {
	Kind        IdentityKind
	ColumnIndex int
	Columns     []int
}

// IntPrimaryKey constructs an Identity keyed on a single non-colliding
// integer column.
func IntPrimaryKey(columnIndex int) Identity {
	return Identity{Kind: IdentityIntPrimaryKey, ColumnIndex: columnIndex}
}

// Keys constructs an Identity keyed on the given columns, in order.
func Keys(columns ...int) Identity {
	return Identity{Kind: IdentityKeys, Columns: columns}
}

// FullRow constructs an Identity keyed on every column of the row.
func FullRow() Identity { return Identity{Kind: IdentityFullRow} }

// NoIdentity constructs an Identity for append-only tables with no
// deletion/update key.
func NoIdentity() Identity { return Identity{Kind: IdentityNone} }

// MayCollide reports whether two distinct rows can hash to the same
// identity key, and therefore whether a fileindex candidate must be
// verified against the fetched row before being trusted.
func (id Identity) MayCollide() bool {
	switch id.Kind {
	case IdentityIntPrimaryKey:
		return false
	default:
		return true
	}
}

// ExtractIdentityColumns returns the sub-row that participates in identity
// lookups, and reports whether a lookup key exists at all. For
// IntPrimaryKey, no separate identity row is needed (the key is read
// directly from r.Values[ColumnIndex]); the second value is false.
func (id Identity) ExtractIdentityColumns(r Row) (Row, bool) {
	switch id.Kind {
	case IdentityIntPrimaryKey:
		return Row{}, false
	case IdentityKeys:
		values := make([]Value, len(id.Columns))
		for i, col := range id.Columns {
			values[i] = r.Values[col]
		}
		return Row{Values: values}, true
	case IdentityFullRow:
		return r, true
	default:
		return Row{}, false
	}
}

// LookupKey computes the fileindex key for r under this identity. For
// IntPrimaryKey it reads the designated column directly (exact, no
// collision possible); otherwise it hashes the extracted identity
// sub-row. ok is false only for IdentityNone, where no key exists.
func (id Identity) LookupKey(r Row) (key uint64, ok bool) {
	if id.Kind == IdentityIntPrimaryKey {
		v := r.Values[id.ColumnIndex]
		switch v.Kind {
		case KindInt32:
			return uint64(uint32(v.I32)), true
		case KindInt64:
			return uint64(v.I64), true
		default:
			return 0, false
		}
	}
	sub, ok := id.ExtractIdentityColumns(r)
	if !ok {
		return 0, false
	}
	return sub.IdentityHash(), true
}
