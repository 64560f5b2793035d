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

// Package deletion implements the fixed-capacity, per-data-file deletion
// bitmap: BatchDeletionVector. A set bit means the row at that position is
// still alive; a clear bit means it has been deleted. This mirrors the
// "1 = alive" convention of the upstream bit-packed implementation, so
// initializing a vector starts every row alive.
package deletion

import "github.com/mooncake-labs/moonlink/pkg/row"

// BatchDeletionVector is a fixed-capacity bitmap of row liveness for a
// single data file. The zero value is not usable; construct with New.
type BatchDeletionVector struct {
	bits    []byte // nil until the first delete; all-bits-alive otherwise
	maxRows int
}

// New constructs an empty (all rows alive) deletion vector with capacity
// for maxRows rows.
func New(maxRows int) *BatchDeletionVector {
	return &BatchDeletionVector{maxRows: maxRows}
}

// MaxRows returns the fixed capacity passed to New.
func (v *BatchDeletionVector) MaxRows() int { return v.maxRows }

// Clone returns an independent copy of v: mutating the result never
// affects v, used when a published snapshot captures a point-in-time
// deletion vector that must stay immutable while the live table keeps
// recording later deletes against the same data file.
func (v *BatchDeletionVector) Clone() *BatchDeletionVector {
	if v.bits == nil {
		return New(v.maxRows)
	}
	clone := &BatchDeletionVector{maxRows: v.maxRows, bits: append([]byte(nil), v.bits...)}
	return clone
}

// Bytes returns the raw alive-bit bitmap, one bit per row, for
// serialization into a puffin blob. The returned slice is a copy.
func (v *BatchDeletionVector) Bytes() []byte {
	v.init()
	return append([]byte(nil), v.bits...)
}

// FromBytes reconstructs a BatchDeletionVector from a bitmap previously
// returned by Bytes, the inverse used when materializing a puffin blob
// read back from storage.
func FromBytes(maxRows int, bits []byte) *BatchDeletionVector {
	return &BatchDeletionVector{maxRows: maxRows, bits: append([]byte(nil), bits...)}
}

func (v *BatchDeletionVector) init() {
	if v.bits != nil {
		return
	}
	n := v.maxRows/8 + 1
	v.bits = make([]byte, n)
	for i := range v.bits {
		v.bits[i] = 0xFF
	}
	// clear the padding bits beyond maxRows so IsEmpty/collect routines
	// never observe phantom alive rows past the declared capacity.
	for i := v.maxRows; i < n*8; i++ {
		v.bits[i/8] &^= 1 << uint(i%8)
	}
}

func getBit(bits []byte, i int) bool {
	return bits[i/8]&(1<<uint(i%8)) != 0
}

func setBit(bits []byte, i int, alive bool) {
	if alive {
		bits[i/8] |= 1 << uint(i%8)
	} else {
		bits[i/8] &^= 1 << uint(i%8)
	}
}

// DeleteRow marks row i as deleted and returns whether it was previously
// alive. i must be < MaxRows.
func (v *BatchDeletionVector) DeleteRow(i int) (wasAlive bool) {
	v.init()
	wasAlive = getBit(v.bits, i)
	setBit(v.bits, i, false)
	return wasAlive
}

// IsDeleted reports whether row i has been marked deleted. Rows at or
// beyond MaxRows are always reported as not deleted.
func (v *BatchDeletionVector) IsDeleted(i int) bool {
	if v.bits == nil {
		return false
	}
	if i >= v.maxRows {
		return false
	}
	return !getBit(v.bits, i)
}

// IsEmpty reports whether no row has been deleted.
func (v *BatchDeletionVector) IsEmpty() bool {
	if v.bits == nil {
		return true
	}
	return len(v.CollectDeletedRows()) == 0
}

// MergeWith ANDs rhs's alive bits into v. Both vectors must share the
// same MaxRows. If rhs has never had a delete recorded, this is a no-op.
func (v *BatchDeletionVector) MergeWith(rhs *BatchDeletionVector) {
	if v.maxRows != rhs.maxRows {
		panic("deletion: cannot merge vectors with different max rows")
	}
	if rhs.bits == nil {
		return
	}
	v.init()
	for i := range v.bits {
		v.bits[i] &= rhs.bits[i]
	}
}

// ApplyToBatch returns the subset of rows still alive, treating rows[0]
// as occupying position startOffset in the vector's index space.
func (v *BatchDeletionVector) ApplyToBatch(rows []row.Row, startOffset int) []row.Row {
	if v.bits == nil {
		return rows
	}
	end := startOffset + len(rows)
	if end > v.maxRows {
		panic("deletion: batch extends beyond deletion vector capacity")
	}
	out := make([]row.Row, 0, len(rows))
	for i, r := range rows {
		if getBit(v.bits, startOffset+i) {
			out = append(out, r)
		}
	}
	return out
}

// CollectActiveRows returns the indices, in [0, totalRows), of rows that
// are still alive.
func (v *BatchDeletionVector) CollectActiveRows(totalRows int) []int {
	out := make([]int, 0, totalRows)
	for i := 0; i < totalRows; i++ {
		if v.bits == nil || getBit(v.bits, i) {
			out = append(out, i)
		}
	}
	return out
}

// CollectDeletedRows returns deleted row positions in ascending order.
func (v *BatchDeletionVector) CollectDeletedRows() []uint64 {
	if v.bits == nil {
		return nil
	}
	var deleted []uint64
	for byteIdx, b := range v.bits {
		if b == 0xFF {
			continue
		}
		for bitIdx := 0; bitIdx < 8; bitIdx++ {
			rowIdx := byteIdx*8 + bitIdx
			if rowIdx >= v.maxRows {
				break
			}
			if b&(1<<uint(bitIdx)) == 0 {
				deleted = append(deleted, uint64(rowIdx))
			}
		}
	}
	return deleted
}

// NumRowsDeleted returns the count of rows marked deleted.
func (v *BatchDeletionVector) NumRowsDeleted() int {
	return len(v.CollectDeletedRows())
}
