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

package fileindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func containsCandidate(cands []Candidate, seg, row uint32) bool {
	for _, c := range cands {
		if c.SegIdx == seg && c.RowIdx == row {
			return true
		}
	}
	return false
}

func sampleEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = Entry{
			Hash:   uint64(i)*2654435761 + 1,
			SegIdx: uint32(i / 100),
			RowIdx: uint32(i % 100),
		}
	}
	return entries
}

func TestBuildSearchFindsEveryEntry(t *testing.T) {
	entries := sampleEntries(500)
	idx := Build(entries)

	for _, e := range entries {
		cands := idx.Search(e.Hash)
		require.True(t, containsCandidate(cands, e.SegIdx, e.RowIdx), "missing entry for hash %d", e.Hash)
	}
}

func TestSearchUnknownKeyDoesNotPanic(t *testing.T) {
	entries := sampleEntries(50)
	idx := Build(entries)
	require.NotPanics(t, func() { idx.Search(0xDEADBEEFCAFEBABE) })
}

func TestMergeRetainsAllEntries(t *testing.T) {
	a := Build(sampleEntries(100))
	b := Build(sampleEntries(100))

	merged, err := Merge([]*FileIndex{a, b})
	require.NoError(t, err)
	require.Equal(t, a.NumRows+b.NumRows, merged.NumRows)

	for _, e := range sampleEntries(100) {
		cands := merged.Search(e.Hash)
		require.True(t, containsCandidate(cands, e.SegIdx, e.RowIdx))
	}
}

func TestMultipleBlocksWhenLargeEntryCount(t *testing.T) {
	entries := sampleEntries(TargetEntriesPerIndex * 3)
	idx := Build(entries)
	require.Greater(t, len(idx.Blocks), 1)

	for _, e := range entries[:1000] {
		cands := idx.Search(e.Hash)
		require.True(t, containsCandidate(cands, e.SegIdx, e.RowIdx))
	}
}

func TestSplitmix64Deterministic(t *testing.T) {
	require.Equal(t, splitmix64(42), splitmix64(42))
	require.NotEqual(t, splitmix64(42), splitmix64(43))
}
