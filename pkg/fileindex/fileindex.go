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

// Package fileindex implements the compact hash-map index from row
// identity to (segment, row-offset): a splitmix64-hashed, bucketed,
// bit-packed lookup structure built once per flush/compaction and merged
// by concatenation-and-rebuild rather than in-place mutation.
package fileindex

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	segIDBits = 16
	rowIDBits = 32

	// TargetBlockSize is the approximate on-disk size, in bytes, an
	// index block file is kept under.
	TargetBlockSize = 16 * 1024 * 1024
	// TargetEntriesPerIndex is the approximate number of entries each
	// index block should hold before a new block is started.
	TargetEntriesPerIndex = 4000
)

// Entry is one (row-identity-hash, segment-index, row-offset) triple fed
// into Build. Hash is the raw identity hash (e.g. row.Row.IdentityHash);
// Build applies splitmix64 itself.
type Entry struct {
	Hash   uint64
	SegIdx uint32
	RowIdx uint32
}

type packedEntry struct {
	hash   uint64 // splitmix64(Hash)
	segIdx uint32
	rowIdx uint32
}

// Candidate is a lookup result: the stored lower-hash bits alongside the
// segment and row position they point to. Callers must still fetch the
// row at (SegIdx, RowIdx) and verify identity, since bucket hits may be
// false positives for colliding identity kinds.
type Candidate struct {
	LowerHash uint64
	SegIdx    uint32
	RowIdx    uint32
}

// Block is one contiguous bucket range of the index, self-contained and
// independently (de)serializable as a single index block file.
type Block struct {
	BucketStart uint32
	BucketEnd   uint32 // exclusive
	Data        []byte
}

// FileIndex is the full hash index over a set of data file segments,
// potentially spanning multiple Blocks.
type FileIndex struct {
	NumRows    uint32
	UpperBits  uint32 // log2(num buckets)
	LowerBits  uint32 // 64 - UpperBits
	SegIDBits  uint32
	RowIDBits  uint32
	NumBuckets uint32
	Blocks     []Block
}

func entryBitWidth(fi *FileIndex) uint {
	return uint(fi.LowerBits + fi.SegIDBits + fi.RowIDBits)
}

// Build sorts entries by splitmix64-transformed hash, assigns them to
// buckets, and bit-packs them into one or more Blocks.
func Build(entries []Entry) *FileIndex {
	packed := make([]packedEntry, len(entries))
	for i, e := range entries {
		packed[i] = packedEntry{hash: splitmix64(e.Hash), segIdx: e.SegIdx, rowIdx: e.RowIdx}
	}
	return buildFromPacked(packed)
}

// buildFromHashed builds an index from entries whose Hash field is
// already the splitmix64-transformed value (used by Merge, which
// recovers already-hashed keys from existing blocks and must not hash
// them a second time).
func buildFromHashed(entries []Entry) *FileIndex {
	packed := make([]packedEntry, len(entries))
	for i, e := range entries {
		packed[i] = packedEntry{hash: e.Hash, segIdx: e.SegIdx, rowIdx: e.RowIdx}
	}
	return buildFromPacked(packed)
}

func buildFromPacked(packed []packedEntry) *FileIndex {
	n := uint32(len(packed))
	sort.Slice(packed, func(i, j int) bool { return packed[i].hash < packed[j].hash })

	numBuckets := nextPowerOfTwo((n + 3) / 4)
	if numBuckets == 0 {
		numBuckets = 1
	}
	upperBits := log2(numBuckets)
	lowerBits := uint32(64) - upperBits

	fi := &FileIndex{
		NumRows:    n,
		UpperBits:  upperBits,
		LowerBits:  lowerBits,
		SegIDBits:  segIDBits,
		RowIDBits:  rowIDBits,
		NumBuckets: numBuckets,
	}

	// offsets[i] = index of the first entry whose upper bits are >= i
	// (the number of entries in buckets below i).
	offsets := make([]uint32, numBuckets+1)
	bucketIdx := uint32(0)
	for i, e := range packed {
		b := uint32(e.hash >> lowerBits)
		for bucketIdx < b {
			bucketIdx++
			offsets[bucketIdx] = uint32(i)
		}
	}
	for bucketIdx < numBuckets {
		bucketIdx++
		offsets[bucketIdx] = n
	}
	offsets[numBuckets] = n

	fi.Blocks = buildBlocks(fi, offsets, packed)
	return fi
}

// buildBlocks splits the full bucket range into one or more Blocks, each
// holding roughly TargetEntriesPerIndex entries, and bit-packs each one.
func buildBlocks(fi *FileIndex, offsets []uint32, packed []packedEntry) []Block {
	numBuckets := fi.NumBuckets
	var blocks []Block
	start := uint32(0)
	for start < numBuckets {
		end := start
		startEntry := offsets[start]
		for end < numBuckets && offsets[end+1]-startEntry < TargetEntriesPerIndex {
			end++
		}
		if end == start {
			end = start + 1
		}
		blocks = append(blocks, packBlock(fi, offsets, packed, start, end))
		start = end
	}
	if len(blocks) == 0 {
		blocks = append(blocks, packBlock(fi, offsets, packed, 0, numBuckets))
	}
	return blocks
}

func packBlock(fi *FileIndex, offsets []uint32, packed []packedEntry, bucketStart, bucketEnd uint32) Block {
	localBucketCount := bucketEnd - bucketStart + 1
	entryStart := offsets[bucketStart]
	entryEnd := offsets[bucketEnd]

	var w bitWriter
	// bucket offsets are stored as plain fixed-width 32-bit big-endian
	// values relative to entryStart, not bit-packed: they're read far
	// more often than entries and a fixed width avoids an extra bit-scan
	// just to locate a bucket's entry range.
	bucketHeader := make([]byte, 0, localBucketCount*4)
	for i := bucketStart; i <= bucketEnd; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], offsets[i]-entryStart)
		bucketHeader = append(bucketHeader, b[:]...)
	}

	lowerMask := uint64(1)<<fi.LowerBits - 1
	for _, e := range packed[entryStart:entryEnd] {
		w.writeBits(e.hash&lowerMask, uint(fi.LowerBits))
		w.writeBits(uint64(e.segIdx), uint(fi.SegIDBits))
		w.writeBits(uint64(e.rowIdx), uint(fi.RowIDBits))
	}

	data := append(bucketHeader, w.bytes()...)
	return Block{BucketStart: bucketStart, BucketEnd: bucketEnd, Data: data}
}

// Search returns every candidate in the index whose stored lower-hash
// bits match key's splitmix64-transformed lower bits.
func (fi *FileIndex) Search(key uint64) []Candidate {
	h := splitmix64(key)
	lowerMask := uint64(1)<<fi.LowerBits - 1
	lowerHash := h & lowerMask
	bucketIdx := uint32(h >> fi.LowerBits)

	for _, blk := range fi.Blocks {
		if bucketIdx < blk.BucketStart || bucketIdx >= blk.BucketEnd {
			continue
		}
		return blk.search(fi, lowerHash, bucketIdx)
	}
	return nil
}

func (blk *Block) search(fi *FileIndex, lowerHash uint64, bucketIdx uint32) []Candidate {
	localBucketCount := blk.BucketEnd - blk.BucketStart + 1
	headerLen := int(localBucketCount) * 4
	local := bucketIdx - blk.BucketStart

	start := binary.BigEndian.Uint32(blk.Data[local*4 : local*4+4])
	end := binary.BigEndian.Uint32(blk.Data[(local+1)*4 : (local+1)*4+4])
	if start == end {
		return nil
	}

	r := &bitReader{buf: blk.Data[headerLen:]}
	entryWidth := entryBitWidth(fi)
	r.skipBits(uint64(start) * uint64(entryWidth))

	var out []Candidate
	for i := start; i < end; i++ {
		h := r.readBits(uint(fi.LowerBits))
		seg := uint32(r.readBits(segIDBits))
		row := uint32(r.readBits(rowIDBits))
		if h == lowerHash {
			out = append(out, Candidate{LowerHash: h, SegIdx: seg, RowIdx: row})
		}
	}
	return out
}

// Merge concatenates the entry streams of every index in indices and
// rebuilds a single new index. The caller is responsible for scheduling
// the old blocks for deletion once the new index is installed.
func Merge(indices []*FileIndex) (*FileIndex, error) {
	var all []Entry
	for _, idx := range indices {
		for _, blk := range idx.Blocks {
			entries, err := decodeBlockEntries(idx, blk)
			if err != nil {
				return nil, fmt.Errorf("fileindex: merge: %w", err)
			}
			all = append(all, entries...)
		}
	}
	return buildFromHashed(all), nil
}

// decodeBlockEntries reverses packBlock, recovering the original
// (splitmix64-transformed hash's lower bits, seg, row) triples. Since the
// upper hash bits aren't stored, the recovered Entry.Hash carries only
// the already-hashed lower bits augmented with the bucket's upper bits
// (sufficient to rebuild an index with an identical bucket assignment,
// which is all Merge needs).
func decodeBlockEntries(fi *FileIndex, blk Block) ([]Entry, error) {
	localBucketCount := blk.BucketEnd - blk.BucketStart + 1
	headerLen := int(localBucketCount) * 4
	if len(blk.Data) < headerLen {
		return nil, fmt.Errorf("truncated block header")
	}
	r := &bitReader{buf: blk.Data[headerLen:]}
	entryWidth := entryBitWidth(fi)

	var out []Entry
	for bucket := blk.BucketStart; bucket < blk.BucketEnd; bucket++ {
		local := bucket - blk.BucketStart
		start := binary.BigEndian.Uint32(blk.Data[local*4 : local*4+4])
		end := binary.BigEndian.Uint32(blk.Data[(local+1)*4 : (local+1)*4+4])
		want := uint64(start) * uint64(entryWidth)
		if r.bitCount != want {
			// bucket with no entries: reposition explicitly rather
			// than assuming contiguous reads, since empty buckets
			// don't advance the reader on their own.
			r.bitCount = want
		}
		for i := start; i < end; i++ {
			lower := r.readBits(uint(fi.LowerBits))
			seg := uint32(r.readBits(segIDBits))
			row := uint32(r.readBits(rowIDBits))
			fullHash := (uint64(bucket) << fi.LowerBits) | lower
			out = append(out, Entry{Hash: fullHash, SegIdx: seg, RowIdx: row})
		}
	}
	return out, nil
}
