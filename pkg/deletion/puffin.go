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
	"encoding/binary"
	"fmt"

	"github.com/mooncake-labs/moonlink/compr"
)

// puffin magic bytes, matching the Apache Iceberg puffin file-format
// footer magic (0x50, 0x46, 0x41, 0x31 = "PFA1"). This package only ever
// writes a single deletion-vector blob per file, so the footer is
// minimal: no blob index beyond what's needed to locate the one payload.
var puffinMagic = [4]byte{'P', 'F', 'A', '1'}

// blobTypeDV is the puffin blob type this package writes, matching
// Iceberg's "deletion-vector-v1" blob convention in spirit: a zstd
// compressed bitmap plus its logical row count.
const blobTypeDV = "deletion-vector-v1"

// EncodePuffin serializes v into a single-blob puffin-framed byte string:
// magic, {num_rows, compressed_len}, a zstd-compressed bitmap, magic.
func EncodePuffin(v *BatchDeletionVector) ([]byte, error) {
	v.init()
	compressed := compr.Compression("zstd").Compress(v.bits, nil)

	var out []byte
	out = append(out, puffinMagic[:]...)
	var header [16]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(v.maxRows))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(compressed)))
	out = append(out, header[:]...)
	out = append(out, compressed...)
	out = append(out, puffinMagic[:]...)
	return out, nil
}

// DecodePuffin parses a blob written by EncodePuffin back into a
// BatchDeletionVector.
func DecodePuffin(data []byte) (*BatchDeletionVector, error) {
	const headerLen = 4 + 16 + 4
	if len(data) < headerLen {
		return nil, fmt.Errorf("deletion: puffin blob too short (%d bytes)", len(data))
	}
	if [4]byte(data[:4]) != puffinMagic {
		return nil, fmt.Errorf("deletion: puffin blob missing leading magic")
	}
	if [4]byte(data[len(data)-4:]) != puffinMagic {
		return nil, fmt.Errorf("deletion: puffin blob missing trailing magic")
	}
	maxRows := int(binary.LittleEndian.Uint64(data[4:12]))
	compressedLen := int(binary.LittleEndian.Uint64(data[12:20]))
	body := data[20 : len(data)-4]
	if len(body) != compressedLen {
		return nil, fmt.Errorf("deletion: puffin blob length mismatch: header says %d, body is %d", compressedLen, len(body))
	}

	bits := make([]byte, maxRows/8+1)
	decoded, err := compr.DecodeZstd(body, bits[:0])
	if err != nil {
		return nil, fmt.Errorf("deletion: decompressing puffin blob: %w", err)
	}
	return &BatchDeletionVector{bits: decoded, maxRows: maxRows}, nil
}
