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

package mooncake

import (
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/mooncake-labs/moonlink/pkg/merrors"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// writeParquetFile writes rows to a fresh local Parquet file at path,
// returning the file's size on disk. Flush produces these files locally;
// the iceberg persistence manager uploads them to the warehouse later.
func writeParquetFile(path string, schema row.Schema, rows []row.Row) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, merrors.Wrap(merrors.KindIo, "mooncake: creating data file "+path, err)
	}

	pschema := parquetSchema(schema)
	w := parquet.NewGenericWriter[map[string]any](f, pschema)

	encoded := make([]map[string]any, len(rows))
	for i, r := range rows {
		m, err := encodeRow(schema, r)
		if err != nil {
			f.Close()
			os.Remove(path)
			return 0, merrors.Wrap(merrors.KindParquet, "mooncake: encoding row", err)
		}
		encoded[i] = m
	}

	if _, err := w.Write(encoded); err != nil {
		f.Close()
		os.Remove(path)
		return 0, merrors.Wrap(merrors.KindParquet, "mooncake: writing data file "+path, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, merrors.Wrap(merrors.KindParquet, "mooncake: closing parquet writer for "+path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, merrors.Wrap(merrors.KindIo, "mooncake: stat "+path, err)
	}
	size := info.Size()
	if err := f.Close(); err != nil {
		return 0, merrors.Wrap(merrors.KindIo, "mooncake: closing "+path, err)
	}
	return size, nil
}

// ReadParquetRows reads every row out of an arbitrary local Parquet file
// against schema, for callers outside this package that need to decode
// rows without going through a Table (cmd/moonlinkd's bulk-upload
// endpoint, spec §6 "POST /upload").
func ReadParquetRows(path string, schema row.Schema) ([]row.Row, error) {
	return readParquetFile(path, schema)
}

// readParquetFile reads every row back out of a local Parquet data file
// written by writeParquetFile, in on-disk row order (the row-offset
// space that deletion vectors and file indices are keyed against).
func readParquetFile(path string, schema row.Schema) ([]row.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindIo, "mooncake: opening data file "+path, err)
	}
	defer f.Close()

	pschema := parquetSchema(schema)
	r := parquet.NewGenericReader[map[string]any](f, pschema)
	defer r.Close()

	rows := make([]row.Row, 0, r.NumRows())
	buf := make([]map[string]any, 256)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			rows = append(rows, decodeRow(schema, buf[i]))
		}
		if err != nil {
			break
		}
	}
	return rows, nil
}
