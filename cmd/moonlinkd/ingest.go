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

package main

import (
	"encoding/json"
	"fmt"

	"github.com/mooncake-labs/moonlink/pkg/row"
)

// decodeRows parses an ingest request body into rows conforming to
// schema: the body is a JSON array of rows, each row itself a JSON
// array of per-column values in schema field order. This mirrors the
// positional Row.Values[i]<->Schema.Fields[i] contract pkg/row already
// establishes, rather than inventing a second, name-keyed wire format.
func decodeRows(schema row.Schema, data []byte) ([]row.Row, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ingest: decoding row batch: %w", err)
	}
	rows := make([]row.Row, 0, len(raw))
	for i, r := range raw {
		var cols []json.RawMessage
		if err := json.Unmarshal(r, &cols); err != nil {
			return nil, fmt.Errorf("ingest: row %d is not a JSON array: %w", i, err)
		}
		if len(cols) != len(schema.Fields) {
			return nil, fmt.Errorf("ingest: row %d has %d columns, schema has %d", i, len(cols), len(schema.Fields))
		}
		values := make([]row.Value, len(cols))
		for j, c := range cols {
			v, err := decodeValue(schema.Fields[j], c)
			if err != nil {
				return nil, fmt.Errorf("ingest: row %d column %q: %w", i, schema.Fields[j].Name, err)
			}
			values[j] = v
		}
		rows = append(rows, row.New(values...))
	}
	return rows, nil
}

func decodeValue(field row.Field, raw json.RawMessage) (row.Value, error) {
	if string(raw) == "null" {
		if !field.Nullable {
			return row.Value{}, fmt.Errorf("field is not nullable")
		}
		return row.Null(), nil
	}

	switch field.Kind {
	case row.KindInt32:
		var v int32
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.Int32(v), nil
	case row.KindInt64:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.Int64(v), nil
	case row.KindFloat32:
		var v float32
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.Float32(v), nil
	case row.KindFloat64:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.Float64(v), nil
	case row.KindBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.Bool(v), nil
	case row.KindByteArray:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.String(v), nil
	case row.KindFixedLenByteArray:
		var v []byte
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		if len(v) != row.FixedLen {
			return row.Value{}, fmt.Errorf("fixed_len_byte_array requires exactly %d bytes, got %d", row.FixedLen, len(v))
		}
		var b [row.FixedLen]byte
		copy(b[:], v)
		return row.FixedLenByteArray(b), nil
	case row.KindDecimal128:
		var v struct {
			Hi uint64 `json:"hi"`
			Lo uint64 `json:"lo"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return row.Value{}, err
		}
		return row.Decimal128(v.Hi, v.Lo), nil
	case row.KindArray:
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return row.Value{}, err
		}
		if len(field.Children) != 1 {
			return row.Value{}, fmt.Errorf("array field must declare exactly one child field, has %d", len(field.Children))
		}
		children := make([]row.Value, len(elems))
		for i, e := range elems {
			c, err := decodeValue(field.Children[0], e)
			if err != nil {
				return row.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			children[i] = c
		}
		return row.Array(children...), nil
	case row.KindStruct:
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return row.Value{}, err
		}
		if len(elems) != len(field.Children) {
			return row.Value{}, fmt.Errorf("struct has %d fields, value has %d", len(field.Children), len(elems))
		}
		children := make([]row.Value, len(elems))
		for i, e := range elems {
			c, err := decodeValue(field.Children[i], e)
			if err != nil {
				return row.Value{}, fmt.Errorf("field %q: %w", field.Children[i].Name, err)
			}
			children[i] = c
		}
		return row.Struct(children...), nil
	default:
		return row.Value{}, fmt.Errorf("unsupported field kind %v", field.Kind)
	}
}
