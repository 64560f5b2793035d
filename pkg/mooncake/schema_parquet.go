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
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/mooncake-labs/moonlink/pkg/row"
)

// parquetSchema translates a row.Schema into the dynamic parquet.Schema
// written to and read from on-disk slices. Row values move through
// generic map[string]any rows (see encodeRow/decodeRow) rather than
// generated Go structs, since the schema is only known at runtime.
func parquetSchema(s row.Schema) *parquet.Schema {
	return parquet.NewSchema("row", fieldsToGroup(s.Fields))
}

func fieldsToGroup(fields []row.Field) parquet.Group {
	g := make(parquet.Group, len(fields))
	for _, f := range fields {
		g[f.Name] = fieldNode(f)
	}
	return g
}

func fieldNode(f row.Field) parquet.Node {
	var n parquet.Node
	switch f.Kind {
	case row.KindInt32:
		n = parquet.Int(32)
	case row.KindInt64:
		n = parquet.Int(64)
	case row.KindFloat32:
		n = parquet.Leaf(parquet.FloatType)
	case row.KindFloat64:
		n = parquet.Leaf(parquet.DoubleType)
	case row.KindBool:
		n = parquet.Leaf(parquet.BooleanType)
	case row.KindByteArray:
		n = parquet.Leaf(parquet.ByteArrayType)
	case row.KindFixedLenByteArray:
		n = parquet.Leaf(parquet.FixedLenByteArrayType(row.FixedLen))
	case row.KindDecimal128:
		// stored as the raw 16-byte two's-complement payload; the
		// decimal interpretation (scale/precision) is a schema-level
		// concern the spec leaves to the caller, not this package.
		n = parquet.Leaf(parquet.FixedLenByteArrayType(16))
	case row.KindArray:
		child := row.Field{Name: "element"}
		if len(f.Children) == 1 {
			child = f.Children[0]
		}
		n = parquet.Repeated(fieldNode(child))
	case row.KindStruct:
		n = fieldsToGroup(f.Children)
	default:
		n = parquet.Leaf(parquet.ByteArrayType)
	}
	if f.Nullable && f.Kind != row.KindArray {
		n = parquet.Optional(n)
	}
	return n
}

// encodeRow converts a row.Row into the map[string]any shape the
// generic Parquet writer expects, in schema field order.
func encodeRow(s row.Schema, r row.Row) (map[string]any, error) {
	if len(r.Values) != len(s.Fields) {
		return nil, fmt.Errorf("mooncake: row has %d values, schema has %d fields", len(r.Values), len(s.Fields))
	}
	m := make(map[string]any, len(s.Fields))
	for i, f := range s.Fields {
		v, err := encodeValue(f, r.Values[i])
		if err != nil {
			return nil, err
		}
		m[f.Name] = v
	}
	return m, nil
}

func encodeValue(f row.Field, v row.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch v.Kind {
	case row.KindInt32:
		return v.I32, nil
	case row.KindInt64:
		return v.I64, nil
	case row.KindFloat32:
		return v.F32, nil
	case row.KindFloat64:
		return v.F64, nil
	case row.KindBool:
		return v.Bool, nil
	case row.KindByteArray:
		return v.Bytes, nil
	case row.KindFixedLenByteArray:
		return v.Bytes, nil
	case row.KindDecimal128:
		b := make([]byte, 16)
		copy(b, v.Decimal[:])
		return b, nil
	case row.KindArray:
		child := row.Field{Name: "element"}
		if len(f.Children) == 1 {
			child = f.Children[0]
		}
		out := make([]any, len(v.Children))
		for i, c := range v.Children {
			ev, err := encodeValue(child, c)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case row.KindStruct:
		m := make(map[string]any, len(f.Children))
		for i, c := range f.Children {
			if i >= len(v.Children) {
				break
			}
			ev, err := encodeValue(c, v.Children[i])
			if err != nil {
				return nil, err
			}
			m[c.Name] = ev
		}
		return m, nil
	default:
		return nil, fmt.Errorf("mooncake: cannot encode value kind %s", v.Kind)
	}
}

// decodeRow is encodeRow's inverse, reconstructing a row.Row from a
// decoded Parquet map[string]any in schema field order.
func decodeRow(s row.Schema, m map[string]any) row.Row {
	values := make([]row.Value, len(s.Fields))
	for i, f := range s.Fields {
		values[i] = decodeValue(f, m[f.Name])
	}
	return row.Row{Values: values}
}

func decodeValue(f row.Field, raw any) row.Value {
	if raw == nil {
		return row.Null()
	}
	switch f.Kind {
	case row.KindInt32:
		return row.Int32(toInt32(raw))
	case row.KindInt64:
		return row.Int64(toInt64(raw))
	case row.KindFloat32:
		return row.Float32(raw.(float32))
	case row.KindFloat64:
		return row.Float64(raw.(float64))
	case row.KindBool:
		return row.Bool(raw.(bool))
	case row.KindByteArray:
		return row.ByteArray(toBytes(raw))
	case row.KindFixedLenByteArray:
		var b [row.FixedLen]byte
		copy(b[:], toBytes(raw))
		return row.FixedLenByteArray(b)
	case row.KindDecimal128:
		buf := toBytes(raw)
		var hi, lo uint64
		for i := 0; i < 8 && i < len(buf); i++ {
			hi = hi<<8 | uint64(buf[i])
		}
		for i := 8; i < 16 && i < len(buf); i++ {
			lo = lo<<8 | uint64(buf[i])
		}
		return row.Decimal128(hi, lo)
	case row.KindArray:
		child := row.Field{Name: "element"}
		if len(f.Children) == 1 {
			child = f.Children[0]
		}
		elems, _ := raw.([]any)
		children := make([]row.Value, len(elems))
		for i, e := range elems {
			children[i] = decodeValue(child, e)
		}
		return row.Value{Kind: row.KindArray, Children: children}
	case row.KindStruct:
		mm, _ := raw.(map[string]any)
		children := make([]row.Value, len(f.Children))
		for i, c := range f.Children {
			children[i] = decodeValue(c, mm[c.Name])
		}
		return row.Value{Kind: row.KindStruct, Children: children}
	default:
		return row.Null()
	}
}

func toInt32(raw any) int32 {
	switch v := raw.(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}

func toInt64(raw any) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func toBytes(raw any) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
