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
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

func float32bitsOf(f float32) uint32  { return math.Float32bits(f) }
func float64bitsOf(f float64) uint64  { return math.Float64bits(f) }
func float32bitsTo(u uint32) float32  { return math.Float32frombits(u) }
func float64bitsTo(u uint64) float64  { return math.Float64frombits(u) }

// field numbers for the wire schema documented in row.proto.
const (
	fieldRowValues = 1 // MoonlinkRow.values

	fieldKindInt32        = 1
	fieldKindInt64        = 2
	fieldKindFloat32      = 3
	fieldKindFloat64      = 4
	fieldKindDecimal128Be = 5
	fieldKindBool         = 6
	fieldKindBytes        = 7
	fieldKindFixedLen     = 8
	fieldKindArray        = 9
	fieldKindStruct       = 10
	fieldKindNull         = 11

	fieldArrayValues  = 1 // Array.values
	fieldStructFields = 1 // Struct.fields
)

// ToProto encodes r as a MoonlinkRow protobuf message.
func (r Row) ToProto() []byte {
	var b []byte
	for i := range r.Values {
		b = protowire.AppendTag(b, fieldRowValues, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeValue(r.Values[i]))
	}
	return b
}

// FromProto decodes a MoonlinkRow protobuf message into a Row.
func FromProto(data []byte) (Row, error) {
	var r Row
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Row{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == fieldRowValues && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Row{}, protowire.ParseError(n)
			}
			data = data[n:]
			v, err := decodeValue(msg)
			if err != nil {
				return Row{}, err
			}
			r.Values = append(r.Values, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Row{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func encodeValue(v Value) []byte {
	var b []byte
	switch v.Kind {
	case KindInt32:
		b = protowire.AppendTag(b, fieldKindInt32, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(v.I32)))
	case KindInt64:
		b = protowire.AppendTag(b, fieldKindInt64, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.I64))
	case KindFloat32:
		b = protowire.AppendTag(b, fieldKindFloat32, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, float32bitsOf(v.F32))
	case KindFloat64:
		b = protowire.AppendTag(b, fieldKindFloat64, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, float64bitsOf(v.F64))
	case KindDecimal128:
		b = protowire.AppendTag(b, fieldKindDecimal128Be, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Decimal[:])
	case KindBool:
		b = protowire.AppendTag(b, fieldKindBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.Bool))
	case KindByteArray:
		b = protowire.AppendTag(b, fieldKindBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Bytes)
	case KindFixedLenByteArray:
		b = protowire.AppendTag(b, fieldKindFixedLen, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Bytes)
	case KindArray:
		var inner []byte
		for i := range v.Children {
			inner = protowire.AppendTag(inner, fieldArrayValues, protowire.BytesType)
			inner = protowire.AppendBytes(inner, encodeValue(v.Children[i]))
		}
		b = protowire.AppendTag(b, fieldKindArray, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindStruct:
		var inner []byte
		for i := range v.Children {
			inner = protowire.AppendTag(inner, fieldStructFields, protowire.BytesType)
			inner = protowire.AppendBytes(inner, encodeValue(v.Children[i]))
		}
		b = protowire.AppendTag(b, fieldKindStruct, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindNull:
		b = protowire.AppendTag(b, fieldKindNull, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	}
	return b
}

func decodeValue(data []byte) (Value, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return Value{}, protowire.ParseError(n)
	}
	rest := data[n:]
	switch {
	case num == fieldKindInt32 && typ == protowire.VarintType:
		x, n := protowire.ConsumeVarint(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return Int32(int32(x)), nil
	case num == fieldKindInt64 && typ == protowire.VarintType:
		x, n := protowire.ConsumeVarint(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return Int64(int64(x)), nil
	case num == fieldKindFloat32 && typ == protowire.Fixed32Type:
		x, n := protowire.ConsumeFixed32(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return Float32(float32bitsTo(x)), nil
	case num == fieldKindFloat64 && typ == protowire.Fixed64Type:
		x, n := protowire.ConsumeFixed64(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return Float64(float64bitsTo(x)), nil
	case num == fieldKindDecimal128Be && typ == protowire.BytesType:
		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		var arr [16]byte
		copyLen := len(raw)
		if copyLen > 16 {
			copyLen = 16
		}
		copy(arr[16-copyLen:], raw[len(raw)-copyLen:])
		return Value{Kind: KindDecimal128, Decimal: arr}, nil
	case num == fieldKindBool && typ == protowire.VarintType:
		x, n := protowire.ConsumeVarint(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return Bool(protowire.DecodeBool(x)), nil
	case num == fieldKindBytes && typ == protowire.BytesType:
		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return ByteArray(append([]byte(nil), raw...)), nil
	case num == fieldKindFixedLen && typ == protowire.BytesType:
		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		if len(raw) != FixedLen {
			return Value{}, fmt.Errorf("row: fixed_len_bytes must be %d bytes, got %d", FixedLen, len(raw))
		}
		var arr [FixedLen]byte
		copy(arr[:], raw)
		return FixedLenByteArray(arr), nil
	case num == fieldKindArray && typ == protowire.BytesType:
		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		children, err := decodeValueList(raw, fieldArrayValues)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindArray, Children: children}, nil
	case num == fieldKindStruct && typ == protowire.BytesType:
		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		children, err := decodeValueList(raw, fieldStructFields)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindStruct, Children: children}, nil
	case num == fieldKindNull && typ == protowire.BytesType:
		_, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("row: unknown RowValue.kind field %d (wire type %d)", num, typ)
	}
}

func decodeValueList(data []byte, wantField protowire.Number) ([]Value, error) {
	var out []Value
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != wantField || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		v, err := decodeValue(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
