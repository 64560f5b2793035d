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

// Package row defines the closed set of row value types that move through
// the ingestion pipeline, the schema that rows conform to, and the
// identity property used to resolve a row to its deletion-vector/file-index
// lookup key.
package row

import "fmt"

// Kind enumerates the closed set of value types a Value may hold. The set
// mirrors the Parquet/Arrow primitive set; Null is a distinct Kind, not
// the absence of one.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal128
	KindBool
	KindByteArray
	KindFixedLenByteArray
	KindArray
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindDecimal128:
		return "decimal128"
	case KindBool:
		return "bool"
	case KindByteArray:
		return "byte_array"
	case KindFixedLenByteArray:
		return "fixed_len_byte_array(16)"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// FixedLen is the fixed width, in bytes, of a FixedLenByteArray value
// (used for UUIDs and certain wide numeric encodings).
const FixedLen = 16

// Value is a single typed value from the closed RowValue set. Exactly one
// of the typed fields is meaningful, as determined by Kind. Array and
// Struct values carry their children directly in Children.
type Value struct {
	Kind Kind

	I32  int32
	I64  int64
	F32  float32
	F64  float64
	// Decimal holds a 128-bit decimal in two's-complement form, high bits
	// in Decimal[0], matching the big-endian on-wire encoding used by
	// ToProto/FromProto.
	Decimal  [16]byte
	Bool     bool
	Bytes    []byte // ByteArray (binary or UTF-8, per schema) and FixedLenByteArray(16)
	Children []Value
}

// Null returns the distinguished null value.
func Null() Value { return Value{Kind: KindNull} }

// Int32 constructs an Int32 value.
func Int32(v int32) Value { return Value{Kind: KindInt32, I32: v} }

// Int64 constructs an Int64 value.
func Int64(v int64) Value { return Value{Kind: KindInt64, I64: v} }

// Float32 constructs a Float32 value.
func Float32(v float32) Value { return Value{Kind: KindFloat32, F32: v} }

// Float64 constructs a Float64 value.
func Float64(v float64) Value { return Value{Kind: KindFloat64, F64: v} }

// Bool constructs a Bool value.
func Bool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// ByteArray constructs a ByteArray value from a binary or UTF-8 payload;
// the schema for the containing column determines which.
func ByteArray(b []byte) Value { return Value{Kind: KindByteArray, Bytes: b} }

// String is a convenience constructor for a UTF-8 ByteArray value.
func String(s string) Value { return ByteArray([]byte(s)) }

// FixedLenByteArray constructs a 16-byte fixed length value (e.g. a UUID).
func FixedLenByteArray(b [FixedLen]byte) Value {
	return Value{Kind: KindFixedLenByteArray, Bytes: append([]byte(nil), b[:]...)}
}

// Array constructs an Array value from its child values.
func Array(children ...Value) Value { return Value{Kind: KindArray, Children: children} }

// Struct constructs a Struct value from its field values, in field order.
func Struct(fields ...Value) Value { return Value{Kind: KindStruct, Children: fields} }

// Decimal128 constructs a Decimal value from a two's-complement signed
// 128-bit big integer represented as high:low 64-bit words.
func Decimal128(hi, lo uint64) Value {
	var v Value
	v.Kind = KindDecimal128
	for i := 0; i < 8; i++ {
		v.Decimal[i] = byte(hi >> (56 - 8*i))
	}
	for i := 0; i < 8; i++ {
		v.Decimal[8+i] = byte(lo >> (56 - 8*i))
	}
	return v
}

// IsNull reports whether v is the Null variant.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// rawEqual compares two values of possibly-differing Kind for exact
// equality, without any type coercion. Array/Struct compare children
// element-wise (no prefix semantics at this level; prefix semantics are
// a Row-level concept, see Row.Equal).
func rawEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindInt32:
		return a.I32 == b.I32
	case KindInt64:
		return a.I64 == b.I64
	case KindFloat32:
		return a.F32 == b.F32
	case KindFloat64:
		return a.F64 == b.F64
	case KindDecimal128:
		return a.Decimal == b.Decimal
	case KindBool:
		return a.Bool == b.Bool
	case KindByteArray, KindFixedLenByteArray:
		if len(a.Bytes) != len(b.Bytes) {
			return false
		}
		for i := range a.Bytes {
			if a.Bytes[i] != b.Bytes[i] {
				return false
			}
		}
		return true
	case KindArray, KindStruct:
		if len(a.Children) != len(b.Children) {
			return false
		}
		for i := range a.Children {
			if !rawEqual(a.Children[i], b.Children[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
