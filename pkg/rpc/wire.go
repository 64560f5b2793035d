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

// Package rpc implements the TCP control surface (spec §6): a
// connection carries a sequence of independent request/response frames,
// each a length-prefixed protobuf-wire-encoded message. Framing follows
// the teacher's tnproto header shape (a fixed magic so a stray
// connection can never be confused for some other protocol), and
// message encoding follows pkg/row's own protowire-based codec rather
// than a generated .pb.go, since neither this module nor its teacher
// vendors a protoc toolchain.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// frameMagic tags every frame header; chosen, like tnproto's
// headerMagic, so the first bytes can never be confused for some other
// wire format the same listener might see.
const frameMagic uint32 = 0x4d4c4e4b // "MLNK"

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix allocating unbounded memory.
const MaxFrameSize = 64 << 20

// writeFrame writes magic + big-endian uint32 length + payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("rpc: frame of %d bytes exceeds MaxFrameSize", len(payload))
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], frameMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame's payload, validating the magic.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != frameMagic {
		return nil, fmt.Errorf("rpc: bad frame magic %x", magic)
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("rpc: frame of %d bytes exceeds MaxFrameSize", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Op identifies the RPC operation a Request carries (spec §6 "RPC/TCP
// surface").
type Op uint8

const (
	OpScanTableBegin Op = iota + 1
	OpScanTableEnd
	OpCreateSnapshot
	OpCreateTable
	OpDropTable
	OpListTables
	OpGetTableSchema
	OpOptimizeTable
)

func (o Op) String() string {
	switch o {
	case OpScanTableBegin:
		return "scan_table_begin"
	case OpScanTableEnd:
		return "scan_table_end"
	case OpCreateSnapshot:
		return "create_snapshot"
	case OpCreateTable:
		return "create_table"
	case OpDropTable:
		return "drop_table"
	case OpListTables:
		return "list_tables"
	case OpGetTableSchema:
		return "get_table_schema"
	case OpOptimizeTable:
		return "optimize_table"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Request is one RPC call. Database/Table address the target table for
// every Op except OpListTables. LSN is meaningful for OpScanTableBegin
// (the requested read LSN, spec §4.8) and OpCreateSnapshot (a force
// LSN, spec §4.9); SchemaJSON/ConfigJSON carry OpCreateTable's payload
// as the metastore's own JSON encoding, reused rather than duplicating
// a second schema wire format.
type Request struct {
	Op       Op
	Database string
	Table    string
	LSN      *uint64
	SchemaJSON []byte
	ConfigJSON []byte
	ScanHandle string
}

// Response is one RPC reply. Err is non-empty on failure; the scan
// fields and TableList/SchemaJSON are populated according to the
// originating Op.
type Response struct {
	Err string

	// ScanTableBegin / ScanTableEnd.
	ScanHandle string
	DataFiles  []string
	PositionalDeletionsFileIdx []uint32
	PositionalDeletionsRowIdx  []uint32
	PuffinDeletionBlobs        []string

	// ListTables.
	TableList []string

	// GetTableSchema.
	SchemaJSON []byte
}

const (
	reqFieldOp         = 1
	reqFieldDatabase   = 2
	reqFieldTable      = 3
	reqFieldLSN        = 4
	reqFieldSchemaJSON = 5
	reqFieldConfigJSON = 6
	reqFieldScanHandle = 7

	respFieldErr        = 1
	respFieldScanHandle = 2
	respFieldDataFiles  = 3
	respFieldDelFileIdx = 4
	respFieldDelRowIdx  = 5
	respFieldPuffin     = 6
	respFieldTableList  = 7
	respFieldSchemaJSON = 8
)

func encodeRequest(r Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, reqFieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	if r.Database != "" {
		b = protowire.AppendTag(b, reqFieldDatabase, protowire.BytesType)
		b = protowire.AppendString(b, r.Database)
	}
	if r.Table != "" {
		b = protowire.AppendTag(b, reqFieldTable, protowire.BytesType)
		b = protowire.AppendString(b, r.Table)
	}
	if r.LSN != nil {
		b = protowire.AppendTag(b, reqFieldLSN, protowire.VarintType)
		b = protowire.AppendVarint(b, *r.LSN)
	}
	if len(r.SchemaJSON) > 0 {
		b = protowire.AppendTag(b, reqFieldSchemaJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, r.SchemaJSON)
	}
	if len(r.ConfigJSON) > 0 {
		b = protowire.AppendTag(b, reqFieldConfigJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ConfigJSON)
	}
	if r.ScanHandle != "" {
		b = protowire.AppendTag(b, reqFieldScanHandle, protowire.BytesType)
		b = protowire.AppendString(b, r.ScanHandle)
	}
	return b
}

func decodeRequest(data []byte) (Request, error) {
	var r Request
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Request{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == reqFieldOp && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			r.Op = Op(x)
			data = data[n:]
		case num == reqFieldDatabase && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			r.Database = s
			data = data[n:]
		case num == reqFieldTable && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			r.Table = s
			data = data[n:]
		case num == reqFieldLSN && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			lsn := x
			r.LSN = &lsn
			data = data[n:]
		case num == reqFieldSchemaJSON && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			r.SchemaJSON = append([]byte(nil), raw...)
			data = data[n:]
		case num == reqFieldConfigJSON && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			r.ConfigJSON = append([]byte(nil), raw...)
			data = data[n:]
		case num == reqFieldScanHandle && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			r.ScanHandle = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Request{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func encodeResponse(r Response) []byte {
	var b []byte
	if r.Err != "" {
		b = protowire.AppendTag(b, respFieldErr, protowire.BytesType)
		b = protowire.AppendString(b, r.Err)
	}
	if r.ScanHandle != "" {
		b = protowire.AppendTag(b, respFieldScanHandle, protowire.BytesType)
		b = protowire.AppendString(b, r.ScanHandle)
	}
	for _, f := range r.DataFiles {
		b = protowire.AppendTag(b, respFieldDataFiles, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	for _, idx := range r.PositionalDeletionsFileIdx {
		b = protowire.AppendTag(b, respFieldDelFileIdx, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(idx))
	}
	for _, idx := range r.PositionalDeletionsRowIdx {
		b = protowire.AppendTag(b, respFieldDelRowIdx, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(idx))
	}
	for _, p := range r.PuffinDeletionBlobs {
		b = protowire.AppendTag(b, respFieldPuffin, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	for _, t := range r.TableList {
		b = protowire.AppendTag(b, respFieldTableList, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	if len(r.SchemaJSON) > 0 {
		b = protowire.AppendTag(b, respFieldSchemaJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, r.SchemaJSON)
	}
	return b
}

func decodeResponse(data []byte) (Response, error) {
	var r Response
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Response{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == respFieldErr && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.Err = s
			data = data[n:]
		case num == respFieldScanHandle && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.ScanHandle = s
			data = data[n:]
		case num == respFieldDataFiles && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.DataFiles = append(r.DataFiles, s)
			data = data[n:]
		case num == respFieldDelFileIdx && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.PositionalDeletionsFileIdx = append(r.PositionalDeletionsFileIdx, uint32(x))
			data = data[n:]
		case num == respFieldDelRowIdx && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.PositionalDeletionsRowIdx = append(r.PositionalDeletionsRowIdx, uint32(x))
			data = data[n:]
		case num == respFieldPuffin && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.PuffinDeletionBlobs = append(r.PuffinDeletionBlobs, s)
			data = data[n:]
		case num == respFieldTableList && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.TableList = append(r.TableList, s)
			data = data[n:]
		case num == respFieldSchemaJSON && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.SchemaJSON = append([]byte(nil), raw...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}
