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

package rpc

import (
	"context"
	"net"
	"sync"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Handlers is the capability surface a Server dispatches requests
// against; cmd/moonlinkd implements it over its
// metastore/handler/readstate wiring. Every method's (database, table)
// pair names the target except ListTables.
type Handlers interface {
	ScanTableBegin(ctx context.Context, database, table string, lsn *uint64) (ScanResult, error)
	ScanTableEnd(ctx context.Context, database, table, scanHandle string) error
	CreateSnapshot(ctx context.Context, database, table string, lsn *uint64) error
	CreateTable(ctx context.Context, database, table string, schemaJSON, configJSON []byte) error
	DropTable(ctx context.Context, database, table string) error
	ListTables(ctx context.Context) ([]string, error)
	GetTableSchema(ctx context.Context, database, table string) ([]byte, error)
	OptimizeTable(ctx context.Context, database, table string) error
}

// ScanResult is the data a ScanTableBegin call hands back to the
// caller, matching pkg/readstate.ReadState's public fields without
// importing pkg/readstate directly (this package only knows about the
// wire shape, not the cache-pin lifecycle behind it; the Handlers
// implementation owns translating one into the other and is
// responsible for eventually calling ScanTableEnd to release it).
type ScanResult struct {
	ScanHandle          string
	DataFiles           []string
	PositionalDeletions [][2]uint32 // [file_idx, row_idx]
	PuffinDeletionBlobs []string
}

// Server accepts connections and serves Request/Response frames against
// Handlers, one frame pair at a time per connection (spec §6 "RPC/TCP
// surface"), mirroring the teacher's tenant proxy accept loop shape
// (tenant/tnproto.Serve) without its tenant-isolation machinery.
type Server struct {
	Handlers Handlers
	Logger   Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer constructs a Server dispatching to h.
func NewServer(h Handlers, logger Logger) *Server {
	return &Server{Handlers: h, Logger: logger}
}

func (s *Server) logf(f string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(f, args...)
	}
}

// Serve accepts connections on ln until ctx is canceled or Accept
// fails. Each connection is served in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := readFrame(conn)
		if err != nil {
			return
		}
		req, err := decodeRequest(payload)
		if err != nil {
			s.logf("rpc: decoding request: %v", err)
			return
		}
		resp := s.dispatch(ctx, req)
		if err := writeFrame(conn, encodeResponse(resp)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpScanTableBegin:
		res, err := s.Handlers.ScanTableBegin(ctx, req.Database, req.Table, req.LSN)
		if err != nil {
			return Response{Err: err.Error()}
		}
		resp := Response{ScanHandle: res.ScanHandle, DataFiles: res.DataFiles, PuffinDeletionBlobs: res.PuffinDeletionBlobs}
		for _, d := range res.PositionalDeletions {
			resp.PositionalDeletionsFileIdx = append(resp.PositionalDeletionsFileIdx, d[0])
			resp.PositionalDeletionsRowIdx = append(resp.PositionalDeletionsRowIdx, d[1])
		}
		return resp

	case OpScanTableEnd:
		if err := s.Handlers.ScanTableEnd(ctx, req.Database, req.Table, req.ScanHandle); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}

	case OpCreateSnapshot:
		if err := s.Handlers.CreateSnapshot(ctx, req.Database, req.Table, req.LSN); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}

	case OpCreateTable:
		if err := s.Handlers.CreateTable(ctx, req.Database, req.Table, req.SchemaJSON, req.ConfigJSON); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}

	case OpDropTable:
		if err := s.Handlers.DropTable(ctx, req.Database, req.Table); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}

	case OpListTables:
		tables, err := s.Handlers.ListTables(ctx)
		if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{TableList: tables}

	case OpGetTableSchema:
		schema, err := s.Handlers.GetTableSchema(ctx, req.Database, req.Table)
		if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{SchemaJSON: schema}

	case OpOptimizeTable:
		if err := s.Handlers.OptimizeTable(ctx, req.Database, req.Table); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}

	default:
		return Response{Err: "rpc: unknown op"}
	}
}
