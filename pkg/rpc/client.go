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
	"errors"
	"fmt"
	"net"
	"sync"
)

// Client is a connection to a Server, serializing requests one at a
// time (the wire protocol has no request id to demultiplex concurrent
// calls on one connection, matching tnproto's single-outstanding-
// request-per-connection convention); callers wanting concurrency
// should open multiple Clients.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial opens a new Client against addr.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, encodeRequest(req)); err != nil {
		return Response{}, err
	}
	payload, err := readFrame(c.conn)
	if err != nil {
		return Response{}, err
	}
	resp, err := decodeResponse(payload)
	if err != nil {
		return Response{}, err
	}
	if resp.Err != "" {
		return Response{}, errors.New(resp.Err)
	}
	return resp, nil
}

// ScanTableBegin requests a read-state for (database, table), optionally
// at a minimum LSN.
func (c *Client) ScanTableBegin(database, table string, lsn *uint64) (ScanResult, error) {
	resp, err := c.call(Request{Op: OpScanTableBegin, Database: database, Table: table, LSN: lsn})
	if err != nil {
		return ScanResult{}, err
	}
	res := ScanResult{ScanHandle: resp.ScanHandle, DataFiles: resp.DataFiles, PuffinDeletionBlobs: resp.PuffinDeletionBlobs}
	if len(resp.PositionalDeletionsFileIdx) != len(resp.PositionalDeletionsRowIdx) {
		return ScanResult{}, fmt.Errorf("rpc: malformed response: mismatched positional-deletion arrays")
	}
	for i := range resp.PositionalDeletionsFileIdx {
		res.PositionalDeletions = append(res.PositionalDeletions, [2]uint32{resp.PositionalDeletionsFileIdx[i], resp.PositionalDeletionsRowIdx[i]})
	}
	return res, nil
}

// ScanTableEnd releases a previously obtained scan handle.
func (c *Client) ScanTableEnd(database, table, scanHandle string) error {
	_, err := c.call(Request{Op: OpScanTableEnd, Database: database, Table: table, ScanHandle: scanHandle})
	return err
}

// CreateSnapshot requests a force-snapshot at lsn (nil means "the latest
// commit").
func (c *Client) CreateSnapshot(database, table string, lsn *uint64) error {
	_, err := c.call(Request{Op: OpCreateSnapshot, Database: database, Table: table, LSN: lsn})
	return err
}

// CreateTable registers a new table with the given schema/config
// documents (the same JSON shapes pkg/metastore.Entry persists).
func (c *Client) CreateTable(database, table string, schemaJSON, configJSON []byte) error {
	_, err := c.call(Request{Op: OpCreateTable, Database: database, Table: table, SchemaJSON: schemaJSON, ConfigJSON: configJSON})
	return err
}

// DropTable requests a table's removal.
func (c *Client) DropTable(database, table string) error {
	_, err := c.call(Request{Op: OpDropTable, Database: database, Table: table})
	return err
}

// ListTables returns every registered "database.table" identifier.
func (c *Client) ListTables() ([]string, error) {
	resp, err := c.call(Request{Op: OpListTables})
	if err != nil {
		return nil, err
	}
	return resp.TableList, nil
}

// GetTableSchema returns a table's schema document.
func (c *Client) GetTableSchema(database, table string) ([]byte, error) {
	resp, err := c.call(Request{Op: OpGetTableSchema, Database: database, Table: table})
	if err != nil {
		return nil, err
	}
	return resp.SchemaJSON, nil
}

// OptimizeTable requests an immediate compaction/index-merge pass.
func (c *Client) OptimizeTable(database, table string) error {
	_, err := c.call(Request{Op: OpOptimizeTable, Database: database, Table: table})
	return err
}
