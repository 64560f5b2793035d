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

package rpc_test

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/rpc"
)

type fakeHandlers struct {
	tables map[string][]byte
}

func (f *fakeHandlers) ScanTableBegin(ctx context.Context, database, table string, lsn *uint64) (rpc.ScanResult, error) {
	if _, ok := f.tables[database+"."+table]; !ok {
		return rpc.ScanResult{}, fmt.Errorf("no such table")
	}
	return rpc.ScanResult{
		ScanHandle:          "handle-1",
		DataFiles:           []string{"/tmp/a.parquet", "/tmp/b.parquet"},
		PositionalDeletions: [][2]uint32{{0, 3}, {1, 7}},
	}, nil
}

func (f *fakeHandlers) ScanTableEnd(ctx context.Context, database, table, scanHandle string) error {
	if scanHandle != "handle-1" {
		return fmt.Errorf("unknown scan handle %q", scanHandle)
	}
	return nil
}

func (f *fakeHandlers) CreateSnapshot(ctx context.Context, database, table string, lsn *uint64) error {
	return nil
}

func (f *fakeHandlers) CreateTable(ctx context.Context, database, table string, schemaJSON, configJSON []byte) error {
	f.tables[database+"."+table] = schemaJSON
	return nil
}

func (f *fakeHandlers) DropTable(ctx context.Context, database, table string) error {
	delete(f.tables, database+"."+table)
	return nil
}

func (f *fakeHandlers) ListTables(ctx context.Context) ([]string, error) {
	var out []string
	for k := range f.tables {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeHandlers) GetTableSchema(ctx context.Context, database, table string) ([]byte, error) {
	s, ok := f.tables[database+"."+table]
	if !ok {
		return nil, fmt.Errorf("no such table")
	}
	return s, nil
}

func (f *fakeHandlers) OptimizeTable(ctx context.Context, database, table string) error {
	return nil
}

func startServer(t *testing.T, h rpc.Handlers) (*rpc.Client, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := rpc.NewServer(h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)

	client, err := rpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	return client, func() {
		client.Close()
		cancel()
	}
}

func TestCreateAndListTables(t *testing.T) {
	h := &fakeHandlers{tables: make(map[string][]byte)}
	client, stop := startServer(t, h)
	defer stop()

	require.NoError(t, client.CreateTable("db", "orders", []byte(`{"fields":[]}`), []byte(`{}`)))

	tables, err := client.ListTables()
	require.NoError(t, err)
	require.Equal(t, []string{"db.orders"}, tables)

	schema, err := client.GetTableSchema("db", "orders")
	require.NoError(t, err)
	require.Equal(t, `{"fields":[]}`, string(schema))
}

func TestScanTableRoundTrip(t *testing.T) {
	h := &fakeHandlers{tables: map[string][]byte{"db.orders": []byte(`{}`)}}
	client, stop := startServer(t, h)
	defer stop()

	res, err := client.ScanTableBegin("db", "orders", nil)
	require.NoError(t, err)
	require.Equal(t, "handle-1", res.ScanHandle)
	require.Equal(t, []string{"/tmp/a.parquet", "/tmp/b.parquet"}, res.DataFiles)
	require.Equal(t, [][2]uint32{{0, 3}, {1, 7}}, res.PositionalDeletions)

	require.NoError(t, client.ScanTableEnd("db", "orders", "handle-1"))
	require.Error(t, client.ScanTableEnd("db", "orders", "bogus"))
}

func TestDropTableThenScanFails(t *testing.T) {
	h := &fakeHandlers{tables: map[string][]byte{"db.orders": []byte(`{}`)}}
	client, stop := startServer(t, h)
	defer stop()

	require.NoError(t, client.DropTable("db", "orders"))
	_, err := client.ScanTableBegin("db", "orders", nil)
	require.Error(t, err)
}
