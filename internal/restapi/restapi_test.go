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

package restapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/internal/restapi"
)

type fakeService struct {
	tables map[string]bool
	rows   [][]byte
}

func (f *fakeService) CreateTable(ctx context.Context, database, table string, schemaJSON, configJSON []byte) error {
	f.tables[database+"."+table] = true
	return nil
}

func (f *fakeService) DropTable(ctx context.Context, database, table string) error {
	delete(f.tables, database+"."+table)
	return nil
}

func (f *fakeService) ListTables(ctx context.Context) ([]string, error) {
	var out []string
	for k := range f.tables {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeService) Ingest(ctx context.Context, database, table string, rowsJSON []byte) error {
	f.rows = append(f.rows, rowsJSON)
	return nil
}

func (f *fakeService) Upload(ctx context.Context, database, table, filename string, data []byte) error {
	return nil
}

func (f *fakeService) CreateSnapshot(ctx context.Context, database, table string, lsn *uint64) error {
	return nil
}

func (f *fakeService) OptimizeTable(ctx context.Context, database, table string) error {
	return nil
}

func TestTableLifecycle(t *testing.T) {
	svc := &fakeService{tables: make(map[string]bool)}
	h := restapi.New(svc, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body, _ := json.Marshal(map[string]json.RawMessage{
		"schema": json.RawMessage(`{"fields":[]}`),
		"config": json.RawMessage(`{}`),
	})
	resp, err := http.Post(srv.URL+"/tables/db.orders", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tables")
	require.NoError(t, err)
	var tables []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tables))
	require.Equal(t, []string{"db.orders"}, tables)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tables/db.orders", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestIngestAndSnapshot(t *testing.T) {
	svc := &fakeService{tables: map[string]bool{"db.orders": true}}
	h := restapi.New(svc, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/ingest/db.orders", "application/json", bytes.NewReader([]byte(`{"id":1}`)))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, svc.rows, 1)

	resp, err = http.Post(srv.URL+"/tables/db.orders/snapshot?lsn=42", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	svc := &fakeService{tables: make(map[string]bool)}
	h := restapi.New(svc, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
