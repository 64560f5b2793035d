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

// Package restapi implements the HTTP control-plane surface (spec §6):
// table lifecycle, row ingestion, file uploads, and maintenance
// triggers, routed with gorilla/mux the way the teacher's elasticproxy
// routes its index-scoped endpoints.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Service is the capability surface the REST handlers are built from.
// cmd/moonlinkd implements this directly over its local
// metastore/handler/readstate wiring, so the HTTP surface never
// round-trips through pkg/rpc even when it happens to share its
// Handlers-shaped methods; pkg/rpc's Client reaches the methods shared
// with rpc.Handlers over TCP, while Ingest and Upload have no RPC
// counterpart.
type Service interface {
	CreateTable(ctx context.Context, database, table string, schemaJSON, configJSON []byte) error
	DropTable(ctx context.Context, database, table string) error
	ListTables(ctx context.Context) ([]string, error)
	Ingest(ctx context.Context, database, table string, rowsJSON []byte) error
	Upload(ctx context.Context, database, table, filename string, data []byte) error
	CreateSnapshot(ctx context.Context, database, table string, lsn *uint64) error
	OptimizeTable(ctx context.Context, database, table string) error
}

// New builds the router for Service, matching the path surface of spec
// §6 exactly (paths of the form "/tables/{db}.{table}", the database and
// table split internally).
func New(svc Service, logger Logger) http.Handler {
	s := &server{svc: svc, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/tables", s.handleListTables).Methods(http.MethodGet)
	r.HandleFunc("/tables/{qualified}", s.handleCreateTable).Methods(http.MethodPost)
	r.HandleFunc("/tables/{qualified}", s.handleDropTable).Methods(http.MethodDelete)
	r.HandleFunc("/ingest/{qualified}", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/upload/{qualified}", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/tables/{qualified}/snapshot", s.handleSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/tables/{qualified}/optimize", s.handleOptimize).Methods(http.MethodPost)
	return r
}

type server struct {
	svc    Service
	logger Logger
}

func (s *server) logf(f string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(f, args...)
	}
}

func splitQualified(raw string) (database, table string, err error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '.' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("restapi: %q is not of the form database.table", raw)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.svc.ListTables(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	json.NewEncoder(w).Encode(tables)
}

type createTableBody struct {
	Schema json.RawMessage `json:"schema"`
	Config json.RawMessage `json:"config"`
}

func (s *server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	database, table, err := splitQualified(mux.Vars(r)["qualified"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req createTableBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("restapi: decoding create-table body: %w", err))
		return
	}
	if err := s.svc.CreateTable(r.Context(), database, table, req.Schema, req.Config); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	database, table, err := splitQualified(mux.Vars(r)["qualified"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.DropTable(r.Context(), database, table); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	database, table, err := splitQualified(mux.Vars(r)["qualified"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Ingest(r.Context(), database, table, body); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleUpload accepts a raw file body whose filename is given by the
// mandatory "?name=" query parameter (spec §6 "upload"); multipart
// forms are intentionally not supported since bulk Parquet uploads
// rarely benefit from multipart's overhead.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	database, table, err := splitQualified(mux.Vars(r)["qualified"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("restapi: upload requires a ?name= query parameter"))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.Upload(r.Context(), database, table, name, data); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	database, table, err := splitQualified(mux.Vars(r)["qualified"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var lsn *uint64
	if v := r.URL.Query().Get("lsn"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("restapi: invalid lsn query parameter: %w", err))
			return
		}
		lsn = &parsed
	}
	if err := s.svc.CreateSnapshot(r.Context(), database, table, lsn); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	database, table, err := splitQualified(mux.Vars(r)["qualified"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.OptimizeTable(r.Context(), database, table); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
