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

// Package metastore is a simple key-value persistence of per-table
// configuration (spec §1: "the metadata store" is an external
// collaborator; this package is the small interface moonlinkd needs
// against it). It mirrors the teacher's db.TableDefinition JSON-document
// convention (db/def.go) rather than inventing a schema-migration layer:
// one JSON document per table, addressed by "{database}.{table}".
package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/config"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// TableID is the fully qualified name of a table, formatted "db.table".
type TableID string

// NewTableID joins a database and table name into a TableID.
func NewTableID(database, table string) TableID {
	return TableID(fmt.Sprintf("%s.%s", database, table))
}

// Entry is the persisted record for one table: its schema, identity
// property, and runtime configuration.
type Entry struct {
	Database string           `json:"database"`
	Table    string           `json:"table"`
	Schema   row.Schema       `json:"schema"`
	Identity row.Identity     `json:"identity"`
	Config   config.TableConfig `json:"config"`
}

// Store is the metadata store's capability surface. Implementations must
// be safe for concurrent use; moonlinkd calls it from the REST/RPC
// handler goroutines, not from any table's single-threaded event loop.
type Store interface {
	Create(ctx context.Context, e Entry) error
	Get(ctx context.Context, id TableID) (Entry, error)
	Delete(ctx context.Context, id TableID) error
	List(ctx context.Context) ([]Entry, error)
}

// Memory is an in-memory Store, suitable for tests and single-process
// deployments that don't need the catalog to survive a restart
// independent of the object store.
type Memory struct {
	mu      sync.RWMutex
	entries map[TableID]Entry
}

// NewMemory constructs an empty in-memory metadata store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[TableID]Entry)}
}

func (m *Memory) Create(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := NewTableID(e.Database, e.Table)
	if _, ok := m.entries[id]; ok {
		return fmt.Errorf("metastore: table %s already exists", id)
	}
	m.entries[id] = e
	return nil
}

func (m *Memory) Get(ctx context.Context, id TableID) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, merrors.ErrTableNotFound
	}
	return e, nil
}

func (m *Memory) Delete(ctx context.Context, id TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return merrors.ErrTableNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return out[i].Table < out[j].Table
	})
	return out, nil
}

// FileStore is an accessor-backed Store persisting one JSON document per
// table under "tables/{db}.{table}.json", matching the teacher's habit
// (db/def.go) of storing one small JSON document per named object rather
// than a single monolithic index file. An in-memory mirror is kept for
// List, refreshed lazily on first use.
type FileStore struct {
	Accessor accessor.Accessor

	mu     sync.Mutex
	loaded bool
	cache  map[TableID]Entry
}

// NewFileStore constructs a Store persisting documents through acc.
func NewFileStore(acc accessor.Accessor) *FileStore {
	return &FileStore{Accessor: acc, cache: make(map[TableID]Entry)}
}

func docPath(id TableID) string {
	return fmt.Sprintf("tables/%s.json", id)
}

func (s *FileStore) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	names, err := s.Accessor.ListDirectory(ctx, "tables")
	if err != nil {
		// an empty/nonexistent tables directory is not an error: a fresh
		// deployment has no tables yet.
		s.loaded = true
		return nil
	}
	for _, name := range names {
		data, err := s.Accessor.ReadObject(ctx, name)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		s.cache[NewTableID(e.Database, e.Table)] = e
	}
	s.loaded = true
	return nil
}

func (s *FileStore) Create(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	id := NewTableID(e.Database, e.Table)
	if _, ok := s.cache[id]; ok {
		return fmt.Errorf("metastore: table %s already exists", id)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("metastore: marshaling %s: %w", id, err)
	}
	if err := s.Accessor.WriteObject(ctx, docPath(id), data); err != nil {
		return err
	}
	s.cache[id] = e
	return nil
}

func (s *FileStore) Get(ctx context.Context, id TableID) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return Entry{}, err
	}
	if e, ok := s.cache[id]; ok {
		return e, nil
	}
	return Entry{}, merrors.ErrTableNotFound
}

func (s *FileStore) Delete(ctx context.Context, id TableID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	if _, ok := s.cache[id]; !ok {
		return merrors.ErrTableNotFound
	}
	if err := s.Accessor.DeleteObject(ctx, docPath(id)); err != nil {
		return err
	}
	delete(s.cache, id)
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(s.cache))
	for _, e := range s.cache {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return out[i].Table < out[j].Table
	})
	return out, nil
}
