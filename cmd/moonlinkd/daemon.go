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

// Command moonlinkd is the storage engine's server process: it owns the
// metadata store, the shared read cache, and one running table handler
// per table, exposing both the REST control plane (internal/restapi)
// and the RPC scan surface (pkg/rpc) over the same in-process Daemon,
// the way cmd/snellerd's daemon binds its own db.Builder/tenant state to
// both an HTTP and a query-worker listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/cache"
	"github.com/mooncake-labs/moonlink/pkg/config"
	"github.com/mooncake-labs/moonlink/pkg/handler"
	"github.com/mooncake-labs/moonlink/pkg/iceberg"
	"github.com/mooncake-labs/moonlink/pkg/merrors"
	"github.com/mooncake-labs/moonlink/pkg/metastore"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/readstate"
	"github.com/mooncake-labs/moonlink/pkg/row"
	"github.com/mooncake-labs/moonlink/pkg/rpc"
	"github.com/mooncake-labs/moonlink/pkg/wal"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(f string, args ...interface{})
}

// tableEntry is everything a running table needs beyond its Handler: the
// persistence components the Handler's Deps hold references to (kept
// here too so DropTable and the read path can reach them directly) and a
// synthetic LSN source for REST/RPC-driven writes, since this module has
// no upstream replication source of its own (spec §1 lists CDC capture
// as out of scope).
type tableEntry struct {
	id        metastore.TableID
	entry     metastore.Entry
	localDir  string
	handler   *handler.Handler
	readState *readstate.Manager

	lsn uint64
}

// Daemon implements both internal/restapi.Service and pkg/rpc.Handlers
// over one shared set of running tables: the two surfaces' overlapping
// methods (CreateTable, DropTable, ListTables, CreateSnapshot,
// OptimizeTable) have identical signatures, so a single type satisfies
// both interfaces without an adapter layer.
type Daemon struct {
	Metastore metastore.Store
	Cache     *cache.Cache
	Logger    Logger
	DataDir   string

	mu     sync.RWMutex
	tables map[metastore.TableID]*tableEntry

	scanMu sync.Mutex
	scans  map[string]*readstate.ReadState
}

// NewDaemon constructs a Daemon with no tables running; call StartAll to
// load and start every table the metadata store already knows about.
func NewDaemon(ms metastore.Store, c *cache.Cache, dataDir string, logger Logger) *Daemon {
	return &Daemon{
		Metastore: ms,
		Cache:     c,
		Logger:    logger,
		DataDir:   dataDir,
		tables:    make(map[metastore.TableID]*tableEntry),
		scans:     make(map[string]*readstate.ReadState),
	}
}

func (d *Daemon) logf(f string, args ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(f, args...)
	}
}

// StartAll starts every table already recorded in the metadata store,
// recovering its persisted state. Called once at process startup.
func (d *Daemon) StartAll(ctx context.Context) error {
	entries, err := d.Metastore.List(ctx)
	if err != nil {
		return fmt.Errorf("moonlinkd: listing tables: %w", err)
	}
	for _, e := range entries {
		if _, err := d.startTable(ctx, e); err != nil {
			return fmt.Errorf("moonlinkd: starting table %s.%s: %w", e.Database, e.Table, err)
		}
	}
	return nil
}

// walStorageConfig derives the WAL's own storage location from a
// table's primary StorageConfig, rooted under a sibling "_wal"
// directory/prefix so WAL object names never collide with the iceberg
// warehouse layout the same accessor backend would otherwise share.
func walStorageConfig(sc config.StorageConfig) config.StorageConfig {
	out := sc
	switch sc.Backend {
	case config.BackendLocalFS:
		out.RootDir = filepath.Join(sc.RootDir, "_wal")
	case config.BackendS3:
		out.S3Prefix = path.Join(sc.S3Prefix, "_wal")
	case config.BackendGCS:
		out.GCSPrefix = path.Join(sc.GCSPrefix, "_wal")
	}
	return out
}

// startTable constructs and runs the handler for one table, recovering
// its persisted iceberg/WAL state if the table already exists in the
// catalog, or creating a fresh one otherwise (spec §4.7, §4.9).
func (d *Daemon) startTable(ctx context.Context, entry metastore.Entry) (*tableEntry, error) {
	id := metastore.NewTableID(entry.Database, entry.Table)
	cfg := entry.Config.WithDefaults()

	acc, err := accessor.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("moonlinkd: constructing accessor for %s: %w", id, err)
	}
	walAcc, err := accessor.New(ctx, walStorageConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("moonlinkd: constructing WAL accessor for %s: %w", id, err)
	}

	localDir := filepath.Join(d.DataDir, "tables", string(id))
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("moonlinkd: creating local table directory for %s: %w", id, err)
	}
	tbl := mooncake.New(localDir, entry.Schema, entry.Identity, cfg.MemSliceSize, cfg.DiskSliceParquetFileSize)

	cat := iceberg.NewFSCatalog(acc)
	params := iceberg.FileParams{Warehouse: cfg.IcebergWarehouse, Namespace: cfg.IcebergNamespace, Table: entry.Table}
	icebergMgr := iceberg.NewManager(acc, cat, params)
	icebergMgr.Schema = entry.Schema
	icebergMgr.Identity = entry.Identity

	nsExists, err := cat.NamespaceExists(ctx, cfg.IcebergNamespace)
	if err != nil {
		return nil, fmt.Errorf("moonlinkd: checking namespace for %s: %w", id, err)
	}
	if !nsExists {
		if err := cat.CreateNamespace(ctx, cfg.IcebergNamespace); err != nil {
			return nil, fmt.Errorf("moonlinkd: creating namespace for %s: %w", id, err)
		}
	}

	tableExists, err := cat.TableExists(ctx, cfg.IcebergNamespace, entry.Table)
	if err != nil {
		return nil, fmt.Errorf("moonlinkd: checking catalog table for %s: %w", id, err)
	}

	walMgr := wal.New(walAcc)
	var replay []wal.Record

	if tableExists {
		nextFileID, snap, err := icebergMgr.LoadSnapshotFromTable(ctx)
		if err != nil {
			return nil, fmt.Errorf("moonlinkd: recovering %s from catalog: %w", id, err)
		}
		tbl.LoadRecovered(snap)
		mooncake.SeedNextFileId(nextFileID)

		fileInfos, err := wal.RecoverFileInfos(ctx, walAcc, 0)
		if err != nil {
			return nil, fmt.Errorf("moonlinkd: listing WAL files for %s: %w", id, err)
		}
		walMgr.ApplyRecoveredFiles(fileInfos)

		replay, err = wal.Recover(ctx, walAcc, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("moonlinkd: replaying WAL for %s: %w", id, err)
		}
	} else {
		initial := &iceberg.TableMetadata{
			FormatVersion: 1,
			Namespace:     cfg.IcebergNamespace,
			Table:         entry.Table,
			Schema:        entry.Schema,
			Identity:      entry.Identity,
		}
		if err := cat.CreateTable(ctx, cfg.IcebergNamespace, entry.Table, initial); err != nil {
			return nil, fmt.Errorf("moonlinkd: creating catalog table %s: %w", id, err)
		}
		icebergMgr.SetInitialSeqNum(1)
	}

	h := handler.New(handler.Deps{
		TableID: string(id),
		Table:   tbl,
		Iceberg: icebergMgr,
		WAL:     walMgr,
		Cache:   d.Cache,
		Config:  cfg,
		Logger:  d.Logger,
		OnDropTable: func(context.Context) error {
			return os.RemoveAll(localDir)
		},
	})

	rsMgr := readstate.New(string(id), h, d.Cache)
	rsMgr.Fetch = acc

	te := &tableEntry{id: id, entry: entry, localDir: localDir, handler: h, readState: rsMgr}

	d.mu.Lock()
	d.tables[id] = te
	d.mu.Unlock()

	go h.Run(ctx)

	for _, rec := range walEventsInOrder(replay) {
		if err := h.Send(ctx, rec); err != nil {
			d.logf("moonlinkd: replaying WAL for %s: %v", id, err)
			break
		}
	}

	return te, nil
}

// walEventsInOrder converts recovered WAL records into handler events,
// in the order they were recorded. The handler's own discard logic
// (toDiscard, keyed off initial_persistence_lsn) is what actually filters
// out events already durable in the last iceberg commit; replay simply
// resubmits everything the WAL still has on disk.
func walEventsInOrder(records []wal.Record) []handler.Event {
	out := make([]handler.Event, 0, len(records))
	for _, rec := range records {
		ev := handler.Event{LSN: rec.LSN, XactID: rec.Event.XactID, IsCopied: rec.Event.IsCopied}
		if rec.Event.Row != nil {
			ev.Row = *rec.Event.Row
		}
		switch rec.Event.Kind {
		case wal.EventAppend:
			ev.Kind = handler.KindAppend
		case wal.EventDelete:
			ev.Kind = handler.KindDelete
		case wal.EventCommit:
			ev.Kind = handler.KindCommit
		case wal.EventStreamAbort:
			ev.Kind = handler.KindStreamAbort
		case wal.EventStreamFlush:
			ev.Kind = handler.KindStreamFlush
		default:
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (d *Daemon) lookup(database, table string) (*tableEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	te, ok := d.tables[metastore.NewTableID(database, table)]
	if !ok {
		return nil, merrors.ErrTableNotFound
	}
	return te, nil
}

// createTableBody is the wire shape of the REST/RPC create-table
// config document: config.TableConfig's fields promoted to the top
// level, plus an identity field config.TableConfig itself has no room
// for (metastore.Entry keeps Identity as a sibling of Config, not
// nested within it).
type createTableBody struct {
	config.TableConfig
	Identity row.Identity `json:"identity"`
}

// CreateTable implements internal/restapi.Service and pkg/rpc.Handlers.
func (d *Daemon) CreateTable(ctx context.Context, database, table string, schemaJSON, configJSON []byte) error {
	var schema row.Schema
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return fmt.Errorf("moonlinkd: decoding schema for %s.%s: %w", database, table, err)
		}
	}

	var body createTableBody
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &body); err != nil {
			return fmt.Errorf("moonlinkd: decoding config for %s.%s: %w", database, table, err)
		}
	}
	cfg := body.TableConfig.WithDefaults()
	cfg.Database = database
	cfg.Table = table

	entry := metastore.Entry{Database: database, Table: table, Schema: schema, Identity: body.Identity, Config: cfg}
	if err := d.Metastore.Create(ctx, entry); err != nil {
		return err
	}
	_, err := d.startTable(ctx, entry)
	return err
}

// DropTable implements internal/restapi.Service and pkg/rpc.Handlers.
func (d *Daemon) DropTable(ctx context.Context, database, table string) error {
	id := metastore.NewTableID(database, table)

	d.mu.Lock()
	te, ok := d.tables[id]
	if ok {
		delete(d.tables, id)
	}
	d.mu.Unlock()
	if !ok {
		return merrors.ErrTableNotFound
	}

	if err := te.handler.DropTable(ctx); err != nil {
		return err
	}
	return d.Metastore.Delete(ctx, id)
}

// ListTables implements internal/restapi.Service and pkg/rpc.Handlers.
func (d *Daemon) ListTables(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tables))
	for id := range d.tables {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out, nil
}

// CreateSnapshot implements internal/restapi.Service and pkg/rpc.Handlers.
func (d *Daemon) CreateSnapshot(ctx context.Context, database, table string, lsn *uint64) error {
	te, err := d.lookup(database, table)
	if err != nil {
		return err
	}
	return te.handler.ForceSnapshot(ctx, lsn)
}

// OptimizeTable implements internal/restapi.Service and pkg/rpc.Handlers.
// The handler exposes no maintenance trigger distinct from a forced
// snapshot; a forced snapshot is also where compaction and index-merge
// payloads get evaluated and dispatched (spec §4.9), so it doubles as
// the administrative "optimize now" entry point.
func (d *Daemon) OptimizeTable(ctx context.Context, database, table string) error {
	te, err := d.lookup(database, table)
	if err != nil {
		return err
	}
	return te.handler.ForceSnapshot(ctx, nil)
}

// Ingest implements internal/restapi.Service: decodes a JSON row batch
// and appends it to the table under one synthetic commit LSN.
func (d *Daemon) Ingest(ctx context.Context, database, table string, rowsJSON []byte) error {
	te, err := d.lookup(database, table)
	if err != nil {
		return err
	}
	rows, err := decodeRows(te.entry.Schema, rowsJSON)
	if err != nil {
		return err
	}
	return d.applyRows(ctx, te, rows)
}

// Upload implements internal/restapi.Service: decodes an uploaded
// Parquet file and appends its rows to the table under one synthetic
// commit LSN, the bulk-load counterpart of Ingest (spec §6 "POST
// /upload").
func (d *Daemon) Upload(ctx context.Context, database, table, filename string, data []byte) error {
	te, err := d.lookup(database, table)
	if err != nil {
		return err
	}

	tmp := filepath.Join(te.localDir, fmt.Sprintf("upload-%s.parquet", uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("moonlinkd: staging upload %s: %w", filename, err)
	}
	defer os.Remove(tmp)

	rows, err := mooncake.ReadParquetRows(tmp, te.entry.Schema)
	if err != nil {
		return fmt.Errorf("moonlinkd: reading uploaded file %s: %w", filename, err)
	}
	return d.applyRows(ctx, te, rows)
}

// applyRows appends every row under one freshly allocated LSN and
// commits it, since REST/RPC-driven writes have no upstream replication
// stream assigning them one (spec §1 "out of scope: CDC capture").
func (d *Daemon) applyRows(ctx context.Context, te *tableEntry, rows []row.Row) error {
	lsn := atomic.AddUint64(&te.lsn, 1)
	for _, r := range rows {
		ev := handler.Event{Kind: handler.KindAppend, Row: r, LSN: lsn}
		if err := te.handler.Send(ctx, ev); err != nil {
			return err
		}
	}
	return te.handler.Send(ctx, handler.Event{Kind: handler.KindCommit, LSN: lsn})
}

// GetTableSchema implements pkg/rpc.Handlers.
func (d *Daemon) GetTableSchema(ctx context.Context, database, table string) ([]byte, error) {
	te, err := d.lookup(database, table)
	if err != nil {
		return nil, err
	}
	return json.Marshal(te.entry.Schema)
}

// ScanTableBegin implements pkg/rpc.Handlers (spec §4.8 try_read): it
// pins the table's current read state into the shared cache and hands
// back a scan handle the client must later release with ScanTableEnd.
func (d *Daemon) ScanTableBegin(ctx context.Context, database, table string, lsn *uint64) (rpc.ScanResult, error) {
	te, err := d.lookup(database, table)
	if err != nil {
		return rpc.ScanResult{}, err
	}
	rs, ok, err := te.readState.TryRead(ctx, lsn)
	if err != nil {
		return rpc.ScanResult{}, err
	}
	if !ok {
		return rpc.ScanResult{}, fmt.Errorf("moonlinkd: no snapshot satisfies the requested lsn yet")
	}

	handle := uuid.NewString()
	d.scanMu.Lock()
	d.scans[handle] = rs
	d.scanMu.Unlock()

	res := rpc.ScanResult{
		ScanHandle:          handle,
		DataFiles:           rs.DataFiles,
		PuffinDeletionBlobs: rs.PuffinDeletionBlobs,
	}
	for _, del := range rs.PositionalDeletions {
		res.PositionalDeletions = append(res.PositionalDeletions, [2]uint32{del.FileIdx, del.RowIdx})
	}
	return res, nil
}

// ScanTableEnd implements pkg/rpc.Handlers: releases the cache pins a
// prior ScanTableBegin acquired.
func (d *Daemon) ScanTableEnd(ctx context.Context, database, table, scanHandle string) error {
	d.scanMu.Lock()
	rs, ok := d.scans[scanHandle]
	if ok {
		delete(d.scans, scanHandle)
	}
	d.scanMu.Unlock()
	if !ok {
		return fmt.Errorf("moonlinkd: unknown scan handle %q", scanHandle)
	}
	rs.Release()
	return nil
}
