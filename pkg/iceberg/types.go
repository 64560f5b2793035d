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

// Package iceberg implements the persistence manager that translates
// mooncake snapshots into durable table-format commits: uploading data
// files and deletion puffins, recording file indices, and committing the
// result through a pluggable catalog abstraction. It owns no in-memory
// table state; pkg/mooncake's snapshot payloads are its only input.
package iceberg

import (
	"github.com/mooncake-labs/moonlink/pkg/fileindex"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// FileParams names the warehouse location a table's commits are written
// under (spec §4.7 sync_snapshot's file_params argument).
type FileParams struct {
	Warehouse string
	Namespace string
	Table     string
}

// DataFileEntry is one data file known to the iceberg persisted state:
// its remote location, row count, and puffin blob reference once its
// deletion vector has been serialized and uploaded.
type DataFileEntry struct {
	FileId        mooncake.FileId `json:"file_id"`
	RemotePath    string          `json:"remote_path"`
	NumRows       int             `json:"num_rows"`
	PuffinBlobRef string          `json:"puffin_blob_ref,omitempty"`
}

// FileIndexEntry is one persisted file index block, stored inline as
// JSON (each Block's Data is a header of big-endian bucket offsets
// followed by bit-packed entries, opaque to everything but
// pkg/fileindex).
type FileIndexEntry struct {
	Index *fileindex.FileIndex `json:"index"`
}

// TableMetadata is the durable, versioned table-format document this
// package reads and writes (spec §6 "v{N}.metadata.json"). It is the
// on-disk analogue of mooncake's persisted_data_files /
// persisted_file_indices maps, plus the catalog properties every commit
// carries.
type TableMetadata struct {
	FormatVersion int `json:"format_version"`
	// SequenceNumber is the catalog commit sequence number: it increases
	// by exactly one per update_table call and is distinct from the
	// mooncake snapshot version (spec §4 "Monotonic versioning").
	SequenceNumber uint64 `json:"sequence_number"`

	Namespace string `json:"namespace"`
	Table     string `json:"table"`

	Schema   row.Schema   `json:"schema"`
	Identity row.Identity `json:"identity"`

	DataFiles   []DataFileEntry  `json:"data_files"`
	FileIndices []FileIndexEntry `json:"file_indices"`

	// Properties holds the iceberg commit properties every snapshot
	// carries (spec §6 "Iceberg commit properties"): moonlink.flush_lsn
	// and the optional moonlink.wal_persistence pointer.
	Properties map[string]string `json:"properties"`
}

// PersistenceResult is returned by SyncSnapshot on success (spec §4.7
// step 6).
type PersistenceResult struct {
	RemoteDataFiles    []DataFileEntry
	RemoteFileIndices  []*fileindex.FileIndex
	PuffinBlobRefs     map[mooncake.FileId]string
	EvictedFilesToDelete []string
	SequenceNumber     uint64
}

// TableUpdate is the catalog commit built by SyncSnapshot and applied by
// Catalog.UpdateTable: the new metadata document plus the commit
// sequence number it must be published under.
type TableUpdate struct {
	Namespace      string
	Table          string
	Metadata       *TableMetadata
	ExpectedSeqNum uint64 // optimistic-concurrency check: the commit preceding this one
}
