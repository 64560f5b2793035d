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

package handler

import (
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// Kind is the closed set of events the table handler's event loop
// consumes (spec §6 "Ingest channel"), plus a handful of internal
// notification kinds that never cross the public Send API (they are
// posted by the handler's own spawned tasks reporting completion).
type Kind uint8

const (
	// Public ingest/control events (spec §6).
	KindAppend Kind = iota
	KindDelete
	KindCommit
	KindStreamAbort
	KindStreamFlush
	KindFlush
	KindStartInitialCopy
	KindFinishInitialCopy
	KindForceSnapshot
	KindDropTable
	KindShutdown

	// Internal notifications (spec §4.9 "Event handling sketch"): never
	// sent by a caller of Send, only posted by the loop's own spawned
	// sibling tasks.
	kindPeriodicSnapshot
	kindPeriodicForceSnapshot
	kindMooncakeSnapshotResult
	kindIcebergSnapshotResult
	kindMaintenanceResult
	kindEvictedFilesDeleted
)

// Event is a single tagged message delivered to a Handler's event loop.
// Only the fields relevant to Kind are meaningful; see spec §6.
type Event struct {
	Kind Kind

	Row      row.Row
	XactID   *uint32
	LSN      uint64
	IsCopied bool

	// ForceLSN and ForceReply are meaningful for KindForceSnapshot: a nil
	// ForceLSN means "satisfy at the latest commit LSN", matching the
	// Rust source's fallback to latest_commit_lsn. ForceReply, if
	// non-nil, receives exactly one error value (nil on success).
	ForceLSN   *uint64
	ForceReply chan error

	// DropReply, if non-nil, receives exactly one error value for
	// KindDropTable once the three-step cleanup completes.
	DropReply chan error

	snapshotResult    *mooncake.SnapshotResult
	icebergResult     icebergCompletion
	maintenanceResult maintenanceCompletion
	evictedDeleted    []mooncake.FileId
}

type icebergCompletion struct {
	flushLSN uint64
	wal      *uint64
	err      error
}

type maintenanceKind uint8

const (
	maintenanceCompaction maintenanceKind = iota
	maintenanceIndexMerge
)

type maintenanceCompletion struct {
	kind       maintenanceKind
	compaction *mooncake.DataCompactionResult
	indexMerge *mooncake.FileIndicesMergeResult
	err        error
}
