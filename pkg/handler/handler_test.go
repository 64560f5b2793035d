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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/config"
	"github.com/mooncake-labs/moonlink/pkg/iceberg"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/row"
	"github.com/mooncake-labs/moonlink/pkg/wal"
)

func testSchema() row.Schema {
	return row.Schema{Fields: []row.Field{
		{Name: "id", Kind: row.KindInt32},
		{Name: "name", Kind: row.KindByteArray, Nullable: true},
	}}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	tbl := mooncake.New(t.TempDir(), testSchema(), row.IntPrimaryKey(0), 1<<20, 1<<20)

	acc, err := accessor.NewLocalFS(t.TempDir(), "")
	require.NoError(t, err)
	cat := iceberg.NewFSCatalog(acc)
	ctx := context.Background()
	require.NoError(t, cat.CreateNamespace(ctx, "db"))
	require.NoError(t, cat.CreateTable(ctx, "db", "t", &iceberg.TableMetadata{
		FormatVersion: 1, Namespace: "db", Table: "t", Schema: testSchema(), Identity: row.IntPrimaryKey(0),
		Properties: map[string]string{},
	}))
	mgr := iceberg.NewManager(acc, cat, iceberg.FileParams{Warehouse: "wh", Namespace: "db", Table: "t"})
	mgr.Schema = testSchema()
	mgr.Identity = row.IntPrimaryKey(0)
	mgr.SetInitialSeqNum(1)

	walAcc, err := accessor.NewLocalFS(t.TempDir(), "")
	require.NoError(t, err)

	return Deps{
		TableID: "db.t",
		Table:   tbl,
		Iceberg: mgr,
		WAL:     wal.New(walAcc),
		Config: config.TableConfig{
			MemSliceSize:              1 << 20,
			DiskSliceParquetFileSize:  1 << 20,
			DataFileFinalSize:         1 << 20,
			DataFilesToCompact:        2,
			FileIndicesMergeThreshold: 1000,
			// fast ticks would otherwise race the synchronous assertions below.
			OpportunisticSnapshotInterval: time.Hour,
			ForcedSnapshotInterval:        time.Hour,
		},
	}
}

func ptr(u uint64) *uint64 { return &u }

// TestForceSnapshotSatisfiedByReplicationLSN is spec §8 scenario 5: with
// no table activity and no iceberg-persisted LSN, a force-snapshot request
// at or below the known replication LSN must return immediately without a
// snapshot ever being created.
func TestForceSnapshotSatisfiedByReplicationLSN(t *testing.T) {
	h := New(newTestDeps(t))
	go h.Run(context.Background())
	defer h.Shutdown(context.Background())

	h.SetReplicationLSN(50)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.ForceSnapshot(ctx, ptr(40))
	require.NoError(t, err)
	require.Nil(t, h.LatestSnapshot().DataFileFlushLSN)
}

// TestAppendCommitFlushPublishesSnapshot drives the basic insert-and-scan
// path (spec §8 scenario 1) through the event loop: two appends, a commit,
// and a flush-on-demand must result in a published snapshot whose disk
// files contain both rows.
func TestAppendCommitFlushPublishesSnapshot(t *testing.T) {
	h := New(newTestDeps(t))
	ctx := context.Background()
	go h.Run(ctx)
	defer h.Shutdown(ctx)

	require.NoError(t, h.Send(ctx, Event{Kind: KindAppend, Row: row.New(row.Int32(1), row.String("a")), LSN: 10}))
	require.NoError(t, h.Send(ctx, Event{Kind: KindAppend, Row: row.New(row.Int32(2), row.String("b")), LSN: 10}))
	require.NoError(t, h.Send(ctx, Event{Kind: KindCommit, LSN: 10}))
	require.NoError(t, h.Send(ctx, Event{Kind: KindFlush, LSN: 10}))

	// the force-snapshot request must be enqueued before the commit that
	// satisfies it, matching spec §4.9 "Commit: ... If a force-snapshot
	// request's LSN is ≤ commit LSN ... triggers a forced snapshot" -
	// the trigger only fires while handling Commit, not retroactively.
	reply := make(chan error, 1)
	require.NoError(t, h.Send(ctx, Event{Kind: KindForceSnapshot, ForceLSN: ptr(10), ForceReply: reply}))
	require.NoError(t, h.Send(ctx, Event{Kind: KindCommit, LSN: 10}))

	select {
	case err := <-reply:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for force-snapshot to be satisfied")
	}

	snap := h.LatestSnapshot()
	require.NotNil(t, snap)
	require.NotNil(t, snap.DataFileFlushLSN)
	require.GreaterOrEqual(t, *snap.DataFileFlushLSN, uint64(10))
	require.Len(t, snap.DiskFiles, 1)
}

// TestPostRecoveryEventsAtOrBelowPersistenceLSNAreDiscarded exercises spec
// §4.9's duplicate-replay guard: once initial_persistence_lsn is set,
// non-streaming events at or below it never reach the table.
func TestPostRecoveryEventsAtOrBelowPersistenceLSNAreDiscarded(t *testing.T) {
	deps := newTestDeps(t)
	deps.Table.LoadRecovered(&mooncake.Snapshot{
		DiskFiles:        map[mooncake.FileId]*mooncake.DiskFileEntry{},
		DataFileFlushLSN: ptr(5),
		Schema:           testSchema(),
		Identity:         row.IntPrimaryKey(0),
	})
	h := New(deps)
	ctx := context.Background()
	go h.Run(ctx)
	defer h.Shutdown(ctx)

	require.NoError(t, h.Send(ctx, Event{Kind: KindAppend, Row: row.New(row.Int32(1), row.String("a")), LSN: 5}))
	require.NoError(t, h.Send(ctx, Event{Kind: KindCommit, LSN: 5}))
	require.NoError(t, h.Send(ctx, Event{Kind: KindFlush, LSN: 5}))

	fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.ForceSnapshot(fctx, ptr(5)))

	snap := h.LatestSnapshot()
	require.NotNil(t, snap)
	require.Empty(t, snap.DiskFiles, "event at lsn <= initial_persistence_lsn must be discarded")
}

func TestIsSatisfiedPredicate(t *testing.T) {
	require.True(t, isSatisfied(40, nil, 50, nil))
	require.False(t, isSatisfied(60, nil, 50, nil))
	require.True(t, isSatisfied(10, ptr(20), 0, nil))
	require.False(t, isSatisfied(30, ptr(20), 0, nil))
}
