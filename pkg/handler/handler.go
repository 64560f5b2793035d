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

// Package handler implements the single-threaded, cooperative table
// event loop described in spec §4.9: it serializes every mutation to one
// table's mooncake state, schedules opportunistic and forced snapshots,
// drives background maintenance (compaction, index merge, iceberg
// commit) as detached sibling tasks, and fans out force-snapshot
// waiters once their requested LSN is durable. It is grounded on
// original_source/src/moonlink/src/table_handler.rs, adapted from
// tokio's mpsc/watch/oneshot primitives to Go channels, and on the
// teacher's db.Builder orchestration-struct idiom (a config-driven type
// with a Logf hook) for the Go shape of the loop itself.
package handler

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mooncake-labs/moonlink/pkg/cache"
	"github.com/mooncake-labs/moonlink/pkg/config"
	"github.com/mooncake-labs/moonlink/pkg/iceberg"
	"github.com/mooncake-labs/moonlink/pkg/mooncake"
	"github.com/mooncake-labs/moonlink/pkg/wal"
)

// Logger is satisfied by *log.Logger; a nil Logger silently discards
// output, matching the hook convention used across this module (see
// pkg/cache.Logger).
type Logger interface {
	Printf(f string, args ...interface{})
}

// Deps bundles the components a Handler coordinates. All are owned
// exclusively by the returned Handler's event loop once New is called,
// except Cache, which is the cross-table shared resource (spec §5).
type Deps struct {
	TableID string
	Table   *mooncake.Table
	Iceberg *iceberg.Manager
	WAL     *wal.Manager
	Cache   *cache.Cache
	Config  config.TableConfig
	Logger  Logger

	// OnDropTable performs the "drop the mooncake directory" half of
	// drop-table cleanup (spec §4.9 step 3); the handler has no
	// filesystem access of its own beyond the accessor.
	OnDropTable func(ctx context.Context) error
}

// waiterEntry is one outstanding force-snapshot request at a given LSN,
// kept in ascending-LSN order in loopState.waiters (a container/list
// stands in for the Rust BTreeMap<LSN, Vec<reply>>; force_snapshot_lsns
// is small and short-lived enough that a linear scan/insert is simpler
// than a tree, the same container pkg/cache uses for its LRU list).
type waiterEntry struct {
	lsn     uint64
	replies []chan error
}

// Handler is the single-writer event loop for one table (spec §4.9). It
// is not safe for concurrent use except through its channel-based API:
// Send, ForceSnapshot, and Run.
type Handler struct {
	deps Deps

	events chan Event

	initialPersistenceLSN *uint64

	// replicationLSN is read by the CDC source adapter (out of scope,
	// spec §1) via SetReplicationLSN; the loop only ever reads it.
	replicationLSN uint64

	// snapMu guards latestSnapshot, the one piece of state read from
	// outside the loop goroutine (by pkg/readstate), per spec §5 "each
	// table's snapshot-state is behind a read-write lock".
	snapMu          sync.RWMutex
	latestSnapshot  *mooncake.Snapshot

	// xactBuffers holds buffered streaming events per transaction id,
	// applied to the table at StreamFlush/Commit and discarded wholesale
	// on StreamAbort (spec §4.9, §6 "streaming events are always
	// buffered").
	xactBuffers map[uint32][]bufferedXactEvent

	doneCh chan struct{}
}

type bufferedXactEvent struct {
	isDelete bool
	row      Event
}

// New constructs a Handler. Call Run to start its event loop; events
// must not be sent until Run has been started (events channel is
// unbuffered-safe only once a consumer is reading).
func New(deps Deps) *Handler {
	h := &Handler{
		deps:        deps,
		events:      make(chan Event, 256),
		xactBuffers: make(map[uint32][]bufferedXactEvent),
		doneCh:      make(chan struct{}),
	}
	if snap := deps.Table.LatestSnapshot(); snap != nil {
		h.latestSnapshot = snap
	}
	return h
}

func (h *Handler) logf(f string, args ...interface{}) {
	if h.deps.Logger != nil {
		h.deps.Logger.Printf(f, args...)
	}
}

// Send enqueues an event for processing. It blocks if the event queue is
// full, exerting backpressure on the caller (matching tokio mpsc's
// bounded-channel send).
func (h *Handler) Send(ctx context.Context, ev Event) error {
	select {
	case h.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceSnapshot is a convenience wrapper over Send for KindForceSnapshot
// that blocks until the request is satisfied or ctx is canceled (spec
// §4.9 "ForceSnapshot{lsn?, reply}").
func (h *Handler) ForceSnapshot(ctx context.Context, lsn *uint64) error {
	reply := make(chan error, 1)
	if err := h.Send(ctx, Event{Kind: KindForceSnapshot, ForceLSN: lsn, ForceReply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DropTable is a convenience wrapper over Send for KindDropTable that
// blocks for the three-step cleanup's completion.
func (h *Handler) DropTable(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := h.Send(ctx, Event{Kind: KindDropTable, DropReply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown requests the loop stop and waits for it to exit.
func (h *Handler) Shutdown(ctx context.Context) error {
	if err := h.Send(ctx, Event{Kind: KindShutdown}); err != nil {
		return err
	}
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReplicationLSN records the upstream source's current replication
// LSN, consulted by the force-snapshot satisfaction predicate (spec §4.9
// "a replication-LSN watch channel").
func (h *Handler) SetReplicationLSN(lsn uint64) {
	atomic.StoreUint64(&h.replicationLSN, lsn)
}

// LatestSnapshot implements pkg/readstate.TableState.
func (h *Handler) LatestSnapshot() *mooncake.Snapshot {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	return h.latestSnapshot
}

func (h *Handler) publishSnapshot(snap *mooncake.Snapshot) {
	h.snapMu.Lock()
	h.latestSnapshot = snap
	h.snapMu.Unlock()
}

// loopState is every piece of mutable bookkeeping the event loop owns,
// split out from Handler so Run's body reads like the Rust source's
// local variables (spec §4.9 "State flags").
type loopState struct {
	mooncakeSnapshotOngoing      bool
	icebergSnapshotOngoing       bool
	icebergSnapshotResultConsumed bool
	maintenanceOngoing           bool
	dropTableRequested           bool
	dropReply                    chan error

	waiters *list.List // of *waiterEntry, ascending LSN

	latestCommitLSN          *uint64
	tableConsistentViewLSN   *uint64

	inInitialCopy bool
}

func newLoopState() *loopState {
	return &loopState{icebergSnapshotResultConsumed: true, waiters: list.New()}
}

// Run executes the event loop until a KindShutdown event is processed or
// ctx is canceled. It is intended to run as its own goroutine: Handler's
// other methods only ever communicate with it over h.events.
func (h *Handler) Run(ctx context.Context) {
	defer close(h.doneCh)

	cfg := h.deps.Config.WithDefaults()
	opportunistic := time.NewTicker(cfg.OpportunisticSnapshotInterval)
	forced := time.NewTicker(cfg.ForcedSnapshotInterval)
	defer opportunistic.Stop()
	defer forced.Stop()

	if snap := h.deps.Table.LatestSnapshot(); snap != nil && snap.DataFileFlushLSN != nil {
		lsn := *snap.DataFileFlushLSN
		h.initialPersistenceLSN = &lsn
	}

	st := newLoopState()

	for {
		select {
		case ev := <-h.events:
			if h.handleEvent(ctx, st, ev) {
				return
			}
		case <-opportunistic.C:
			h.handleEvent(ctx, st, Event{Kind: kindPeriodicSnapshot})
		case <-forced.C:
			h.handleEvent(ctx, st, Event{Kind: kindPeriodicForceSnapshot})
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent processes one event and returns true if the loop should
// exit.
func (h *Handler) handleEvent(ctx context.Context, st *loopState, ev Event) bool {
	cfg := h.deps.Config.WithDefaults()

	// spec §4.9: "Commit: updates table_consistent_view_lsn." Every
	// other public event apart from Commit clears the "at a consistent
	// view" marker, mirroring the Rust match over TableEvent that resets
	// table_consistent_view_lsn to None for any event not in its allow
	// list.
	switch ev.Kind {
	case KindCommit:
		lsn := ev.LSN
		st.tableConsistentViewLSN = &lsn
	case KindForceSnapshot, kindPeriodicSnapshot, kindPeriodicForceSnapshot,
		kindMooncakeSnapshotResult, kindIcebergSnapshotResult, kindMaintenanceResult,
		kindEvictedFilesDeleted:
		// these do not affect consistent-view tracking.
	default:
		st.tableConsistentViewLSN = nil
	}
	if st.tableConsistentViewLSN != nil {
		st.latestCommitLSN = st.tableConsistentViewLSN
	}

	switch ev.Kind {
	case KindShutdown:
		if err := h.deps.Table.Shutdown(); err != nil {
			h.logf("handler: shutdown: %v", err)
		}
		return true

	case KindForceSnapshot:
		h.handleForceSnapshot(st, ev)

	case KindDropTable:
		if !st.mooncakeSnapshotOngoing && !st.icebergSnapshotOngoing {
			h.runDropTable(ctx, ev.DropReply)
			return true
		}
		st.dropTableRequested = true
		st.dropReply = ev.DropReply

	case KindStartInitialCopy:
		st.inInitialCopy = true

	case KindFinishInitialCopy:
		st.inInitialCopy = false
		h.deps.Table.Commit(0)
		h.resetIcebergStateAtMooncakeSnapshot(st)
		h.startMooncakeSnapshot(st, mooncake.SnapshotOptions{
			ForceCreate:            true,
			SkipIcebergSnapshot:    true,
			SkipDataFileCompaction: true,
			IcebergAlreadyPersisted: true,
		})

	case kindPeriodicSnapshot:
		if st.mooncakeSnapshotOngoing {
			break
		}
		if st.waiters.Len() > 0 && st.tableConsistentViewLSN != nil {
			if err := h.deps.Table.Flush(*st.tableConsistentViewLSN, false); err != nil {
				h.logf("handler: periodic flush: %v", err)
			}
			h.resetIcebergStateAtMooncakeSnapshot(st)
			h.startMooncakeSnapshot(st, h.snapshotOpts(cfg, st, true))
			break
		}
		h.resetIcebergStateAtMooncakeSnapshot(st)
		h.startMooncakeSnapshot(st, h.snapshotOpts(cfg, st, false))

	case kindPeriodicForceSnapshot:
		// mirrors the Rust periodic force-snapshot tick: post a
		// ForceSnapshot event with no explicit LSN, falling back to the
		// latest commit LSN.
		h.handleForceSnapshot(st, Event{Kind: KindForceSnapshot})

	case kindMooncakeSnapshotResult:
		h.handleMooncakeSnapshotResult(ctx, st, ev)

	case kindIcebergSnapshotResult:
		h.handleIcebergSnapshotResult(ctx, st, ev)

	case kindMaintenanceResult:
		h.handleMaintenanceResult(ev)
		st.maintenanceOngoing = false

	case kindEvictedFilesDeleted:
		// purely informational; the files are already gone from the
		// cache's bookkeeping by the time this fires.

	default:
		h.processCDCEvent(ctx, st, ev)
	}

	return false
}

// processCDCEvent handles the replication-stream-facing events:
// Append, Delete, Commit, StreamAbort, StreamFlush, Flush (spec §4.9
// "process_cdc_table_event").
func (h *Handler) processCDCEvent(ctx context.Context, st *loopState, ev Event) {
	cfg := h.deps.Config.WithDefaults()

	h.journal(ev)

	switch ev.Kind {
	case KindAppend:
		if ev.IsCopied {
			// initial-copy rows always land directly in the table,
			// bypassing the discard check; FinishInitialCopy commits
			// them at LSN 0 (spec §9 "Initial-copy mode").
			if err := h.deps.Table.Append(ev.Row); err != nil {
				h.logf("handler: initial-copy append: %v", err)
			}
			return
		}
		if h.toDiscard(ev.LSN) {
			return
		}
		if st.inInitialCopy {
			h.bufferXactEvent(ev, false)
			return
		}
		if ev.XactID != nil {
			h.bufferXactEvent(ev, false)
			return
		}
		if err := h.deps.Table.Append(ev.Row); err != nil {
			h.logf("handler: append: %v", err)
		}

	case KindDelete:
		if h.toDiscard(ev.LSN) {
			return
		}
		if st.inInitialCopy {
			h.bufferXactEvent(ev, true)
			return
		}
		if ev.XactID != nil {
			h.bufferXactEvent(ev, true)
			return
		}
		if err := h.deps.Table.Delete(ev.Row, ev.LSN); err != nil {
			h.logf("handler: delete: %v", err)
		}

	case KindCommit:
		if st.inInitialCopy {
			return
		}
		forceSnapshot := st.waiters.Len() > 0 &&
			st.waiters.Front().Value.(*waiterEntry).lsn <= ev.LSN &&
			!st.mooncakeSnapshotOngoing

		if ev.XactID != nil {
			if h.toDiscard(ev.LSN) {
				delete(h.xactBuffers, *ev.XactID)
				return
			}
			h.applyXactBuffer(*ev.XactID, ev.LSN)
		} else {
			if h.toDiscard(ev.LSN) {
				return
			}
			h.deps.Table.Commit(ev.LSN)
			if h.shouldFlush(cfg) || forceSnapshot {
				if err := h.deps.Table.Flush(ev.LSN, false); err != nil {
					h.logf("handler: commit flush: %v", err)
				}
			}
		}

		if forceSnapshot {
			h.resetIcebergStateAtMooncakeSnapshot(st)
			h.startMooncakeSnapshot(st, h.snapshotOpts(cfg, st, true))
		}

	case KindStreamAbort:
		if ev.XactID != nil {
			delete(h.xactBuffers, *ev.XactID)
		}

	case KindFlush:
		if h.toDiscard(ev.LSN) {
			return
		}
		if st.inInitialCopy {
			return
		}
		if err := h.deps.Table.Flush(ev.LSN, true); err != nil {
			h.logf("handler: explicit flush: %v", err)
		}

	case KindStreamFlush:
		if ev.XactID != nil {
			h.applyXactBuffer(*ev.XactID, h.xactHighWaterLSN(*ev.XactID))
			if err := h.deps.Table.Flush(h.xactHighWaterLSN(*ev.XactID), true); err != nil {
				h.logf("handler: stream flush: %v", err)
			}
		}
	}

	_ = ctx
}

// journal appends ev to the WAL ahead of any discard/buffering decision,
// so the journal stays a faithful record of the replication stream even
// for events the table itself never applies (spec §4.5). Append and
// Delete inherit the manager's running LSN since the stream hasn't
// committed yet; Commit carries the authoritative LSN for everything
// since the last commit.
func (h *Handler) journal(ev Event) {
	walEv := wal.Event{Row: &ev.Row, XactID: ev.XactID, IsCopied: ev.IsCopied}

	switch ev.Kind {
	case KindAppend:
		walEv.Kind = wal.EventAppend
		h.deps.WAL.Insert(walEv, ev.LSN, false)
	case KindDelete:
		walEv.Kind = wal.EventDelete
		h.deps.WAL.Insert(walEv, ev.LSN, false)
	case KindCommit:
		walEv.Kind = wal.EventCommit
		h.deps.WAL.Insert(walEv, ev.LSN, true)
	case KindStreamAbort:
		walEv.Kind = wal.EventStreamAbort
		h.deps.WAL.Insert(walEv, ev.LSN, false)
	case KindStreamFlush:
		walEv.Kind = wal.EventStreamFlush
		h.deps.WAL.Insert(walEv, ev.LSN, false)
	}
}

func (h *Handler) bufferXactEvent(ev Event, isDelete bool) {
	if ev.XactID == nil {
		return
	}
	h.xactBuffers[*ev.XactID] = append(h.xactBuffers[*ev.XactID], bufferedXactEvent{isDelete: isDelete, row: ev})
}

func (h *Handler) xactHighWaterLSN(xactID uint32) uint64 {
	var max uint64
	for _, e := range h.xactBuffers[xactID] {
		if e.row.LSN > max {
			max = e.row.LSN
		}
	}
	return max
}

// applyXactBuffer pushes every buffered event for xactID into the table
// and commits at lsn, then clears the buffer (spec §4.9 "at stream
// commit, the buffer is discarded if the commit LSN is also ≤
// initial_persistence_lsn" — that check is performed by the caller
// before applyXactBuffer is reached).
func (h *Handler) applyXactBuffer(xactID uint32, lsn uint64) {
	buffered := h.xactBuffers[xactID]
	delete(h.xactBuffers, xactID)
	for _, e := range buffered {
		if e.isDelete {
			if err := h.deps.Table.Delete(e.row.Row, lsn); err != nil {
				h.logf("handler: stream delete: %v", err)
			}
		} else {
			if err := h.deps.Table.Append(e.row.Row); err != nil {
				h.logf("handler: stream append: %v", err)
			}
		}
	}
	h.deps.Table.Commit(lsn)
}

func (h *Handler) toDiscard(lsn uint64) bool {
	if h.initialPersistenceLSN == nil {
		return false
	}
	return lsn <= *h.initialPersistenceLSN
}

func (h *Handler) shouldFlush(cfg config.TableConfig) bool {
	// the table itself enforces MemSliceSize thresholds inside Flush
	// (force=false is a no-op below the threshold); this always attempts
	// a flush and lets Table.Flush decide, matching Rust's
	// `table.should_flush()` which mirrors the same MemSliceSize check.
	return true
}

func (h *Handler) snapshotOpts(cfg config.TableConfig, st *loopState, forceCreate bool) mooncake.SnapshotOptions {
	return mooncake.SnapshotOptions{
		ForceCreate:               forceCreate,
		SkipIcebergSnapshot:       cfg.SkipIcebergSnapshot || st.icebergSnapshotOngoing,
		SkipDataFileCompaction:    cfg.SkipDataFileCompaction || st.maintenanceOngoing,
		DataFileFinalSize:         cfg.DataFileFinalSize,
		DataFilesToCompact:        cfg.DataFilesToCompact,
		FileIndicesMergeThreshold: cfg.FileIndicesMergeThreshold,
		MaintenanceOngoing:        st.maintenanceOngoing,
	}
}

// resetIcebergStateAtMooncakeSnapshot folds an unconsumed iceberg result
// into "consumed" state right before a new mooncake snapshot starts, so
// that snapshot's payload reflects the now-applied iceberg state (spec
// §4.9 "sets iceberg_snapshot_result_consumed=false so the next mooncake
// snapshot can ingest the new iceberg state").
func (h *Handler) resetIcebergStateAtMooncakeSnapshot(st *loopState) {
	if st.icebergSnapshotOngoing && st.icebergSnapshotResultConsumed {
		panic("handler: impossible state: iceberg snapshot ongoing but already consumed")
	}
	if !st.icebergSnapshotResultConsumed {
		st.icebergSnapshotResultConsumed = true
		st.icebergSnapshotOngoing = false
	}
}

// startMooncakeSnapshot spawns CreateSnapshot as a detached task
// reporting its result back through h.events, matching spec §5's
// "snapshot creation... run as spawned sibling tasks that report
// completion back to the event loop through a control channel."
func (h *Handler) startMooncakeSnapshot(st *loopState, opts mooncake.SnapshotOptions) {
	if st.mooncakeSnapshotOngoing {
		return
	}
	st.mooncakeSnapshotOngoing = true
	go func() {
		result, ok := h.deps.Table.CreateSnapshot(opts)
		if !ok {
			h.events <- Event{Kind: kindMooncakeSnapshotResult, snapshotResult: nil}
			return
		}
		h.events <- Event{Kind: kindMooncakeSnapshotResult, snapshotResult: result}
	}()
}

func (h *Handler) handleMooncakeSnapshotResult(ctx context.Context, st *loopState, ev Event) {
	st.mooncakeSnapshotOngoing = false
	result := ev.snapshotResult
	if result == nil {
		return
	}

	h.startEvictedFilesDeletion(result.EvictedCacheFileIds)
	h.publishSnapshot(result.Snapshot)

	if st.dropTableRequested && !st.icebergSnapshotOngoing {
		h.runDropTable(ctx, st.dropReply)
		return
	}

	if !st.icebergSnapshotOngoing && st.icebergSnapshotResultConsumed && result.Iceberg != nil {
		st.icebergSnapshotOngoing = true
		st.icebergSnapshotResultConsumed = true
		h.startIcebergSnapshot(*result.Iceberg)
	}

	if !st.maintenanceOngoing {
		if result.DataCompaction != nil {
			st.maintenanceOngoing = true
			h.startCompaction(*result.DataCompaction)
		} else if result.FileIndicesMerge != nil {
			st.maintenanceOngoing = true
			h.startIndexMerge(*result.FileIndicesMerge)
		}
	}
}

func (h *Handler) startEvictedFilesDeletion(ids []mooncake.FileId) {
	if len(ids) == 0 || h.deps.Cache == nil {
		return
	}
	go func() {
		for _, id := range ids {
			if err := h.deps.Cache.Evict(cache.Key{TableID: h.deps.TableID, FileID: uint64(id)}); err != nil {
				h.logf("handler: evicting cache entry for file %d: %v", id, err)
			}
		}
		h.events <- Event{Kind: kindEvictedFilesDeleted, evictedDeleted: ids}
	}()
}

func (h *Handler) startIcebergSnapshot(payload mooncake.IcebergSnapshotPayload) {
	go func() {
		ctx := context.Background()
		res, err := h.deps.Iceberg.SyncSnapshot(ctx, payload)
		if err != nil {
			h.events <- Event{Kind: kindIcebergSnapshotResult, icebergResult: icebergCompletion{err: err}}
			return
		}
		h.events <- Event{Kind: kindIcebergSnapshotResult, icebergResult: icebergCompletion{
			flushLSN: payload.FlushLSN,
			wal:      payload.WALPersistedFile,
		}}
		_ = res
	}()
}

func (h *Handler) handleIcebergSnapshotResult(ctx context.Context, st *loopState, ev Event) {
	st.icebergSnapshotOngoing = false
	comp := ev.icebergResult

	if comp.err != nil {
		h.failAllWaiters(st, comp.err)
	} else {
		st.icebergSnapshotResultConsumed = false
		if h.deps.WAL != nil && comp.wal != nil {
			truncateFrom := *comp.wal
			go func() {
				res, err := h.deps.WAL.PersistAndTruncate(context.Background(), &truncateFrom)
				if err != nil {
					h.logf("handler: wal truncate: %v", err)
					return
				}
				h.deps.WAL.HandleCompletedPersistAndTruncate(res)
			}()
		}
		h.fanOutSatisfiedWaiters(st, comp.flushLSN)
	}

	if st.dropTableRequested && !st.mooncakeSnapshotOngoing {
		h.runDropTable(ctx, st.dropReply)
	}
}

func (h *Handler) handleMaintenanceResult(ev Event) {
	comp := ev.maintenanceResult
	if comp.err != nil {
		h.logf("handler: maintenance failed: %v", comp.err)
		return
	}
	switch comp.kind {
	case maintenanceCompaction:
		h.deps.Table.ApplyDataCompactionResult(comp.compaction)
	case maintenanceIndexMerge:
		h.deps.Table.ApplyFileIndicesMergeResult(comp.indexMerge)
	}
}

func (h *Handler) startCompaction(payload mooncake.DataCompactionPayload) {
	go func() {
		result, err := mooncake.RunDataCompaction(h.deps.Table.Dir, h.deps.Table.Schema, h.deps.Table.Identity, payload, nil)
		h.events <- Event{Kind: kindMaintenanceResult, maintenanceResult: maintenanceCompletion{kind: maintenanceCompaction, compaction: result, err: err}}
	}()
}

func (h *Handler) startIndexMerge(payload mooncake.FileIndicesMergePayload) {
	go func() {
		result, err := mooncake.RunFileIndicesMerge(payload)
		h.events <- Event{Kind: kindMaintenanceResult, maintenanceResult: maintenanceCompletion{kind: maintenanceIndexMerge, indexMerge: result, err: err}}
	}()
}

// handleForceSnapshot implements spec §4.9 "Force-snapshot
// request(requested_lsn?, reply)".
func (h *Handler) handleForceSnapshot(st *loopState, ev Event) {
	requestedLSN := ev.ForceLSN
	if requestedLSN == nil {
		requestedLSN = st.latestCommitLSN
	}
	if requestedLSN == nil {
		replyOK(ev.ForceReply)
		return
	}

	replicationLSN := atomic.LoadUint64(&h.replicationLSN)
	var icebergLSN *uint64
	if snap := h.LatestSnapshot(); snap != nil {
		icebergLSN = snap.DataFileFlushLSN
	}
	if isSatisfied(*requestedLSN, icebergLSN, replicationLSN, st.tableConsistentViewLSN) {
		replyOK(ev.ForceReply)
		return
	}

	insertWaiter(st.waiters, *requestedLSN, ev.ForceReply)
}

// isSatisfied decides whether an iceberg-committed state already covers
// requestedLSN, per the Rust source's
// is_iceberg_snapshot_satisfy_force_snapshot.
func isSatisfied(requestedLSN uint64, icebergLSN *uint64, replicationLSN uint64, consistentViewLSN *uint64) bool {
	if icebergLSN == nil && consistentViewLSN == nil {
		return replicationLSN >= requestedLSN
	}
	if icebergLSN != nil && *icebergLSN >= requestedLSN {
		return true
	}
	if icebergLSN != nil && consistentViewLSN != nil && *icebergLSN == *consistentViewLSN && replicationLSN >= requestedLSN {
		return true
	}
	return false
}

func replyOK(reply chan error) {
	if reply != nil {
		reply <- nil
	}
}

func insertWaiter(waiters *list.List, lsn uint64, reply chan error) {
	for e := waiters.Front(); e != nil; e = e.Next() {
		we := e.Value.(*waiterEntry)
		if we.lsn == lsn {
			if reply != nil {
				we.replies = append(we.replies, reply)
			}
			return
		}
		if we.lsn > lsn {
			entry := &waiterEntry{lsn: lsn}
			if reply != nil {
				entry.replies = []chan error{reply}
			}
			waiters.InsertBefore(entry, e)
			return
		}
	}
	entry := &waiterEntry{lsn: lsn}
	if reply != nil {
		entry.replies = []chan error{reply}
	}
	waiters.PushBack(entry)
}

// fanOutSatisfiedWaiters replies to every waiter whose requested LSN is
// now covered by iceberg's flush LSN, removing them from st.waiters.
func (h *Handler) fanOutSatisfiedWaiters(st *loopState, icebergLSN uint64) {
	replicationLSN := atomic.LoadUint64(&h.replicationLSN)
	var next *list.Element
	for e := st.waiters.Front(); e != nil; e = next {
		next = e.Next()
		we := e.Value.(*waiterEntry)
		if isSatisfied(we.lsn, &icebergLSN, replicationLSN, st.tableConsistentViewLSN) {
			for _, r := range we.replies {
				replyOK(r)
			}
			st.waiters.Remove(e)
		}
	}
}

func (h *Handler) failAllWaiters(st *loopState, err error) {
	for e := st.waiters.Front(); e != nil; e = e.Next() {
		we := e.Value.(*waiterEntry)
		for _, r := range we.replies {
			if r != nil {
				r <- fmt.Errorf("handler: iceberg snapshot failed: %w", err)
			}
		}
	}
	st.waiters.Init()
}

func (h *Handler) runDropTable(ctx context.Context, reply chan error) {
	if err := h.deps.Table.Shutdown(); err != nil {
		replyErr(reply, err)
		return
	}
	if h.deps.Iceberg != nil {
		if err := h.deps.Iceberg.Catalog.DropTable(ctx, h.deps.Iceberg.Params.Namespace, h.deps.Iceberg.Params.Table); err != nil {
			replyErr(reply, err)
			return
		}
	}
	if h.deps.OnDropTable != nil {
		if err := h.deps.OnDropTable(ctx); err != nil {
			replyErr(reply, err)
			return
		}
	}
	replyOK(reply)
}

func replyErr(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}
