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

package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

func newTestAccessor(t *testing.T) accessor.Accessor {
	t.Helper()
	acc, err := accessor.NewLocalFS(t.TempDir(), "")
	require.NoError(t, err)
	return acc
}

// TestRecoveryWithLSNFilter is spec.md §8 scenario 4: five append events
// at LSNs 100..=104, persisted, then recovered from file 0 with
// begin_from_lsn=102 yields exactly the three events at 102, 103, 104.
func TestRecoveryWithLSNFilter(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor(t)
	m := New(acc)

	for lsn := uint64(100); lsn <= 104; lsn++ {
		m.Insert(Event{Kind: EventAppend, Row: &row.Row{Values: []row.Value{row.Int64(int64(lsn))}}}, lsn, true)
	}
	require.Equal(t, 5, m.Buffered())

	result, err := m.PersistAndTruncate(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, result.FilePersisted)
	m.HandleCompletedPersistAndTruncate(result)
	require.Equal(t, 0, m.Buffered())

	records, err := Recover(ctx, acc, 0, 102)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []uint64{102, 103, 104}, []uint64{records[0].LSN, records[1].LSN, records[2].LSN})
}

func TestInsertInheritsLastLSNForEventsWithoutOne(t *testing.T) {
	m := New(newTestAccessor(t))
	m.Insert(Event{Kind: EventAppend}, 10, true)
	xact := uint32(7)
	m.Insert(Event{Kind: EventStreamFlush, XactID: &xact}, 0, false)
	require.Equal(t, uint64(10), m.buf[1].LSN)
}

// TestPersistAndTruncateFileNumbering exercises the invariant that file
// numbers are strictly increasing and a file's highest_lsn is >= every
// LSN it contains and <= every LSN in later files.
func TestPersistAndTruncateFileNumbering(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor(t)
	m := New(acc)

	m.Insert(Event{Kind: EventAppend}, 1, true)
	r1, err := m.PersistAndTruncate(ctx, nil)
	require.NoError(t, err)
	m.HandleCompletedPersistAndTruncate(r1)

	m.Insert(Event{Kind: EventAppend}, 2, true)
	r2, err := m.PersistAndTruncate(ctx, nil)
	require.NoError(t, err)
	m.HandleCompletedPersistAndTruncate(r2)

	live := m.LiveFiles()
	require.Len(t, live, 2)
	require.Less(t, live[0].FileNumber, live[1].FileNumber)
	require.LessOrEqual(t, live[0].HighestLSN, live[1].HighestLSN)
}

// TestTruncateRemovesOnlyFilesBelowWatermark checks that after a
// successful truncate at L, no retained file contains only LSNs < L.
func TestTruncateRemovesOnlyFilesBelowWatermark(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor(t)
	m := New(acc)

	for lsn := uint64(1); lsn <= 3; lsn++ {
		m.Insert(Event{Kind: EventAppend}, lsn, true)
		r, err := m.PersistAndTruncate(ctx, nil)
		require.NoError(t, err)
		m.HandleCompletedPersistAndTruncate(r)
	}
	require.Len(t, m.LiveFiles(), 3)

	truncateFrom := uint64(3)
	r, err := m.PersistAndTruncate(ctx, &truncateFrom)
	require.NoError(t, err)
	m.HandleCompletedPersistAndTruncate(r)

	for _, fi := range m.LiveFiles() {
		require.False(t, fi.HighestLSN < truncateFrom)
	}
}

func TestPersistEmptyBufferIsNoOp(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessor(t)
	m := New(acc)

	result, err := m.PersistAndTruncate(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, result.FilePersisted)
	m.HandleCompletedPersistAndTruncate(result)
	require.Equal(t, uint64(0), m.currFileNum)
}
