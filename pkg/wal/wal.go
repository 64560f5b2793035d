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

// Package wal implements the append-only event journal described in
// spec.md §4.5: an in-memory buffer of ingest events that gets persisted
// to numbered JSON files and truncated once the iceberg persistence
// manager has made those events durable elsewhere. The manager itself
// only ever runs on the table handler's event loop (see pkg/handler); it
// is not safe for concurrent use.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mooncake-labs/moonlink/pkg/accessor"
	"github.com/mooncake-labs/moonlink/pkg/row"
)

// EventKind is the closed set of WAL record kinds (spec §4.5).
type EventKind uint8

const (
	EventAppend EventKind = iota
	EventDelete
	EventCommit
	EventStreamAbort
	EventStreamFlush
)

func (k EventKind) String() string {
	switch k {
	case EventAppend:
		return "append"
	case EventDelete:
		return "delete"
	case EventCommit:
		return "commit"
	case EventStreamAbort:
		return "stream_abort"
	case EventStreamFlush:
		return "stream_flush"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one WAL record: a tagged ingest event inheriting the last
// observed LSN if it has none intrinsically (StreamAbort/StreamFlush).
type Event struct {
	Kind     EventKind `json:"kind"`
	Row      *row.Row  `json:"row,omitempty"`
	XactID   *uint32   `json:"xact_id,omitempty"`
	IsCopied bool      `json:"is_copied,omitempty"`
}

// Record is one line of a persisted WAL file: the event tagged with the
// LSN it became visible at.
type Record struct {
	LSN   uint64 `json:"lsn"`
	Event Event  `json:"event"`
}

// FileInfo describes a persisted WAL file in the live tracker.
type FileInfo struct {
	FileNumber  uint64
	HighestLSN  uint64
}

// Manager tracks the in-memory WAL buffer and the set of live persisted
// files. It is driven entirely by the table handler's single event loop
// (spec §4.5, §5): Insert is synchronous, PersistAndTruncate awaits I/O
// through the accessor, and the result is applied back with
// HandleCompletedPersistAndTruncate.
type Manager struct {
	Accessor accessor.Accessor

	buf          []Record
	highestLSN   uint64
	live         []FileInfo
	currFileNum  uint64
}

// New constructs an empty WAL manager writing through acc.
func New(acc accessor.Accessor) *Manager {
	return &Manager{Accessor: acc}
}

// FileName returns the on-disk name for a WAL file number, matching the
// spec §6 format `wal_{file_number}.json`.
func FileName(fileNumber uint64) string {
	return fmt.Sprintf("wal_%d.json", fileNumber)
}

// Insert appends an event to the in-memory buffer. Events with no
// intrinsic LSN (StreamAbort, StreamFlush) inherit the manager's last
// observed LSN; events carrying lsn must be non-decreasing.
func (m *Manager) Insert(ev Event, lsn uint64, hasLSN bool) {
	recordLSN := m.highestLSN
	if hasLSN {
		if lsn < m.highestLSN {
			panic("wal: event LSN went backwards")
		}
		recordLSN = lsn
		m.highestLSN = lsn
	}
	m.buf = append(m.buf, Record{LSN: recordLSN, Event: ev})
}

// Buffered reports the number of unpersisted events.
func (m *Manager) Buffered() int { return len(m.buf) }

// PendingFileInfo is the FileInfo that would be recorded if the current
// buffer were persisted right now.
func (m *Manager) PendingFileInfo() FileInfo {
	return FileInfo{FileNumber: m.currFileNum, HighestLSN: m.highestLSN}
}

// PersistResult is returned by PersistAndTruncate describing what
// happened, to be applied back via HandleCompletedPersistAndTruncate.
type PersistResult struct {
	FilePersisted       *FileInfo
	HighestDeletedFile  *FileInfo
	TruncatedFiles      []FileInfo
}

// PersistAndTruncate implements spec §4.5's two-step contract: if the
// buffer is non-empty, serialize it to wal_{N}.json; if truncateFromLSN
// is set, delete every live file whose HighestLSN is strictly less than
// it. The caller (table handler) applies the result serially with
// HandleCompletedPersistAndTruncate once this returns.
func (m *Manager) PersistAndTruncate(ctx context.Context, truncateFromLSN *uint64) (PersistResult, error) {
	var result PersistResult

	toPersist := m.take()
	fileInfo := FileInfo{FileNumber: m.currFileNum, HighestLSN: m.highestLSN}
	if len(toPersist) > 0 {
		data, err := json.Marshal(toPersist)
		if err != nil {
			return result, fmt.Errorf("wal: marshaling %s: %w", FileName(fileInfo.FileNumber), err)
		}
		if err := m.Accessor.WriteObject(ctx, FileName(fileInfo.FileNumber), data); err != nil {
			// restore the buffer so nothing is lost on failure: the
			// caller may retry PersistAndTruncate later.
			m.buf = append(toPersist, m.buf...)
			return result, fmt.Errorf("wal: persisting %s: %w", FileName(fileInfo.FileNumber), err)
		}
		result.FilePersisted = &fileInfo
	}

	if truncateFromLSN != nil {
		toDelete := m.filesToTruncate(*truncateFromLSN)
		for _, fi := range toDelete {
			if err := m.Accessor.DeleteObject(ctx, FileName(fi.FileNumber)); err != nil {
				return result, fmt.Errorf("wal: deleting %s: %w", FileName(fi.FileNumber), err)
			}
		}
		if len(toDelete) > 0 {
			highest := toDelete[len(toDelete)-1]
			result.HighestDeletedFile = &highest
			result.TruncatedFiles = toDelete
		}
	}

	return result, nil
}

func (m *Manager) take() []Record {
	buf := m.buf
	m.buf = nil
	return buf
}

// filesToTruncate returns the prefix of the live tracker whose entries
// all have HighestLSN < truncateFromLSN, matching the Rust
// get_files_to_truncate's "rposition of last file below the watermark"
// logic.
func (m *Manager) filesToTruncate(truncateFromLSN uint64) []FileInfo {
	lastIdx := -1
	for i, fi := range m.live {
		if fi.HighestLSN < truncateFromLSN {
			lastIdx = i
		}
	}
	if lastIdx < 0 {
		return nil
	}
	out := make([]FileInfo, lastIdx+1)
	copy(out, m.live[:lastIdx+1])
	return out
}

// HandleCompletedPersistAndTruncate applies the result of a prior
// PersistAndTruncate call: advances curr_file_number and pushes the newly
// persisted file onto the live tracker, then drops every truncated file
// from the front of the tracker.
func (m *Manager) HandleCompletedPersistAndTruncate(result PersistResult) {
	if result.FilePersisted != nil {
		if result.FilePersisted.FileNumber != m.currFileNum {
			panic("wal: out-of-order persist completion")
		}
		m.live = append(m.live, *result.FilePersisted)
		m.currFileNum++
	}
	if result.HighestDeletedFile != nil {
		idx := -1
		for i, fi := range m.live {
			if fi == *result.HighestDeletedFile {
				idx = i
			}
		}
		if idx < 0 {
			panic("wal: truncate completion references a file not in the live tracker")
		}
		m.live = append([]FileInfo(nil), m.live[idx+1:]...)
	}
}

// LiveFiles returns a copy of the currently tracked live WAL files, in
// file-number order.
func (m *Manager) LiveFiles() []FileInfo {
	out := make([]FileInfo, len(m.live))
	copy(out, m.live)
	sort.Slice(out, func(i, j int) bool { return out[i].FileNumber < out[j].FileNumber })
	return out
}

// ApplyRecoveredFiles seeds the live-file tracker and file-number counter
// from a prior process's persisted WAL files (cmd/moonlinkd's startup
// recovery, alongside Recover/RecoverFileInfos), so a newly constructed
// Manager's next PersistAndTruncate call continues the file-number
// sequence instead of colliding with files still on disk.
func (m *Manager) ApplyRecoveredFiles(files []FileInfo) {
	m.live = append([]FileInfo(nil), files...)
	sort.Slice(m.live, func(i, j int) bool { return m.live[i].FileNumber < m.live[j].FileNumber })
	for _, fi := range m.live {
		if fi.FileNumber >= m.currFileNum {
			m.currFileNum = fi.FileNumber + 1
		}
	}
}

// Recover reads WAL files in increasing file-number order starting from
// startFileNumber, yielding events with lsn >= beginFromLSN, stopping at
// the first missing file number (spec §4.5 Recovery).
func Recover(ctx context.Context, acc accessor.Accessor, startFileNumber, beginFromLSN uint64) ([]Record, error) {
	var out []Record
	for fileNumber := startFileNumber; ; fileNumber++ {
		name := FileName(fileNumber)
		exists, err := acc.ObjectExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("wal: checking %s: %w", name, err)
		}
		if !exists {
			return out, nil
		}
		data, err := acc.ReadObject(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("wal: reading %s: %w", name, err)
		}
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("wal: decoding %s: %w", name, err)
		}
		for _, r := range records {
			if r.LSN >= beginFromLSN {
				out = append(out, r)
			}
		}
	}
}

// RecoverFileInfos reads the same file sequence Recover does, but
// reports each file's own FileInfo (its highest LSN among all its
// records, independent of any beginFromLSN filter) for ApplyRecoveredFiles
// to seed a Manager's live-file tracker with.
func RecoverFileInfos(ctx context.Context, acc accessor.Accessor, startFileNumber uint64) ([]FileInfo, error) {
	var out []FileInfo
	for fileNumber := startFileNumber; ; fileNumber++ {
		name := FileName(fileNumber)
		exists, err := acc.ObjectExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("wal: checking %s: %w", name, err)
		}
		if !exists {
			return out, nil
		}
		data, err := acc.ReadObject(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("wal: reading %s: %w", name, err)
		}
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("wal: decoding %s: %w", name, err)
		}
		fi := FileInfo{FileNumber: fileNumber}
		for _, r := range records {
			if r.LSN > fi.HighestLSN {
				fi.HighestLSN = r.LSN
			}
		}
		out = append(out, fi)
	}
}
