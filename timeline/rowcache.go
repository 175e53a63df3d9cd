// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package timeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/format"
	"github.com/loom-im/loom/id"
)

// MessageRow is one consumer-visible timeline entry: an event paired with
// the room state as of that event. The cache holds references to events,
// never copies; a redaction pruning the underlying event is visible
// through the row immediately.
type MessageRow struct {
	Event *event.Event
	State *event.RoomState
}

func (row *MessageRow) timestamp() time.Time {
	return row.Event.Timestamp.Time
}

// RowCache maintains the deduplicated, ordered list of rows a consumer
// sees, with dedicated handling for local echoes: the optimistic row
// created at send time keeps its identity and position when the
// server-confirmed event for the same transaction ID arrives.
//
// Absent lookups return nil: "not currently displayable" is a normal
// outcome, not an integrity error.
type RowCache struct {
	log       zerolog.Logger
	formatter format.Formatter

	lock  sync.RWMutex
	rows  []*MessageRow
	byID  map[id.EventID]*MessageRow
	byTxn map[id.TransactionID]*MessageRow

	searching    bool
	liveSnapshot []*MessageRow
}

func NewRowCache(formatter format.Formatter, log zerolog.Logger) *RowCache {
	return &RowCache{
		log:       log.With().Str("component", "rowcache").Logger(),
		formatter: formatter,
		byID:      make(map[id.EventID]*MessageRow),
		byTxn:     make(map[id.TransactionID]*MessageRow),
	}
}

// shouldSave is the admission rule: the event must be displayable, and no
// row for the same event ID may already exist unless that row is a pending
// echo being superseded (which Add resolves as an in-place swap).
func (rc *RowCache) shouldSave(row *MessageRow) bool {
	if !rc.formatter.IsDisplayable(row.Event, row.State) {
		return false
	}
	if existing, ok := rc.byID[row.Event.ID]; ok {
		return existing.Event.IsPending() && existing.Event.TxnID() == row.Event.TxnID()
	}
	return true
}

// Add appends a row at the live end. With refresh, the visible list is
// re-sorted by timestamp afterwards to repair out-of-order arrivals.
// Returns whether the row was admitted.
func (rc *RowCache) Add(row *MessageRow, refresh bool) bool {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if !rc.admit(row, false) {
		return false
	}
	if refresh {
		slices.SortStableFunc(rc.rows, func(a, b *MessageRow) int {
			return a.timestamp().Compare(b.timestamp())
		})
	}
	return true
}

// AddToFront prepends a row, for back-pagination results. Same admission
// rule as Add.
func (rc *RowCache) AddToFront(row *MessageRow) bool {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.admit(row, true)
}

func (rc *RowCache) admit(row *MessageRow, front bool) bool {
	if !rc.shouldSave(row) {
		return false
	}
	if existing, ok := rc.byID[row.Event.ID]; ok {
		// Pending echo superseded under the same event ID: swap the event
		// in place, the row keeps its position.
		existing.Event = row.Event
		existing.State = row.State
		return true
	}
	if front {
		rc.rows = append([]*MessageRow{row}, rc.rows...)
	} else {
		rc.rows = append(rc.rows, row)
	}
	rc.byID[row.Event.ID] = row
	if row.Event.IsPending() && row.Event.TxnID() != "" {
		rc.byTxn[row.Event.TxnID()] = row
	}
	return true
}

// ConfirmLocalEcho swaps the server-confirmed event into the optimistic
// row for the same transaction ID, preserving the row's identity and
// position. If a row for the confirmed event ID already arrived separately
// (duplicate arrival race), the redundant echo row is dropped instead.
// Returns the surviving row, or nil if no echo row was pending.
func (rc *RowCache) ConfirmLocalEcho(evt *event.Event, prevTxnID id.TransactionID) *MessageRow {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	echoRow, ok := rc.byTxn[prevTxnID]
	if !ok {
		return nil
	}
	delete(rc.byTxn, prevTxnID)
	if existing, ok := rc.byID[evt.ID]; ok && existing != echoRow {
		rc.removeRowLocked(echoRow)
		return existing
	}
	// The caller may hand in the same Event pointer the echo row already
	// holds, with the ID mutated by the store's reconciliation. Drop the
	// temporary-ID index entry explicitly rather than trusting the
	// pointer's current ID.
	delete(rc.byID, echoRow.Event.ID)
	delete(rc.byID, prevTxnID.TempEventID())
	echoRow.Event = evt
	rc.byID[evt.ID] = echoRow
	return echoRow
}

// Row returns the visible row for an event ID, or nil.
func (rc *RowCache) Row(eventID id.EventID) *MessageRow {
	rc.lock.RLock()
	defer rc.lock.RUnlock()
	return rc.byID[eventID]
}

// Rows returns a snapshot of the visible row list.
func (rc *RowCache) Rows() []*MessageRow {
	rc.lock.RLock()
	defer rc.lock.RUnlock()
	return slices.Clone(rc.rows)
}

func (rc *RowCache) Len() int {
	rc.lock.RLock()
	defer rc.lock.RUnlock()
	return len(rc.rows)
}

// RemoveRow drops the row for an event ID, e.g. after a redaction left
// nothing displayable. Reports whether a row was removed.
func (rc *RowCache) RemoveRow(eventID id.EventID) bool {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	row, ok := rc.byID[eventID]
	if !ok {
		return false
	}
	rc.removeRowLocked(row)
	return true
}

func (rc *RowCache) removeRowLocked(row *MessageRow) {
	idx := slices.Index(rc.rows, row)
	if idx >= 0 {
		rc.rows = slices.Delete(rc.rows, idx, idx+1)
	}
	delete(rc.byID, row.Event.ID)
	if txnID := row.Event.TxnID(); txnID != "" {
		delete(rc.byTxn, txnID)
	}
}

// ClosestRowFromTs returns the earliest row at or after the given
// timestamp, for placing a jump target near an event that was filtered out
// as non-displayable. Nil when every row is older.
func (rc *RowCache) ClosestRowFromTs(ts time.Time) *MessageRow {
	rc.lock.RLock()
	defer rc.lock.RUnlock()
	for _, row := range rc.rows {
		if !row.timestamp().Before(ts) {
			return row
		}
	}
	return nil
}

// ClosestRowBeforeTs returns the latest row at or before the given
// timestamp, for read-marker placement. Nil when every row is newer.
func (rc *RowCache) ClosestRowBeforeTs(ts time.Time) *MessageRow {
	rc.lock.RLock()
	defer rc.lock.RUnlock()
	for i := len(rc.rows) - 1; i >= 0; i-- {
		if !rc.rows[i].timestamp().After(ts) {
			return rc.rows[i]
		}
	}
	return nil
}

// EnterSearchMode sets the live row list aside and replaces the working
// list with the rows matching the filter. Mutations while searching apply
// to the working copy only.
func (rc *RowCache) EnterSearchMode(filter func(*MessageRow) bool) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if rc.searching {
		return
	}
	rc.searching = true
	rc.liveSnapshot = rc.rows
	filtered := make([]*MessageRow, 0, len(rc.rows))
	for _, row := range rc.rows {
		if filter == nil || filter(row) {
			filtered = append(filtered, row)
		}
	}
	rc.rows = filtered
}

// ExitSearchMode restores the live row selection verbatim. Event data
// mutated in the underlying store during the search stays mutated: the
// restore is of row selection, not of event content.
func (rc *RowCache) ExitSearchMode() {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if !rc.searching {
		return
	}
	rc.searching = false
	rc.rows = rc.liveSnapshot
	rc.liveSnapshot = nil
	rc.reindexLocked()
}

// Flush drops every row, e.g. after the store cleared the room.
func (rc *RowCache) Flush() {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	rc.rows = nil
	rc.liveSnapshot = nil
	rc.searching = false
	rc.byID = make(map[id.EventID]*MessageRow)
	rc.byTxn = make(map[id.TransactionID]*MessageRow)
}

func (rc *RowCache) reindexLocked() {
	rc.byID = make(map[id.EventID]*MessageRow, len(rc.rows))
	rc.byTxn = make(map[id.TransactionID]*MessageRow)
	for _, row := range rc.rows {
		rc.byID[row.Event.ID] = row
		if row.Event.IsPending() && row.Event.TxnID() != "" {
			rc.byTxn[row.Event.TxnID()] = row
		}
	}
}
