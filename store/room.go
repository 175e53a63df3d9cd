// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
)

// roomStore holds one room's event sequence and receipt map. Each room has
// its own lock, so mutations in different rooms never contend.
type roomStore struct {
	roomID id.RoomID

	lock    sync.RWMutex
	events  []*event.Event // insertion order, chronological from the store's perspective
	byID    map[id.EventID]*event.Event
	pending map[id.TransactionID]*event.Event // unreconciled local echoes

	oldestToken string // token at the older edge of the retained window
	liveToken   string // token at the live edge

	receipts map[id.UserID]*Receipt

	corrupted          bool
	corruptedCause     error
	corruptionReported bool
}

func newRoomStore(roomID id.RoomID) *roomStore {
	return &roomStore{
		roomID:   roomID,
		byID:     make(map[id.EventID]*event.Event),
		pending:  make(map[id.TransactionID]*event.Event),
		receipts: make(map[id.UserID]*Receipt),
	}
}

// indexOf returns the position of an event in the stored sequence.
// Lookup by ID is O(1), position lookup walks the slice.
func (rs *roomStore) indexOf(eventID id.EventID) (int, bool) {
	if _, ok := rs.byID[eventID]; !ok {
		return -1, false
	}
	idx := slices.IndexFunc(rs.events, func(evt *event.Event) bool {
		return evt.ID == eventID
	})
	if idx < 0 {
		return -1, false
	}
	return idx, true
}

// checkConsistency validates the slice/index pairing after a splice. A
// mismatch means the room's bookkeeping can no longer be trusted.
func (rs *roomStore) checkConsistency() error {
	if len(rs.byID) != len(rs.events) {
		return fmt.Errorf("event index has %d entries but sequence has %d", len(rs.byID), len(rs.events))
	}
	return nil
}

func (rs *roomStore) markCorrupted(err error) {
	rs.corrupted = true
	rs.corruptedCause = err
}

// wouldReplace reports whether putLiveEvent would resolve this event
// against an existing entry (duplicate ID or pending echo with the same
// transaction ID) instead of growing the sequence.
func (rs *roomStore) wouldReplace(evt *event.Event) bool {
	if _, ok := rs.byID[evt.ID]; ok {
		return true
	}
	if txnID := evt.TxnID(); txnID != "" {
		if _, ok := rs.pending[txnID]; ok {
			return true
		}
	}
	return false
}

// putLiveEvent appends a live event, reconciling local echoes. It reports
// whether the event was newly admitted and, when an echo was replaced, the
// transaction ID it was known under.
func (rs *roomStore) putLiveEvent(evt *event.Event) (added bool, prevTxnID id.TransactionID, err error) {
	if rs.corrupted {
		return false, "", ErrStoreCorrupted
	}
	if existing, ok := rs.byID[evt.ID]; ok {
		// Duplicate event ID. The only copy allowed to be superseded is
		// an unreconciled local echo for the same logical message.
		if existing.IsPending() && existing.TxnID() != "" && existing.TxnID() == evt.TxnID() {
			rs.replaceInPlace(existing, evt)
			return true, existing.TxnID(), nil
		}
		return false, "", nil
	}
	if txnID := evt.TxnID(); txnID != "" {
		if echo, ok := rs.pending[txnID]; ok {
			// Server echo for a local echo stored under a temporary ID.
			// The server copy takes the echo's original position rather
			// than being re-appended, so buffered later events stay in
			// order across the swap.
			rs.replaceInPlace(echo, evt)
			return true, txnID, nil
		}
	}
	rs.events = append(rs.events, evt)
	rs.byID[evt.ID] = evt
	if evt.IsPending() && evt.TxnID() != "" {
		rs.pending[evt.TxnID()] = evt
	}
	if err := rs.checkConsistency(); err != nil {
		rs.markCorrupted(err)
		return false, "", fmt.Errorf("%w: %w", ErrStoreCorrupted, err)
	}
	return true, "", nil
}

func (rs *roomStore) replaceInPlace(old, new *event.Event) {
	idx, ok := rs.indexOf(old.ID)
	if !ok {
		// Index said the event exists but the sequence disagrees.
		rs.markCorrupted(fmt.Errorf("event %s indexed but not in sequence", old.ID))
		return
	}
	// The echo never carries a token, but keep the old one's just in case
	// a tokened event is ever replaced.
	if new.PaginationToken == "" {
		new.PaginationToken = old.PaginationToken
	}
	new.SendState = event.SendStateSent
	rs.events[idx] = new
	delete(rs.byID, old.ID)
	rs.byID[new.ID] = new
	delete(rs.pending, old.TxnID())
}

// appendChunk splices a paginated chunk into the sequence. Backwards chunks
// arrive newest-first and are prepended in chronological order; forwards
// chunks are appended as-is. Events already present are dropped so no
// event ID ever appears twice.
func (rs *roomStore) appendChunk(chunk *Chunk, direction Direction) (added []*event.Event, err error) {
	if rs.corrupted {
		return nil, ErrStoreCorrupted
	}
	fresh := make([]*event.Event, 0, len(chunk.Events))
	for _, evt := range chunk.Events {
		if _, ok := rs.byID[evt.ID]; ok {
			continue
		}
		fresh = append(fresh, evt)
	}
	if direction == DirectionBackward {
		slices.Reverse(fresh)
		if len(fresh) > 0 {
			// The continuation token marks the boundary before the oldest
			// event of the batch.
			if fresh[0].PaginationToken == "" {
				fresh[0].PaginationToken = chunk.Start
			}
			rs.events = append(fresh, rs.events...)
		}
		// An entirely-duplicate chunk spliced into the middle of the
		// window must not move the historical edge.
		if len(fresh) > 0 || len(rs.events) == 0 {
			rs.oldestToken = chunk.Start
		}
	} else {
		rs.events = append(rs.events, fresh...)
		if chunk.End != "" {
			rs.liveToken = chunk.End
		}
	}
	for _, evt := range fresh {
		rs.byID[evt.ID] = evt
	}
	if err := rs.checkConsistency(); err != nil {
		rs.markCorrupted(err)
		return nil, fmt.Errorf("%w: %w", ErrStoreCorrupted, err)
	}
	return fresh, nil
}

// getEarlierMessages returns up to limit events ending at fromToken. The
// batch boundary is an event carrying a pagination token: the walk extends
// past limit until one is found or the retained window is exhausted. An
// empty fromToken means "from the live end". Returns nil when fromToken is
// the known oldest token or cannot be located.
func (rs *roomStore) getEarlierMessages(fromToken string, limit int) *Chunk {
	if limit <= 0 {
		limit = defaultPaginationLimit
	}
	end := len(rs.events)
	endToken := rs.liveToken
	if fromToken != "" {
		if fromToken == rs.oldestToken {
			return nil
		}
		idx := slices.IndexFunc(rs.events, func(evt *event.Event) bool {
			return evt.PaginationToken == fromToken
		})
		if idx < 0 {
			return nil
		}
		end = idx
		endToken = fromToken
	}
	if end == 0 {
		return nil
	}
	start := end - 1
	for start > 0 {
		if end-start >= limit && rs.events[start].PaginationToken != "" {
			break
		}
		start--
	}
	chunk := &Chunk{
		Start:  rs.events[start].PaginationToken,
		End:    endToken,
		Events: slices.Clone(rs.events[start:end]),
	}
	if chunk.Start == "" {
		chunk.Start = rs.oldestToken
	}
	if fromToken == "" {
		if newest := chunk.Events[len(chunk.Events)-1]; newest.PaginationToken != "" {
			chunk.End = newest.PaginationToken
		}
	}
	return chunk
}

// deleteEvent removes a single event. Its pagination token, if any, is
// inherited by the next newer event so the token chain stays walkable.
func (rs *roomStore) deleteEvent(eventID id.EventID) bool {
	if rs.corrupted {
		return false
	}
	idx, ok := rs.indexOf(eventID)
	if !ok {
		return false
	}
	evt := rs.events[idx]
	if evt.PaginationToken != "" && idx+1 < len(rs.events) && rs.events[idx+1].PaginationToken == "" {
		rs.events[idx+1].PaginationToken = evt.PaginationToken
	}
	rs.events = slices.Delete(rs.events, idx, idx+1)
	delete(rs.byID, eventID)
	if evt.TxnID() != "" {
		delete(rs.pending, evt.TxnID())
	}
	return true
}

// deleteAllMessages clears the room. With keepUnsent, everything that is
// not in the sent state survives so in-flight and failed sends are not
// lost. Clearing also resets a corruption mark: the bookkeeping that could
// not be trusted is gone.
func (rs *roomStore) deleteAllMessages(keepUnsent bool) {
	var kept []*event.Event
	if keepUnsent {
		for _, evt := range rs.events {
			if evt.SendState != event.SendStateSent {
				kept = append(kept, evt)
			}
		}
	}
	rs.events = kept
	rs.byID = make(map[id.EventID]*event.Event, len(kept))
	rs.pending = make(map[id.TransactionID]*event.Event)
	for _, evt := range kept {
		rs.byID[evt.ID] = evt
		if evt.TxnID() != "" {
			rs.pending[evt.TxnID()] = evt
		}
	}
	rs.oldestToken = ""
	rs.liveToken = ""
	rs.corrupted = false
	rs.corruptedCause = nil
	rs.corruptionReported = false
}
