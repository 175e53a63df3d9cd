// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
)

// Receipt is a per-user marker of the last event read in a room. Each user
// has at most one live receipt per room.
type Receipt struct {
	RoomID    id.RoomID
	UserID    id.UserID
	EventID   id.EventID
	Timestamp time.Time
}

// UnreadPolicy decides whether an event counts towards a user's unread
// total.
type UnreadPolicy func(evt *event.Event, userID id.UserID) bool

// DefaultUnreadPolicy excludes the user's own events and membership
// changes from unread counting. The membership exclusion is deliberate
// product behavior carried over from the reference client, not an
// optimization.
func DefaultUnreadPolicy(evt *event.Event, userID id.UserID) bool {
	if evt.Sender == userID {
		return false
	}
	if evt.Type.Type == event.StateMember.Type {
		return false
	}
	return true
}

// admitReceipt applies the receipt admission rule. A new receipt for a user
// is rejected when it names the event the current receipt already points
// at, when its timestamp is older, or — for the local user only — when the
// named event is not strictly after the current one in stored order. The
// last rule keeps the read marker from moving backwards under out-of-order
// receipt delivery.
func (rs *roomStore) admitReceipt(receipt *Receipt, localUser id.UserID) bool {
	current := rs.receipts[receipt.UserID]
	if current == nil {
		rs.receipts[receipt.UserID] = receipt
		return true
	}
	if current.EventID == receipt.EventID {
		return false
	}
	if receipt.Timestamp.Before(current.Timestamp) {
		return false
	}
	if receipt.UserID == localUser {
		newPos, newKnown := rs.indexOf(receipt.EventID)
		curPos, curKnown := rs.indexOf(current.EventID)
		if !newKnown {
			// Can't prove the new event is ahead of the current marker.
			return false
		}
		if curKnown && newPos <= curPos {
			return false
		}
	}
	rs.receipts[receipt.UserID] = receipt
	return true
}

// StoreReceipt records a single read receipt, returning whether it was
// accepted. Accepted receipts are announced via OnReceipt.
func (s *Store) StoreReceipt(receipt *Receipt) bool {
	accepted := s.StoreReceipts(receipt.RoomID, receipt)
	return len(accepted) > 0
}

// StoreReceipts records a batch of receipts for one room and returns the
// users whose receipts were accepted.
func (s *Store) StoreReceipts(roomID id.RoomID, receipts ...*Receipt) []id.UserID {
	room := s.room(roomID)
	room.lock.Lock()
	var accepted []id.UserID
	for _, receipt := range receipts {
		if receipt.RoomID == "" {
			receipt.RoomID = roomID
		}
		if room.admitReceipt(receipt, s.userID) {
			accepted = append(accepted, receipt.UserID)
		}
	}
	room.lock.Unlock()
	if len(accepted) > 0 {
		for _, listener := range s.listenersSnapshot() {
			listener.OnReceipt(roomID, accepted)
		}
	}
	return accepted
}

// GetReceipt returns the live receipt of a user in a room, or nil.
func (s *Store) GetReceipt(roomID id.RoomID, userID id.UserID) *Receipt {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.receipts[userID]
}

// GetEventReceipts returns all receipts pointing at the given event,
// sorted oldest first.
func (s *Store) GetEventReceipts(roomID id.RoomID, eventID id.EventID) []*Receipt {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	var receipts []*Receipt
	for _, receipt := range room.receipts {
		if receipt.EventID == eventID {
			receipts = append(receipts, receipt)
		}
	}
	slices.SortFunc(receipts, func(a, b *Receipt) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return receipts
}

// IsEventRead reports whether the user's receipt is at or past the given
// event in stored order. Unknown events are never read.
func (s *Store) IsEventRead(roomID id.RoomID, userID id.UserID, eventID id.EventID) bool {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	receipt := room.receipts[userID]
	if receipt == nil {
		return false
	}
	eventPos, ok := room.indexOf(eventID)
	if !ok {
		return false
	}
	receiptPos, ok := room.indexOf(receipt.EventID)
	if !ok {
		return false
	}
	return receiptPos >= eventPos
}

// UnreadEvents returns the events after the user's receipt that count as
// unread under the store's unread policy. With no receipt, the whole
// retained window is considered.
func (s *Store) UnreadEvents(roomID id.RoomID, userID id.UserID) []*event.Event {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	from := 0
	if receipt := room.receipts[userID]; receipt != nil {
		if pos, ok := room.indexOf(receipt.EventID); ok {
			from = pos + 1
		}
	}
	var unread []*event.Event
	for _, evt := range room.events[from:] {
		if s.unreadPolicy(evt, userID) {
			unread = append(unread, evt)
		}
	}
	return unread
}

// UnreadCount is UnreadEvents without materializing the slice.
func (s *Store) UnreadCount(roomID id.RoomID, userID id.UserID) int {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	from := 0
	if receipt := room.receipts[userID]; receipt != nil {
		if pos, ok := room.indexOf(receipt.EventID); ok {
			from = pos + 1
		}
	}
	count := 0
	for _, evt := range room.events[from:] {
		if s.unreadPolicy(evt, userID) {
			count++
		}
	}
	return count
}
