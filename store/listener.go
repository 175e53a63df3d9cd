// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
)

// Direction distinguishes the two ends of a room timeline.
type Direction rune

const (
	DirectionBackward Direction = 'b'
	DirectionForward  Direction = 'f'
)

func (d Direction) String() string {
	switch d {
	case DirectionBackward:
		return "backward"
	case DirectionForward:
		return "forward"
	default:
		return "unknown"
	}
}

// Chunk is a contiguous slice of room history bounded by pagination tokens.
//
// Events are in chronological order. Start is the opaque token at the older
// edge (pass it to the next backwards fetch), End the token at the newer
// edge. An empty Start at the oldest end of a room means the beginning of
// history has been reached.
type Chunk struct {
	Start  string
	End    string
	Events []*event.Event
}

// Listener receives store-level notifications. All callbacks are invoked
// outside the store's internal locks, so a listener may call back into the
// store, but it must not assume the state that triggered the callback is
// still current.
type Listener interface {
	// OnEvent fires for every newly stored event: live events with
	// DirectionForward, back-paginated history with DirectionBackward.
	OnEvent(evt *event.Event, direction Direction, state *event.RoomState)
	// OnEventSent fires when a local echo has been reconciled with its
	// server-confirmed identity.
	OnEventSent(evt *event.Event, prevTxnID id.TransactionID)
	// OnReceipt fires with the users whose read receipts were accepted.
	OnReceipt(roomID id.RoomID, senders []id.UserID)
	// OnRoomFlush fires when a room's stored messages were cleared.
	OnRoomFlush(roomID id.RoomID)
	// OnStoreCorrupted fires when a structural invariant violation was
	// detected. The room refuses writes until it is flushed or the store
	// is cleared.
	OnStoreCorrupted(roomID id.RoomID, reason error)
	// OnStoreOutOfMemory fires when the store hit its retention cap and
	// abandoned the triggering operation.
	OnStoreOutOfMemory(reason error)
}

// NoopListener implements Listener with no-ops, for embedding in listeners
// that only care about a subset of callbacks.
type NoopListener struct{}

var _ Listener = (*NoopListener)(nil)

func (*NoopListener) OnEvent(*event.Event, Direction, *event.RoomState)  {}
func (*NoopListener) OnEventSent(*event.Event, id.TransactionID)         {}
func (*NoopListener) OnReceipt(id.RoomID, []id.UserID)                   {}
func (*NoopListener) OnRoomFlush(id.RoomID)                              {}
func (*NoopListener) OnStoreCorrupted(id.RoomID, error)                  {}
func (*NoopListener) OnStoreOutOfMemory(error)                           {}
