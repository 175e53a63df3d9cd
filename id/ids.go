// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import "strings"

// A RoomID is a stable identifier for a conversation channel.
type RoomID string

// An EventID is the server-assigned identifier of a single event.
//
// Events that have not been confirmed by the server yet don't have a real
// event ID. They carry a temporary ID derived from the client-generated
// transaction ID instead, prefixed with ~ so it can never collide with a
// server-assigned one.
type EventID string

// A UserID identifies a user across the federation.
type UserID string

// A TransactionID is a client-generated identifier for an outgoing event.
// It links a local echo to the server-confirmed copy of the same message.
type TransactionID string

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

// IsTemporary reports whether this event ID is a client-side placeholder
// for a not-yet-confirmed event rather than a server-assigned ID.
func (eventID EventID) IsTemporary() bool {
	return strings.HasPrefix(string(eventID), "~")
}

func (userID UserID) String() string {
	return string(userID)
}

func (txnID TransactionID) String() string {
	return string(txnID)
}

// TempEventID returns the temporary event ID for a transaction ID.
func (txnID TransactionID) TempEventID() EventID {
	return EventID("~" + string(txnID))
}
