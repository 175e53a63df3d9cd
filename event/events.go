// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/jsontime"

	"github.com/loom-im/loom/id"
)

// Event is a single unit of room history: a message, a state change, or a
// protocol signal such as a redaction or call control event.
//
// Events are immutable after creation with two exceptions: redaction prunes
// the content in place, and local-echo reconciliation assigns the
// server-side identity (ID, timestamp, send state) to the echo.
type Event struct {
	StateKey  *string            `json:"state_key,omitempty"`
	Sender    id.UserID          `json:"sender,omitempty"`
	Type      Type               `json:"type"`
	Timestamp jsontime.UnixMilli `json:"origin_server_ts,omitempty"` // zero for pending local echoes
	ID        id.EventID         `json:"event_id,omitempty"`
	RoomID    id.RoomID          `json:"room_id,omitempty"`
	Content   json.RawMessage    `json:"content"`
	Redacts   id.EventID         `json:"redacts,omitempty"` // only for redaction events
	Unsigned  Unsigned           `json:"unsigned,omitempty"`

	SendState     SendState        `json:"-"`
	TransactionID id.TransactionID `json:"-"`

	// PaginationToken is set only on events that mark the boundary of a
	// contiguous retrieved range.
	PaginationToken string `json:"-"`
}

type Unsigned struct {
	TransactionID   id.TransactionID `json:"transaction_id,omitempty"`
	Age             int64            `json:"age,omitempty"`
	RedactedBecause *Event           `json:"redacted_because,omitempty"`
}

func (u *Unsigned) IsEmpty() bool {
	return u.TransactionID == "" && u.Age == 0 && u.RedactedBecause == nil
}

func (evt *Event) GetStateKey() string {
	if evt.StateKey != nil {
		return *evt.StateKey
	}
	return ""
}

// TxnID returns the transaction ID linking this event to a local echo:
// either the locally remembered one or the server-reflected unsigned copy.
func (evt *Event) TxnID() id.TransactionID {
	if evt.TransactionID != "" {
		return evt.TransactionID
	}
	return evt.Unsigned.TransactionID
}

// IsPending reports whether this event is a local echo that has not been
// confirmed by the server yet.
func (evt *Event) IsPending() bool {
	return evt.ID.IsTemporary() || evt.SendState.IsPending()
}

// Body returns the plaintext body of a message-like event, or "" if the
// content has none.
func (evt *Event) Body() string {
	return gjson.GetBytes(evt.Content, "body").Str
}

// MsgType returns the msgtype field of a message event.
func (evt *Event) MsgType() string {
	return gjson.GetBytes(evt.Content, "msgtype").Str
}

// Membership returns the membership field of a member state event.
func (evt *Event) Membership() string {
	return gjson.GetBytes(evt.Content, "membership").Str
}

// RedactsEventID returns the target of a redaction event. The target may be
// in the top-level redacts field or inside the content depending on the
// sending server's protocol version, so both are checked.
func (evt *Event) RedactsEventID() id.EventID {
	if evt.Redacts != "" {
		return evt.Redacts
	}
	return id.EventID(gjson.GetBytes(evt.Content, "redacts").Str)
}

// redactionKeepKeys lists the content keys that survive pruning, per event
// type. Types not listed here lose their entire content.
var redactionKeepKeys = map[string][]string{
	StateMember.Type:            {"membership"},
	StateCreate.Type:            {"creator"},
	StateCanonicalAlias.Type:    {"alias"},
	StateHistoryVisibility.Type: {"history_visibility"},
	StatePowerLevels.Type: {
		"ban", "events", "events_default", "kick", "redact",
		"state_default", "users", "users_default",
	},
}

// Prune replaces the event's content with its redacted form, keeping only
// the protocol-essential keys for the event's type. The caller is expected
// to re-test displayability afterwards; pruning never decides whether the
// event stays visible.
func (evt *Event) Prune(because *Event) {
	pruned := json.RawMessage("{}")
	for _, key := range redactionKeepKeys[evt.Type.Type] {
		res := gjson.GetBytes(evt.Content, key)
		if res.Exists() {
			pruned, _ = sjson.SetRawBytes(pruned, key, []byte(res.Raw))
		}
	}
	evt.Content = pruned
	evt.Unsigned.RedactedBecause = because
}

// IsRedacted reports whether the event has been pruned by a redaction.
func (evt *Event) IsRedacted() bool {
	return evt.Unsigned.RedactedBecause != nil
}
