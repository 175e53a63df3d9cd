// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package format decides whether an event produces something a consumer can
// display, and renders the fallback text for it.
//
// The timeline core uses this in two places: row admission (events that
// render nothing never become rows) and redaction resolution (a pruned
// event only keeps its row if it still renders text).
package format

import (
	"fmt"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
)

type Formatter interface {
	// IsDisplayable reports whether the event produces a visible row.
	IsDisplayable(evt *event.Event, state *event.RoomState) bool
	// RenderText returns the plaintext rendering of the event, or "" when
	// there is nothing to display.
	RenderText(evt *event.Event, state *event.RoomState) string
}

// TextFormatter is the default plaintext Formatter.
//
// Display rules: messages and stickers need a non-empty body, room name and
// topic changes always render, member changes render only when the
// membership itself changed, and among call events only the invite is shown.
// Redactions never render as rows of their own.
type TextFormatter struct{}

var _ Formatter = (*TextFormatter)(nil)

func (tf *TextFormatter) IsDisplayable(evt *event.Event, state *event.RoomState) bool {
	return tf.RenderText(evt, state) != ""
}

func (tf *TextFormatter) RenderText(evt *event.Event, state *event.RoomState) string {
	switch evt.Type.Type {
	case event.EventMessage.Type, event.EventSticker.Type:
		return evt.Body()
	case event.StateRoomName.Type:
		if state == nil || state.Name == "" {
			return ""
		}
		return fmt.Sprintf("%s named the room %q", tf.sender(evt, state), state.Name)
	case event.StateTopic.Type:
		if state == nil || state.Topic == "" {
			return ""
		}
		return fmt.Sprintf("%s set the topic to %q", tf.sender(evt, state), state.Topic)
	case event.StateMember.Type:
		return tf.renderMembership(evt, state)
	case event.EventCallInvite.Type:
		return fmt.Sprintf("%s placed a call", tf.sender(evt, state))
	default:
		return ""
	}
}

func (tf *TextFormatter) sender(evt *event.Event, state *event.RoomState) string {
	if state != nil {
		return state.DisplayName(evt.Sender)
	}
	return evt.Sender.String()
}

func (tf *TextFormatter) renderMembership(evt *event.Event, state *event.RoomState) string {
	sender := tf.sender(evt, state)
	targetID := id.UserID(evt.GetStateKey())
	target := targetID.String()
	if state != nil {
		target = state.DisplayName(targetID)
	}
	switch evt.Membership() {
	case event.MembershipJoin:
		return fmt.Sprintf("%s joined the room", target)
	case event.MembershipLeave:
		if evt.Sender.String() == evt.GetStateKey() {
			return fmt.Sprintf("%s left the room", target)
		}
		return fmt.Sprintf("%s kicked %s", sender, target)
	case event.MembershipInvite:
		return fmt.Sprintf("%s invited %s", sender, target)
	case event.MembershipBan:
		return fmt.Sprintf("%s banned %s", sender, target)
	default:
		return ""
	}
}
