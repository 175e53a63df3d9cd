// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/loom-im/loom/id"
)

// Membership values for member state events.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
)

type Member struct {
	Membership  string `json:"membership"`
	Displayname string `json:"displayname,omitempty"`
}

// RoomState is a materialized snapshot of cumulative state-event
// application for one room at a point in the timeline.
//
// Every stored event is paired with the room state as of that event, so a
// consumer can render history faithfully even as the state changes over
// time. Snapshots are produced with Clone before each mutation; a snapshot
// handed out is never modified afterwards.
type RoomState struct {
	RoomID            id.RoomID
	Name              string
	Topic             string
	CanonicalAlias    string
	HistoryVisibility string
	Members           map[id.UserID]Member
	PowerLevels       json.RawMessage
}

func NewRoomState(roomID id.RoomID) *RoomState {
	return &RoomState{
		RoomID:  roomID,
		Members: make(map[id.UserID]Member),
	}
}

// Apply folds a state event into the snapshot and reports whether anything
// changed. Non-state events are ignored.
func (rs *RoomState) Apply(evt *Event) bool {
	if !evt.Type.IsState() {
		return false
	}
	switch evt.Type.Type {
	case StateRoomName.Type:
		name := gjson.GetBytes(evt.Content, "name").Str
		if rs.Name == name {
			return false
		}
		rs.Name = name
	case StateTopic.Type:
		topic := gjson.GetBytes(evt.Content, "topic").Str
		if rs.Topic == topic {
			return false
		}
		rs.Topic = topic
	case StateCanonicalAlias.Type:
		alias := gjson.GetBytes(evt.Content, "alias").Str
		if rs.CanonicalAlias == alias {
			return false
		}
		rs.CanonicalAlias = alias
	case StateHistoryVisibility.Type:
		hv := gjson.GetBytes(evt.Content, "history_visibility").Str
		if rs.HistoryVisibility == hv {
			return false
		}
		rs.HistoryVisibility = hv
	case StateMember.Type:
		target := id.UserID(evt.GetStateKey())
		if target == "" {
			return false
		}
		member := Member{
			Membership:  evt.Membership(),
			Displayname: gjson.GetBytes(evt.Content, "displayname").Str,
		}
		if rs.Members[target] == member {
			return false
		}
		rs.Members[target] = member
	case StatePowerLevels.Type:
		rs.PowerLevels = evt.Content
	default:
		return false
	}
	return true
}

// Clone returns a copy safe to keep as an immutable snapshot while the
// original continues to accumulate state.
func (rs *RoomState) Clone() *RoomState {
	clone := *rs
	clone.Members = make(map[id.UserID]Member, len(rs.Members))
	for userID, member := range rs.Members {
		clone.Members[userID] = member
	}
	return &clone
}

// Member returns the membership record for a user, with a sane zero value
// for users the room has never seen.
func (rs *RoomState) Member(userID id.UserID) Member {
	member, ok := rs.Members[userID]
	if !ok {
		return Member{Membership: MembershipLeave}
	}
	return member
}

// DisplayName returns the best available human-readable name for a user.
func (rs *RoomState) DisplayName(userID id.UserID) string {
	if member, ok := rs.Members[userID]; ok && member.Displayname != "" {
		return member.Displayname
	}
	return userID.String()
}

func (rs *RoomState) JoinedMemberCount() int {
	count := 0
	for _, member := range rs.Members {
		if member.Membership == MembershipJoin {
			count++
		}
	}
	return count
}
