// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

type TypeClass int

const (
	// Normal message events
	MessageEventType TypeClass = iota
	// State events
	StateEventType
	// Ephemeral events
	EphemeralEventType
	// Unknown events
	UnknownEventType
)

func (tc TypeClass) Name() string {
	switch tc {
	case MessageEventType:
		return "message"
	case StateEventType:
		return "state"
	case EphemeralEventType:
		return "ephemeral"
	default:
		return "unknown"
	}
}

type Type struct {
	Type  string
	Class TypeClass
}

func NewEventType(name string) Type {
	evtType := Type{Type: name}
	evtType.Class = evtType.GuessClass()
	return evtType
}

func (et *Type) IsState() bool {
	return et.Class == StateEventType
}

func (et *Type) IsEphemeral() bool {
	return et.Class == EphemeralEventType
}

func (et *Type) IsCustom() bool {
	return !strings.HasPrefix(et.Type, "m.")
}

func (et *Type) IsCall() bool {
	return strings.HasPrefix(et.Type, "m.call.")
}

func (et *Type) GuessClass() TypeClass {
	switch et.Type {
	case StateCanonicalAlias.Type, StateCreate.Type, StateMember.Type, StatePowerLevels.Type,
		StateRoomName.Type, StateTopic.Type, StateHistoryVisibility.Type:
		return StateEventType
	case EventMessage.Type, EventSticker.Type, EventRedaction.Type,
		EventCallInvite.Type, EventCallCandidates.Type, EventCallAnswer.Type, EventCallHangup.Type:
		return MessageEventType
	case EphemeralEventReceipt.Type, EphemeralEventTyping.Type:
		return EphemeralEventType
	default:
		return UnknownEventType
	}
}

func (et *Type) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, &et.Type)
	if err != nil {
		return err
	}
	et.Class = et.GuessClass()
	return nil
}

func (et Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(&et.Type)
}

func (et *Type) String() string {
	return et.Type
}

func (et *Type) Repr() string {
	return fmt.Sprintf("%s (%s)", et.Type, et.Class.Name())
}

// State events
var (
	StateCanonicalAlias    = Type{"m.room.canonical_alias", StateEventType}
	StateCreate            = Type{"m.room.create", StateEventType}
	StateMember            = Type{"m.room.member", StateEventType}
	StatePowerLevels       = Type{"m.room.power_levels", StateEventType}
	StateRoomName          = Type{"m.room.name", StateEventType}
	StateTopic             = Type{"m.room.topic", StateEventType}
	StateHistoryVisibility = Type{"m.room.history_visibility", StateEventType}
)

// Message events
var (
	EventMessage        = Type{"m.room.message", MessageEventType}
	EventSticker        = Type{"m.sticker", MessageEventType}
	EventRedaction      = Type{"m.room.redaction", MessageEventType}
	EventCallInvite     = Type{"m.call.invite", MessageEventType}
	EventCallCandidates = Type{"m.call.candidates", MessageEventType}
	EventCallAnswer     = Type{"m.call.answer", MessageEventType}
	EventCallHangup     = Type{"m.call.hangup", MessageEventType}
)

// Ephemeral events
var (
	EphemeralEventReceipt = Type{"m.receipt", EphemeralEventType}
	EphemeralEventTyping  = Type{"m.typing", EphemeralEventType}
)
