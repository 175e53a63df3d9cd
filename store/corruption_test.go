// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
)

type corruptionRecorder struct {
	NoopListener
	rooms  []id.RoomID
	causes []error
}

func (cr *corruptionRecorder) OnStoreCorrupted(roomID id.RoomID, reason error) {
	cr.rooms = append(cr.rooms, roomID)
	cr.causes = append(cr.causes, reason)
}

func corruptionTestEvent(eventID id.EventID) *event.Event {
	return &event.Event{
		ID:      eventID,
		RoomID:  "!room:example.org",
		Type:    event.EventMessage,
		Sender:  "@peer:example.org",
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
	}
}

func TestStore_CorruptionDetection(t *testing.T) {
	s := NewStore(Config{UserID: "@me:example.org", Log: zerolog.Nop()})
	recorder := &corruptionRecorder{}
	s.AddListener(recorder)
	roomID := id.RoomID("!room:example.org")
	require.NoError(t, s.PutLiveEvent(corruptionTestEvent("$E1"), nil))

	// Break the slice/index pairing behind the store's back; the next
	// mutation's consistency check must catch it.
	room := s.room(roomID)
	room.lock.Lock()
	room.byID["$ghost"] = corruptionTestEvent("$ghost")
	room.lock.Unlock()

	err := s.PutLiveEvent(corruptionTestEvent("$E2"), nil)
	require.ErrorIs(t, err, ErrStoreCorrupted)
	assert.True(t, s.IsCorrupted(roomID))
	require.Len(t, recorder.rooms, 1)
	assert.Equal(t, roomID, recorder.rooms[0])

	// A corrupted room refuses every write, and reports only once per
	// episode.
	err = s.PutLiveEvent(corruptionTestEvent("$E3"), nil)
	assert.ErrorIs(t, err, ErrStoreCorrupted)
	_, err = s.AppendPaginatedChunk(roomID, &Chunk{
		Start:  "tok",
		Events: []*event.Event{corruptionTestEvent("$E4")},
	}, DirectionBackward)
	assert.ErrorIs(t, err, ErrStoreCorrupted)
	assert.False(t, s.DeleteEvent(corruptionTestEvent("$E1")))
	assert.Len(t, recorder.rooms, 1)

	// Flushing the room discards the untrustworthy bookkeeping and clears
	// the mark.
	s.DeleteAllMessages(roomID, false)
	assert.False(t, s.IsCorrupted(roomID))
	require.NoError(t, s.PutLiveEvent(corruptionTestEvent("$E5"), nil))
	assert.Equal(t, 1, s.EventCount(roomID))
}
