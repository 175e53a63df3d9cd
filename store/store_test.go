// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/store"
)

const (
	testRoom  = id.RoomID("!room:example.org")
	localUser = id.UserID("@me:example.org")
	peerUser  = id.UserID("@peer:example.org")
)

func newTestStore(maxEvents int) *store.Store {
	return store.NewStore(store.Config{
		UserID:           localUser,
		Log:              zerolog.Nop(),
		MaxEventsPerRoom: maxEvents,
	})
}

func makeMessage(eventID id.EventID, sender id.UserID, body string, ts int64) *event.Event {
	content, _ := json.Marshal(map[string]any{"msgtype": "m.text", "body": body})
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoom,
		Type:      event.EventMessage,
		Sender:    sender,
		Timestamp: jsontime.UM(time.UnixMilli(ts)),
		Content:   content,
	}
}

func makeEcho(txnID id.TransactionID, body string) *event.Event {
	evt := makeMessage(txnID.TempEventID(), localUser, body, time.Now().UnixMilli())
	evt.SendState = event.SendStateUnsent
	evt.TransactionID = txnID
	return evt
}

func eventIDs(evts []*event.Event) []id.EventID {
	ids := make([]id.EventID, len(evts))
	for i, evt := range evts {
		ids[i] = evt.ID
	}
	return ids
}

// recordingListener captures listener callbacks for assertions. Store
// callbacks run synchronously on the mutating goroutine, so no locking is
// needed in tests.
type recordingListener struct {
	store.NoopListener
	events     []id.EventID
	directions []store.Direction
	sent       []id.TransactionID
	receipts   [][]id.UserID
	flushes    []id.RoomID
	corrupted  []error
	oom        []error
}

func (rl *recordingListener) OnEvent(evt *event.Event, direction store.Direction, state *event.RoomState) {
	rl.events = append(rl.events, evt.ID)
	rl.directions = append(rl.directions, direction)
}

func (rl *recordingListener) OnEventSent(evt *event.Event, prevTxnID id.TransactionID) {
	rl.sent = append(rl.sent, prevTxnID)
}

func (rl *recordingListener) OnReceipt(roomID id.RoomID, senders []id.UserID) {
	rl.receipts = append(rl.receipts, senders)
}

func (rl *recordingListener) OnRoomFlush(roomID id.RoomID) {
	rl.flushes = append(rl.flushes, roomID)
}

func (rl *recordingListener) OnStoreCorrupted(roomID id.RoomID, reason error) {
	rl.corrupted = append(rl.corrupted, reason)
}

func (rl *recordingListener) OnStoreOutOfMemory(reason error) {
	rl.oom = append(rl.oom, reason)
}

func TestPutLiveEvent_Duplicate(t *testing.T) {
	s := newTestStore(0)
	listener := &recordingListener{}
	s.AddListener(listener)
	evt := makeMessage("$e1", peerUser, "hello", 1000)
	require.NoError(t, s.PutLiveEvent(evt, nil))
	require.NoError(t, s.PutLiveEvent(makeMessage("$e1", peerUser, "hello again", 2000), nil))
	assert.Equal(t, 1, s.EventCount(testRoom))
	assert.Equal(t, []id.EventID{"$e1"}, listener.events)
	assert.Equal(t, []store.Direction{store.DirectionForward}, listener.directions)
	// The original copy survives.
	assert.Equal(t, "hello", s.GetEvent(testRoom, "$e1").Body())
}

func TestPutLiveEvent_ServerEchoKeepsPosition(t *testing.T) {
	s := newTestStore(0)
	listener := &recordingListener{}
	s.AddListener(listener)

	echo := makeEcho("loom-txn1", "outgoing")
	require.NoError(t, s.PutLiveEvent(echo, nil))
	require.NoError(t, s.PutLiveEvent(makeMessage("$later", peerUser, "crossed on the wire", 5000), nil))

	serverCopy := makeMessage("$confirmed", localUser, "outgoing", 4000)
	serverCopy.Unsigned.TransactionID = "loom-txn1"
	require.NoError(t, s.PutLiveEvent(serverCopy, nil))

	// The server copy took the echo's slot instead of being re-appended.
	chunk := s.GetEarlierMessages(testRoom, "", 10)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$confirmed", "$later"}, eventIDs(chunk.Events))
	assert.Equal(t, event.SendStateSent, s.GetEvent(testRoom, "$confirmed").SendState)
	assert.Nil(t, s.GetPendingEvent(testRoom, "loom-txn1"))
	assert.Equal(t, []id.TransactionID{"loom-txn1"}, listener.sent)
}

func TestAppendPaginatedChunk_SpecScenario(t *testing.T) {
	s := newTestStore(0)
	// A backwards fetch delivers newest-first; E1 is the oldest and the
	// chunk continues at tok_E1.
	added, err := s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start: "tok_E1",
		Events: []*event.Event{
			makeMessage("$E3", peerUser, "three", 3000),
			makeMessage("$E2", peerUser, "two", 2000),
			makeMessage("$E1", peerUser, "one", 1000),
		},
	}, store.DirectionBackward)
	require.NoError(t, err)
	assert.Len(t, added, 3)

	chunk := s.GetEarlierMessages(testRoom, "", 10)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$E1", "$E2", "$E3"}, eventIDs(chunk.Events))
	assert.Equal(t, "tok_E1", chunk.Start)

	// tok_E1 is the oldest known token: nothing earlier is retained, and
	// asking again stays settled at nil.
	assert.Nil(t, s.GetEarlierMessages(testRoom, "tok_E1", 10))
	assert.Nil(t, s.GetEarlierMessages(testRoom, "tok_E1", 10))
}

func TestAppendPaginatedChunk_DuplicatesDropped(t *testing.T) {
	s := newTestStore(0)
	_, err := s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start: "tok_a",
		Events: []*event.Event{
			makeMessage("$E2", peerUser, "two", 2000),
			makeMessage("$E1", peerUser, "one", 1000),
		},
	}, store.DirectionBackward)
	require.NoError(t, err)

	// Replaying the same chunk adds nothing and must not move the
	// historical edge.
	added, err := s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start: "tok_bogus",
		Events: []*event.Event{
			makeMessage("$E2", peerUser, "two", 2000),
			makeMessage("$E1", peerUser, "one", 1000),
		},
	}, store.DirectionBackward)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, 2, s.EventCount(testRoom))
	assert.Equal(t, "tok_a", s.OldestToken(testRoom))
}

func TestAppendPaginatedChunk_Forward(t *testing.T) {
	s := newTestStore(0)
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	added, err := s.AppendPaginatedChunk(testRoom, &store.Chunk{
		End: "tok_newer",
		Events: []*event.Event{
			makeMessage("$E2", peerUser, "two", 2000),
			makeMessage("$E3", peerUser, "three", 3000),
		},
	}, store.DirectionForward)
	require.NoError(t, err)
	assert.Len(t, added, 2)
	assert.Equal(t, "tok_newer", s.LiveToken(testRoom))
	chunk := s.GetEarlierMessages(testRoom, "", 10)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$E1", "$E2", "$E3"}, eventIDs(chunk.Events))
}

func TestGetEarlierMessages_ExtendsToTokenBoundary(t *testing.T) {
	s := newTestStore(0)
	// Two batches: [E1..E3] continuing at tok_old, [E4..E6] continuing at
	// tok_mid (the boundary before E4).
	_, err := s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start: "tok_mid",
		Events: []*event.Event{
			makeMessage("$E6", peerUser, "six", 6000),
			makeMessage("$E5", peerUser, "five", 5000),
			makeMessage("$E4", peerUser, "four", 4000),
		},
	}, store.DirectionBackward)
	require.NoError(t, err)
	_, err = s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start: "tok_old",
		Events: []*event.Event{
			makeMessage("$E3", peerUser, "three", 3000),
			makeMessage("$E2", peerUser, "two", 2000),
			makeMessage("$E1", peerUser, "one", 1000),
		},
	}, store.DirectionBackward)
	require.NoError(t, err)

	// limit 2 from the live end stops at the tok_mid boundary, so the
	// whole newer batch comes back rather than a fragment of it.
	chunk := s.GetEarlierMessages(testRoom, "", 2)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$E4", "$E5", "$E6"}, eventIDs(chunk.Events))
	assert.Equal(t, "tok_mid", chunk.Start)

	// Continuing from tok_mid yields the older batch.
	chunk = s.GetEarlierMessages(testRoom, "tok_mid", 2)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$E1", "$E2", "$E3"}, eventIDs(chunk.Events))
	assert.Equal(t, "tok_old", chunk.Start)
	assert.Equal(t, "tok_mid", chunk.End)

	// tok_old is the retained edge.
	assert.Nil(t, s.GetEarlierMessages(testRoom, "tok_old", 2))
}

func TestGetEarlierMessages_UnknownToken(t *testing.T) {
	s := newTestStore(0)
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	assert.Nil(t, s.GetEarlierMessages(testRoom, "tok_unseen", 10))
}

func TestGetEarlierMessages_EmptyRoom(t *testing.T) {
	s := newTestStore(0)
	assert.Nil(t, s.GetEarlierMessages(testRoom, "", 10))
}

func TestRoundTrip_PaginateThenReadBack(t *testing.T) {
	s := newTestStore(0)
	var original []id.EventID
	// Ten batches of three, newest batch first, the way live pagination
	// fills a store.
	for batch := 9; batch >= 0; batch-- {
		chunk := &store.Chunk{Start: fmt.Sprintf("tok_%d", batch)}
		if batch == 0 {
			chunk.Start = ""
		}
		for i := 2; i >= 0; i-- {
			seq := batch*3 + i
			chunk.Events = append(chunk.Events, makeMessage(
				id.EventID(fmt.Sprintf("$evt%02d", seq)), peerUser, "msg", int64(1000*(seq+1))))
		}
		_, err := s.AppendPaginatedChunk(testRoom, chunk, store.DirectionBackward)
		require.NoError(t, err)
	}
	for seq := 0; seq < 30; seq++ {
		original = append(original, id.EventID(fmt.Sprintf("$evt%02d", seq)))
	}

	// Walking backwards through the retained window and reassembling the
	// chunks reproduces the original chronological order.
	var replayed []id.EventID
	fromToken := ""
	for {
		chunk := s.GetEarlierMessages(testRoom, fromToken, 3)
		if chunk == nil {
			break
		}
		replayed = append(eventIDs(chunk.Events), replayed...)
		if chunk.Start == "" {
			break
		}
		fromToken = chunk.Start
	}
	assert.Equal(t, original, replayed)
}

func TestConfirmEventSent(t *testing.T) {
	s := newTestStore(0)
	listener := &recordingListener{}
	s.AddListener(listener)
	require.NoError(t, s.PutLiveEvent(makeMessage("$before", peerUser, "before", 1000), nil))
	echo := makeEcho("loom-txn1", "outgoing")
	echo.Timestamp = jsontime.UnixMilli{}
	require.NoError(t, s.PutLiveEvent(echo, nil))
	require.NoError(t, s.PutLiveEvent(makeMessage("$after", peerUser, "after", 3000), nil))

	confirmed := s.ConfirmEventSent(testRoom, "loom-txn1", "$real")
	require.NotNil(t, confirmed)
	assert.Equal(t, id.EventID("$real"), confirmed.ID)
	assert.Equal(t, event.SendStateSent, confirmed.SendState)
	// The echo had no server timestamp; reconciliation assigns one.
	assert.False(t, confirmed.Timestamp.IsZero())
	assert.Same(t, confirmed, s.GetEvent(testRoom, "$real"))
	assert.Nil(t, s.GetEvent(testRoom, id.TransactionID("loom-txn1").TempEventID()))
	assert.Nil(t, s.GetPendingEvent(testRoom, "loom-txn1"))
	assert.Equal(t, []id.TransactionID{"loom-txn1"}, listener.sent)

	chunk := s.GetEarlierMessages(testRoom, "", 10)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$before", "$real", "$after"}, eventIDs(chunk.Events))
}

func TestConfirmEventSent_DuplicateArrival(t *testing.T) {
	s := newTestStore(0)
	echo := makeEcho("loom-txn1", "outgoing")
	require.NoError(t, s.PutLiveEvent(echo, nil))
	// The server copy arrives via live push without a transaction ID (e.g.
	// delivered to another device's sync stream first), so it is stored as
	// an independent event.
	require.NoError(t, s.PutLiveEvent(makeMessage("$real", localUser, "outgoing", 2000), nil))
	require.Equal(t, 2, s.EventCount(testRoom))

	confirmed := s.ConfirmEventSent(testRoom, "loom-txn1", "$real")
	require.NotNil(t, confirmed)
	assert.Equal(t, id.EventID("$real"), confirmed.ID)
	// The redundant echo is gone; exactly one copy remains.
	assert.Equal(t, 1, s.EventCount(testRoom))
	assert.Nil(t, s.GetPendingEvent(testRoom, "loom-txn1"))
}

func TestConfirmEventSent_UnknownTxn(t *testing.T) {
	s := newTestStore(0)
	assert.Nil(t, s.ConfirmEventSent(testRoom, "loom-nope", "$real"))
}

func TestUpdateSendState(t *testing.T) {
	s := newTestStore(0)
	echo := makeEcho("loom-txn1", "outgoing")
	require.NoError(t, s.PutLiveEvent(echo, nil))
	assert.True(t, s.UpdateSendState(testRoom, echo.ID, event.SendStateSending))
	// Sending -> Unsent is not a legal transition.
	assert.False(t, s.UpdateSendState(testRoom, echo.ID, event.SendStateUnsent))
	assert.True(t, s.UpdateSendState(testRoom, echo.ID, event.SendStateUndelivered))
	assert.Equal(t, event.SendStateUndelivered, s.GetEvent(testRoom, echo.ID).SendState)
	assert.False(t, s.UpdateSendState(testRoom, "$unknown", event.SendStateSending))
}

func TestDeleteEvent_TokenInheritance(t *testing.T) {
	s := newTestStore(0)
	_, err := s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start: "tok_old",
		Events: []*event.Event{
			makeMessage("$E3", peerUser, "three", 3000),
			makeMessage("$E2", peerUser, "two", 2000),
			makeMessage("$E1", peerUser, "one", 1000),
		},
	}, store.DirectionBackward)
	require.NoError(t, err)

	// E1 carries tok_old; deleting it hands the token to E2 so the batch
	// boundary survives.
	assert.True(t, s.DeleteEvent(s.GetEvent(testRoom, "$E1")))
	chunk := s.GetEarlierMessages(testRoom, "", 10)
	require.NotNil(t, chunk)
	assert.Equal(t, []id.EventID{"$E2", "$E3"}, eventIDs(chunk.Events))
	assert.Equal(t, "tok_old", chunk.Start)
}

func TestDeleteAllMessages(t *testing.T) {
	s := newTestStore(0)
	listener := &recordingListener{}
	s.AddListener(listener)
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	echo := makeEcho("loom-txn1", "unsent")
	require.NoError(t, s.PutLiveEvent(echo, nil))
	s.SetLiveToken(testRoom, "tok_live")

	s.DeleteAllMessages(testRoom, true)
	assert.Equal(t, []id.RoomID{testRoom}, listener.flushes)
	assert.Equal(t, 1, s.EventCount(testRoom))
	assert.NotNil(t, s.GetPendingEvent(testRoom, "loom-txn1"))
	assert.Empty(t, s.LiveToken(testRoom))

	s.DeleteAllMessages(testRoom, false)
	assert.Equal(t, 0, s.EventCount(testRoom))
	assert.Nil(t, s.GetPendingEvent(testRoom, "loom-txn1"))
}

func TestStore_RetentionCap(t *testing.T) {
	s := newTestStore(2)
	listener := &recordingListener{}
	s.AddListener(listener)
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	require.NoError(t, s.PutLiveEvent(makeMessage("$E2", peerUser, "two", 2000), nil))

	err := s.PutLiveEvent(makeMessage("$E3", peerUser, "three", 3000), nil)
	require.ErrorIs(t, err, store.ErrStoreOutOfMemory)
	assert.Equal(t, 2, s.EventCount(testRoom))
	require.Len(t, listener.oom, 1)

	_, err = s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start:  "tok_old",
		Events: []*event.Event{makeMessage("$E0", peerUser, "zero", 500)},
	}, store.DirectionBackward)
	require.ErrorIs(t, err, store.ErrStoreOutOfMemory)
	assert.Len(t, listener.oom, 2)
}

func TestStore_RetentionCap_AllowsEchoReconciliation(t *testing.T) {
	s := newTestStore(1)
	listener := &recordingListener{}
	s.AddListener(listener)
	echo := makeEcho("loom-txn1", "outgoing")
	require.NoError(t, s.PutLiveEvent(echo, nil))

	// The room is at its cap, but the server copy replaces the echo rather
	// than growing the sequence, so it must still go through.
	serverCopy := makeMessage("$real", localUser, "outgoing", 2000)
	serverCopy.Unsigned.TransactionID = "loom-txn1"
	require.NoError(t, s.PutLiveEvent(serverCopy, nil))
	assert.Equal(t, 1, s.EventCount(testRoom))
	assert.Equal(t, []id.TransactionID{"loom-txn1"}, listener.sent)

	// Duplicate IDs are no-ops, not growth, so they pass the cap too.
	require.NoError(t, s.PutLiveEvent(makeMessage("$real", localUser, "again", 2500), nil))
	assert.Empty(t, listener.oom)

	// A genuinely new event still trips the cap.
	err := s.PutLiveEvent(makeMessage("$other", peerUser, "overflow", 3000), nil)
	require.ErrorIs(t, err, store.ErrStoreOutOfMemory)
	assert.Len(t, listener.oom, 1)
}

func TestStore_RoomsAreIndependent(t *testing.T) {
	s := newTestStore(0)
	otherRoom := id.RoomID("!other:example.org")
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	otherEvt := makeMessage("$O1", peerUser, "elsewhere", 1000)
	otherEvt.RoomID = otherRoom
	require.NoError(t, s.PutLiveEvent(otherEvt, nil))

	s.DeleteAllMessages(otherRoom, false)
	assert.Equal(t, 1, s.EventCount(testRoom))
	assert.Equal(t, 0, s.EventCount(otherRoom))
}

func TestStore_CloseRefusesWrites(t *testing.T) {
	s := newTestStore(0)
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	require.NoError(t, s.Close())

	err := s.PutLiveEvent(makeMessage("$E2", peerUser, "two", 2000), nil)
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	_, err = s.AppendPaginatedChunk(testRoom, &store.Chunk{
		Start:  "tok",
		Events: []*event.Event{makeMessage("$E3", peerUser, "three", 3000)},
	}, store.DirectionBackward)
	assert.ErrorIs(t, err, store.ErrStoreClosed)

	require.NoError(t, s.Open())
	require.NoError(t, s.PutLiveEvent(makeMessage("$E2", peerUser, "two", 2000), nil))
	assert.Equal(t, 2, s.EventCount(testRoom))
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(0)
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	s.Clear()
	assert.Equal(t, 0, s.EventCount(testRoom))
	assert.Nil(t, s.GetEvent(testRoom, "$E1"))
}
