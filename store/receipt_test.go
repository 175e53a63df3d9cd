// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/store"
)

func seedThreeMessages(t *testing.T, s *store.Store) {
	t.Helper()
	require.NoError(t, s.PutLiveEvent(makeMessage("$E1", peerUser, "one", 1000), nil))
	require.NoError(t, s.PutLiveEvent(makeMessage("$E2", peerUser, "two", 2000), nil))
	require.NoError(t, s.PutLiveEvent(makeMessage("$E3", peerUser, "three", 3000), nil))
}

func makeReceipt(userID id.UserID, eventID id.EventID, ts int64) *store.Receipt {
	return &store.Receipt{
		RoomID:    testRoom,
		UserID:    userID,
		EventID:   eventID,
		Timestamp: time.UnixMilli(ts),
	}
}

func TestStoreReceipt_LocalUserNeverRegresses(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)

	assert.True(t, s.StoreReceipt(makeReceipt(localUser, "$E1", 1500)))
	assert.True(t, s.StoreReceipt(makeReceipt(localUser, "$E2", 2500)))
	// A late-delivered receipt for E1 must not move the marker back, even
	// with a newer timestamp.
	assert.False(t, s.StoreReceipt(makeReceipt(localUser, "$E1", 9000)))
	assert.Equal(t, id.EventID("$E2"), s.GetReceipt(testRoom, localUser).EventID)
}

func TestStoreReceipt_SameEventRejected(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	require.True(t, s.StoreReceipt(makeReceipt(peerUser, "$E2", 2500)))
	assert.False(t, s.StoreReceipt(makeReceipt(peerUser, "$E2", 9000)))
}

func TestStoreReceipt_OlderTimestampRejected(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	require.True(t, s.StoreReceipt(makeReceipt(peerUser, "$E2", 2500)))
	assert.False(t, s.StoreReceipt(makeReceipt(peerUser, "$E3", 2000)))
	assert.Equal(t, id.EventID("$E2"), s.GetReceipt(testRoom, peerUser).EventID)
}

func TestStoreReceipt_LocalUserUnknownEventRejected(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	require.True(t, s.StoreReceipt(makeReceipt(localUser, "$E1", 1500)))
	// The local marker may only move to an event provably ahead of it.
	assert.False(t, s.StoreReceipt(makeReceipt(localUser, "$unknown", 9000)))
}

func TestStoreReceipt_RemoteUserUnknownEventAccepted(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	require.True(t, s.StoreReceipt(makeReceipt(peerUser, "$E1", 1500)))
	// Remote receipts may reference events outside the retained window.
	assert.True(t, s.StoreReceipt(makeReceipt(peerUser, "$outside", 5000)))
}

func TestStoreReceipts_BatchDispatch(t *testing.T) {
	s := newTestStore(0)
	listener := &recordingListener{}
	s.AddListener(listener)
	seedThreeMessages(t, s)
	thirdUser := id.UserID("@third:example.org")

	accepted := s.StoreReceipts(testRoom,
		makeReceipt(peerUser, "$E3", 3500),
		makeReceipt(thirdUser, "$E2", 2500),
	)
	assert.Equal(t, []id.UserID{peerUser, thirdUser}, accepted)
	require.Len(t, listener.receipts, 1)
	assert.Equal(t, accepted, listener.receipts[0])

	// A fully rejected batch fires nothing.
	accepted = s.StoreReceipts(testRoom, makeReceipt(peerUser, "$E3", 9000))
	assert.Empty(t, accepted)
	assert.Len(t, listener.receipts, 1)
}

func TestGetEventReceipts_SortedByTimestamp(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	thirdUser := id.UserID("@third:example.org")
	require.True(t, s.StoreReceipt(makeReceipt(thirdUser, "$E2", 4000)))
	require.True(t, s.StoreReceipt(makeReceipt(peerUser, "$E2", 2500)))
	require.True(t, s.StoreReceipt(makeReceipt(localUser, "$E3", 3500)))

	receipts := s.GetEventReceipts(testRoom, "$E2")
	require.Len(t, receipts, 2)
	assert.Equal(t, peerUser, receipts[0].UserID)
	assert.Equal(t, thirdUser, receipts[1].UserID)
	assert.Empty(t, s.GetEventReceipts(testRoom, "$E1"))
}

func TestIsEventRead(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	require.True(t, s.StoreReceipt(makeReceipt(localUser, "$E2", 2500)))

	assert.True(t, s.IsEventRead(testRoom, localUser, "$E1"))
	assert.True(t, s.IsEventRead(testRoom, localUser, "$E2"))
	assert.False(t, s.IsEventRead(testRoom, localUser, "$E3"))
	assert.False(t, s.IsEventRead(testRoom, localUser, "$unknown"))
	assert.False(t, s.IsEventRead(testRoom, peerUser, "$E1"))
}

func TestUnreadCount_DefaultPolicy(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	require.True(t, s.StoreReceipt(makeReceipt(localUser, "$E1", 1500)))

	// Own messages and membership changes never count as unread.
	require.NoError(t, s.PutLiveEvent(makeMessage("$own", localUser, "mine", 4000), nil))
	member := &event.Event{
		ID:       "$member",
		RoomID:   testRoom,
		Type:     event.StateMember,
		Sender:   peerUser,
		StateKey: ptr.Ptr("@third:example.org"),
		Content:  json.RawMessage(`{"membership":"join"}`),
	}
	require.NoError(t, s.PutLiveEvent(member, nil))

	assert.Equal(t, 2, s.UnreadCount(testRoom, localUser))
	unread := s.UnreadEvents(testRoom, localUser)
	assert.Equal(t, []id.EventID{"$E2", "$E3"}, eventIDs(unread))

	// No receipt means the whole retained window is considered; for the
	// peer, their own three messages and the membership change are
	// excluded, leaving only the local user's message.
	assert.Equal(t, 1, s.UnreadCount(testRoom, peerUser))
}

func TestUnreadCount_NoReceipt(t *testing.T) {
	s := newTestStore(0)
	seedThreeMessages(t, s)
	assert.Equal(t, 3, s.UnreadCount(testRoom, localUser))
}
