// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store keeps the local copy of room history: per-room ordered
// event sequences with pagination-token bookkeeping, and per-user read
// receipts.
//
// The store supports concurrent readers and serializes mutations per room;
// different rooms never contend. Not-found is always a nil result, never an
// error. The only error conditions are a corrupted room (structural
// invariant violation, refuses writes until flushed) and hitting the
// retention cap, both of which are also reported to registered listeners.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
)

var (
	ErrStoreCorrupted   = errors.New("room store is corrupted")
	ErrStoreOutOfMemory = errors.New("store retention cap exceeded")
	ErrStoreClosed      = errors.New("store is closed")
)

const defaultPaginationLimit = 30

type Config struct {
	// UserID is the local user. The positional receipt-regression guard
	// only applies to this user's own receipts.
	UserID id.UserID
	Log    zerolog.Logger
	// MaxEventsPerRoom caps retained history per room. Exceeding it
	// reports OnStoreOutOfMemory and abandons the triggering operation.
	// Zero means unlimited.
	MaxEventsPerRoom int
	// UnreadPolicy defaults to DefaultUnreadPolicy.
	UnreadPolicy UnreadPolicy
}

// Store is the in-memory event store. It implements the persistence
// boundary (Open/Commit/Close/Clear); Commit is a no-op for the in-memory
// form.
type Store struct {
	log              zerolog.Logger
	userID           id.UserID
	maxEventsPerRoom int
	unreadPolicy     UnreadPolicy

	roomsLock sync.RWMutex
	rooms     map[id.RoomID]*roomStore
	closed    bool

	listenersLock sync.RWMutex
	listeners     []Listener
}

func NewStore(cfg Config) *Store {
	if cfg.UnreadPolicy == nil {
		cfg.UnreadPolicy = DefaultUnreadPolicy
	}
	return &Store{
		log:              cfg.Log.With().Str("component", "store").Logger(),
		userID:           cfg.UserID,
		maxEventsPerRoom: cfg.MaxEventsPerRoom,
		unreadPolicy:     cfg.UnreadPolicy,
		rooms:            make(map[id.RoomID]*roomStore),
	}
}

func (s *Store) AddListener(listener Listener) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Store) RemoveListener(listener Listener) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(l Listener) bool {
		return l == listener
	})
}

// listenersSnapshot copies the listener list so callbacks run without the
// registry lock held.
func (s *Store) listenersSnapshot() []Listener {
	s.listenersLock.RLock()
	defer s.listenersLock.RUnlock()
	return slices.Clone(s.listeners)
}

func (s *Store) isClosed() bool {
	s.roomsLock.RLock()
	defer s.roomsLock.RUnlock()
	return s.closed
}

// room returns the per-room store, creating it on first use.
func (s *Store) room(roomID id.RoomID) *roomStore {
	s.roomsLock.RLock()
	room, ok := s.rooms[roomID]
	s.roomsLock.RUnlock()
	if ok {
		return room
	}
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	room, ok = s.rooms[roomID]
	if !ok {
		room = newRoomStore(roomID)
		s.rooms[roomID] = room
	}
	return room
}

// reportCorruption dispatches OnStoreCorrupted once per corruption episode.
// Must be called without the room lock held.
func (s *Store) reportCorruption(room *roomStore) {
	room.lock.Lock()
	shouldReport := room.corrupted && !room.corruptionReported
	cause := room.corruptedCause
	if shouldReport {
		room.corruptionReported = true
	}
	room.lock.Unlock()
	if !shouldReport {
		return
	}
	s.log.Error().Err(cause).Stringer("room_id", room.roomID).Msg("Room store marked corrupted")
	for _, listener := range s.listenersSnapshot() {
		listener.OnStoreCorrupted(room.roomID, cause)
	}
}

func (s *Store) reportOOM(roomID id.RoomID, err error) {
	s.log.Error().Err(err).Stringer("room_id", roomID).Msg("Store retention cap exceeded")
	for _, listener := range s.listenersSnapshot() {
		listener.OnStoreOutOfMemory(err)
	}
}

// PutLiveEvent stores an event delivered via live push. Duplicate event IDs
// are silent no-ops, except that an unreconciled local echo for the same
// logical message (matched by transaction ID) is replaced in place by the
// server copy, preserving its position in the sequence.
func (s *Store) PutLiveEvent(evt *event.Event, state *event.RoomState) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	room := s.room(evt.RoomID)
	room.lock.Lock()
	// Replacements (duplicate IDs, echo reconciliation) never grow the
	// sequence, so a full room can still reconcile its in-flight sends.
	if s.maxEventsPerRoom > 0 && len(room.events) >= s.maxEventsPerRoom && !room.wouldReplace(evt) {
		room.lock.Unlock()
		err := fmt.Errorf("%w: room %s holds %d events", ErrStoreOutOfMemory, evt.RoomID, s.maxEventsPerRoom)
		s.reportOOM(evt.RoomID, err)
		return err
	}
	added, prevTxnID, err := room.putLiveEvent(evt)
	room.lock.Unlock()
	s.reportCorruption(room)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	listeners := s.listenersSnapshot()
	if prevTxnID != "" {
		for _, listener := range listeners {
			listener.OnEventSent(evt, prevTxnID)
		}
		return nil
	}
	for _, listener := range listeners {
		listener.OnEvent(evt, DirectionForward, state)
	}
	return nil
}

// AppendPaginatedChunk splices a fetched chunk into a room's sequence and
// returns the events that were actually new. The splice is atomic with
// respect to concurrent readers of the same room.
func (s *Store) AppendPaginatedChunk(roomID id.RoomID, chunk *Chunk, direction Direction) ([]*event.Event, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	room := s.room(roomID)
	room.lock.Lock()
	if s.maxEventsPerRoom > 0 && len(room.events)+len(chunk.Events) > s.maxEventsPerRoom {
		room.lock.Unlock()
		err := fmt.Errorf("%w: chunk of %d events over cap in room %s", ErrStoreOutOfMemory, len(chunk.Events), roomID)
		s.reportOOM(roomID, err)
		return nil, err
	}
	added, err := room.appendChunk(chunk, direction)
	room.lock.Unlock()
	s.reportCorruption(room)
	if err != nil {
		return nil, err
	}
	listeners := s.listenersSnapshot()
	for _, evt := range added {
		for _, listener := range listeners {
			listener.OnEvent(evt, direction, nil)
		}
	}
	return added, nil
}

// GetEvent returns the stored event with the given ID, or nil.
func (s *Store) GetEvent(roomID id.RoomID, eventID id.EventID) *event.Event {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.byID[eventID]
}

// GetPendingEvent returns an unreconciled local echo by transaction ID.
func (s *Store) GetPendingEvent(roomID id.RoomID, txnID id.TransactionID) *event.Event {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.pending[txnID]
}

// ConfirmEventSent reconciles a local echo with the server-assigned event
// ID after the send round-trip completed, keeping the echo's position. The
// reconciled event is announced via OnEventSent.
func (s *Store) ConfirmEventSent(roomID id.RoomID, txnID id.TransactionID, eventID id.EventID) *event.Event {
	room := s.room(roomID)
	room.lock.Lock()
	echo := room.pending[txnID]
	if echo == nil {
		room.lock.Unlock()
		return nil
	}
	if existing, ok := room.byID[eventID]; ok && existing != echo {
		// The server echo already arrived via live push and replaced the
		// local copy; drop the now-redundant pending entry.
		room.deleteEvent(echo.ID)
		room.lock.Unlock()
		return existing
	}
	delete(room.byID, echo.ID)
	delete(room.pending, txnID)
	echo.ID = eventID
	echo.SendState = event.SendStateSent
	if echo.Timestamp.IsZero() {
		// The echo never had a server timestamp; the confirmation time is
		// the closest thing available. Assigned under the room lock so
		// concurrent readers never see a torn write.
		echo.Timestamp = jsontime.UnixMilliNow()
	}
	room.byID[eventID] = echo
	room.lock.Unlock()
	for _, listener := range s.listenersSnapshot() {
		listener.OnEventSent(echo, txnID)
	}
	return echo
}

// GetSendState returns the current send state of a stored event, reading
// under the room lock so pollers never race the send pipeline's writes.
func (s *Store) GetSendState(roomID id.RoomID, eventID id.EventID) (event.SendState, bool) {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	evt := room.byID[eventID]
	if evt == nil {
		return event.SendStateSent, false
	}
	return evt.SendState, true
}

// UpdateSendState transitions a stored event's send state, enforcing the
// state machine. Illegal transitions are rejected.
func (s *Store) UpdateSendState(roomID id.RoomID, eventID id.EventID, to event.SendState) bool {
	room := s.room(roomID)
	room.lock.Lock()
	defer room.lock.Unlock()
	evt := room.byID[eventID]
	if evt == nil || !evt.SendState.CanTransition(to) {
		return false
	}
	evt.SendState = to
	return true
}

// DeleteEvent removes a single event from its room.
func (s *Store) DeleteEvent(evt *event.Event) bool {
	room := s.room(evt.RoomID)
	room.lock.Lock()
	defer room.lock.Unlock()
	return room.deleteEvent(evt.ID)
}

// DeleteAllMessages clears a room's stored history. With keepUnsent,
// everything not yet in the sent state survives. Listeners are told via
// OnRoomFlush.
func (s *Store) DeleteAllMessages(roomID id.RoomID, keepUnsent bool) {
	room := s.room(roomID)
	room.lock.Lock()
	room.deleteAllMessages(keepUnsent)
	room.lock.Unlock()
	for _, listener := range s.listenersSnapshot() {
		listener.OnRoomFlush(roomID)
	}
}

// GetEarlierMessages returns a chunk of up to limit events ending at
// fromToken, extending past limit to the nearest chunk boundary (an event
// carrying a pagination token). An empty fromToken means "from the live
// end". Returns nil when fromToken is the known oldest token, when it
// cannot be located in the retained window, or when nothing precedes it;
// that terminal state is idempotent. An empty Start on the returned chunk
// means the beginning of retained history.
func (s *Store) GetEarlierMessages(roomID id.RoomID, fromToken string, limit int) *Chunk {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.getEarlierMessages(fromToken, limit)
}

// OldestToken returns the token at the older edge of the retained window.
func (s *Store) OldestToken(roomID id.RoomID) string {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.oldestToken
}

// LiveToken returns the token at the live edge of the retained window.
func (s *Store) LiveToken(roomID id.RoomID) string {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.liveToken
}

// SetLiveToken records the live-edge token, e.g. from an initial sync.
func (s *Store) SetLiveToken(roomID id.RoomID, token string) {
	room := s.room(roomID)
	room.lock.Lock()
	defer room.lock.Unlock()
	room.liveToken = token
}

// EventCount returns the number of retained events in a room.
func (s *Store) EventCount(roomID id.RoomID) int {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return len(room.events)
}

// IsCorrupted reports whether a room refuses writes.
func (s *Store) IsCorrupted(roomID id.RoomID) bool {
	room := s.room(roomID)
	room.lock.RLock()
	defer room.lock.RUnlock()
	return room.corrupted
}

// Open prepares the store for use. The in-memory store has nothing to
// load; the method exists as the persistence boundary.
func (s *Store) Open() error {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	s.closed = false
	return nil
}

// Commit flushes to durable storage. No-op for the in-memory store.
func (s *Store) Commit() error {
	return nil
}

// Close releases the store. Further use requires Open.
func (s *Store) Close() error {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	s.closed = true
	return nil
}

// Clear drops all rooms, events and receipts.
func (s *Store) Clear() {
	s.roomsLock.Lock()
	s.rooms = make(map[id.RoomID]*roomStore)
	s.roomsLock.Unlock()
}
