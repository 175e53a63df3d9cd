// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package timeline exposes an ordered, paginatable view into one room's
// event history: either the live end of the room or a window anchored
// around a historical event.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/format"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/store"
)

var (
	ErrPaginationAlreadyInProgress = errors.New("pagination is already in progress")
	ErrTimelineCancelled           = errors.New("timeline was cancelled")
	ErrNotInitialized              = errors.New("timeline is not initialized")
	ErrAlreadyInitialized          = errors.New("timeline is already initialized")
	ErrAnchorNotFound              = errors.New("anchor event is not in the store")
)

// State is the lifecycle of a timeline instance. A room's primary timeline
// moves Uninitialized → InitialSyncInProgress → Live; a timeline anchored
// at an arbitrary event moves Uninitialized → ResetAroundEvent → Ready and
// is never live: it only serves explicit pagination requests.
type State int

const (
	StateUninitialized State = iota
	StateInitialSyncInProgress
	StateLive
	StateResetAroundEvent
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialSyncInProgress:
		return "initial_sync_in_progress"
	case StateLive:
		return "live"
	case StateResetAroundEvent:
		return "reset_around_event"
	case StateReady:
		return "ready"
	default:
		return "invalid"
	}
}

type Config struct {
	RoomID    id.RoomID
	Store     *store.Store
	Transport Transport
	Formatter format.Formatter
	Log       zerolog.Logger
}

// Timeline owns the pagination state machine for one room view. All
// pagination for a room goes through a single lock: a forward completion
// is never applied while a backwards splice is underway.
type Timeline struct {
	roomID    id.RoomID
	log       zerolog.Logger
	store     *store.Store
	transport Transport
	formatter format.Formatter

	// Rows is the consumer-visible row list fed by this timeline.
	Rows *RowCache

	stateLock sync.Mutex
	roomState *event.RoomState

	// pagLock serializes splices across both directions.
	pagLock sync.Mutex

	flagsLock         sync.Mutex
	tlState           State
	live              bool
	anchor            id.EventID
	backPaginating    bool
	forwardPaginating bool
	// generation detects stale pagination completions: Cancel bumps it,
	// and a completion whose generation no longer matches is dropped.
	generation uint64
	cancelled  bool
	// prevBatch is the continuation token for the next backwards fetch.
	// Empty after pagination means the beginning of history was reached.
	prevBatch    string
	reachedBegin bool
}

func newTimeline(cfg Config, live bool, anchor id.EventID) *Timeline {
	if cfg.Formatter == nil {
		cfg.Formatter = &format.TextFormatter{}
	}
	log := cfg.Log.With().
		Str("component", "timeline").
		Stringer("room_id", cfg.RoomID).
		Bool("live", live).
		Logger()
	return &Timeline{
		roomID:    cfg.RoomID,
		log:       log,
		store:     cfg.Store,
		transport: cfg.Transport,
		formatter: cfg.Formatter,
		Rows:      NewRowCache(cfg.Formatter, log),
		roomState: event.NewRoomState(cfg.RoomID),
		live:      live,
		anchor:    anchor,
	}
}

// NewLiveTimeline creates the primary timeline for a room. It becomes
// usable after BeginInitialSync/FinishInitialSync.
func NewLiveTimeline(cfg Config) *Timeline {
	return newTimeline(cfg, true, "")
}

// NewTimelineAroundEvent creates a timeline anchored at a historical event
// (permalink or search-jump navigation). It never receives live push.
func NewTimelineAroundEvent(cfg Config, anchor id.EventID) *Timeline {
	return newTimeline(cfg, false, anchor)
}

func (t *Timeline) RoomID() id.RoomID {
	return t.roomID
}

func (t *Timeline) State() State {
	t.flagsLock.Lock()
	defer t.flagsLock.Unlock()
	return t.tlState
}

func (t *Timeline) IsLive() bool {
	return t.live
}

// BeginInitialSync marks the start of the first sync for a live timeline.
func (t *Timeline) BeginInitialSync() error {
	if !t.live {
		return fmt.Errorf("%w: anchored timelines use ResetAroundEvent", ErrNotInitialized)
	}
	t.flagsLock.Lock()
	defer t.flagsLock.Unlock()
	if t.tlState != StateUninitialized {
		return ErrAlreadyInitialized
	}
	t.tlState = StateInitialSyncInProgress
	return nil
}

// FinishInitialSync transitions to Live and records the back-pagination
// token delivered with the initial sync.
func (t *Timeline) FinishInitialSync(prevBatch string) error {
	t.flagsLock.Lock()
	defer t.flagsLock.Unlock()
	if t.tlState != StateInitialSyncInProgress {
		return fmt.Errorf("%w: state is %s", ErrNotInitialized, t.tlState)
	}
	t.prevBatch = prevBatch
	t.tlState = StateLive
	return nil
}

// ResetAroundEvent initializes an anchored timeline: the anchor event must
// already be in the store (search-result and permalink ingestion put it
// there). The anchor becomes the first visible row; pagination in either
// direction grows the window.
func (t *Timeline) ResetAroundEvent() error {
	if t.live {
		return fmt.Errorf("%w: live timelines use BeginInitialSync", ErrAlreadyInitialized)
	}
	t.flagsLock.Lock()
	if t.tlState != StateUninitialized {
		t.flagsLock.Unlock()
		return ErrAlreadyInitialized
	}
	t.tlState = StateResetAroundEvent
	t.flagsLock.Unlock()

	anchorEvt := t.store.GetEvent(t.roomID, t.anchor)
	if anchorEvt == nil {
		t.flagsLock.Lock()
		t.tlState = StateUninitialized
		t.flagsLock.Unlock()
		return fmt.Errorf("%w: %s", ErrAnchorNotFound, t.anchor)
	}
	t.stateLock.Lock()
	snapshot := t.roomState.Clone()
	t.stateLock.Unlock()
	t.Rows.Add(&MessageRow{Event: anchorEvt, State: snapshot}, false)

	t.flagsLock.Lock()
	t.prevBatch = anchorEvt.PaginationToken
	t.tlState = StateReady
	t.flagsLock.Unlock()
	return nil
}

// BackPaginate extends the timeline towards older history and returns the
// number of events ingested. Only one back-pagination may be in flight per
// timeline; reentrant calls fail with ErrPaginationAlreadyInProgress
// instead of running concurrently. Returns 0 with no error once the
// beginning of history has been reached; a server returning an empty but
// non-terminal chunk also yields 0, so callers should treat two
// consecutive zero-progress results as terminal.
func (t *Timeline) BackPaginate(ctx context.Context, limit int) (int, error) {
	t.flagsLock.Lock()
	if t.cancelled {
		t.flagsLock.Unlock()
		return 0, ErrTimelineCancelled
	}
	if t.tlState == StateUninitialized {
		t.flagsLock.Unlock()
		return 0, ErrNotInitialized
	}
	if t.backPaginating {
		t.flagsLock.Unlock()
		return 0, ErrPaginationAlreadyInProgress
	}
	if t.reachedBegin {
		t.flagsLock.Unlock()
		return 0, nil
	}
	t.backPaginating = true
	generation := t.generation
	fromToken := t.prevBatch
	t.flagsLock.Unlock()
	defer func() {
		t.flagsLock.Lock()
		t.backPaginating = false
		t.flagsLock.Unlock()
	}()

	// Retained history first, the network only when the store has nothing
	// more to give.
	chunk := t.store.GetEarlierMessages(t.roomID, fromToken, limit)
	fromStore := chunk != nil
	if chunk == nil {
		var err error
		chunk, err = t.transport.FetchOlderEvents(ctx, t.roomID, fromToken, limit)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch older events: %w", err)
		}
	}
	return t.applyBackChunk(chunk, generation, fromStore)
}

func (t *Timeline) applyBackChunk(chunk *store.Chunk, generation uint64, fromStore bool) (int, error) {
	t.pagLock.Lock()
	defer t.pagLock.Unlock()
	if t.isStale(generation) {
		t.log.Debug().Msg("Dropping stale back-pagination completion")
		return 0, ErrTimelineCancelled
	}
	events := chunk.Events
	if !fromStore {
		added, err := t.store.AppendPaginatedChunk(t.roomID, chunk, store.DirectionBackward)
		if err != nil {
			return 0, fmt.Errorf("failed to store paginated chunk: %w", err)
		}
		events = added
	}
	// Historical rows get the best-known state snapshot: the transport
	// delivers no per-event state for fetched history.
	snapshot := t.CurrentState()
	// events is chronological here (the splice reverses transport chunks),
	// so prepend newest-first to end up with the oldest at the very front.
	for i := len(events) - 1; i >= 0; i-- {
		t.Rows.AddToFront(&MessageRow{Event: events[i], State: snapshot})
	}
	t.flagsLock.Lock()
	t.prevBatch = chunk.Start
	if chunk.Start == "" {
		// An absent token at the oldest end means the beginning of the
		// room's history.
		t.reachedBegin = true
	}
	t.flagsLock.Unlock()
	return len(events), nil
}

// ForwardPaginate extends a non-live timeline towards newer history. On a
// live timeline it is a no-op: new events arrive via push.
func (t *Timeline) ForwardPaginate(ctx context.Context, limit int) (int, error) {
	if t.live {
		return 0, nil
	}
	t.flagsLock.Lock()
	if t.cancelled {
		t.flagsLock.Unlock()
		return 0, ErrTimelineCancelled
	}
	if t.tlState != StateReady {
		t.flagsLock.Unlock()
		return 0, ErrNotInitialized
	}
	if t.forwardPaginating {
		t.flagsLock.Unlock()
		return 0, ErrPaginationAlreadyInProgress
	}
	t.forwardPaginating = true
	generation := t.generation
	t.flagsLock.Unlock()
	defer func() {
		t.flagsLock.Lock()
		t.forwardPaginating = false
		t.flagsLock.Unlock()
	}()

	fromToken := t.store.LiveToken(t.roomID)
	chunk, err := t.transport.FetchNewerEvents(ctx, t.roomID, fromToken, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch newer events: %w", err)
	}
	t.pagLock.Lock()
	defer t.pagLock.Unlock()
	if t.isStale(generation) {
		t.log.Debug().Msg("Dropping stale forward-pagination completion")
		return 0, ErrTimelineCancelled
	}
	added, err := t.store.AppendPaginatedChunk(t.roomID, chunk, store.DirectionForward)
	if err != nil {
		return 0, fmt.Errorf("failed to store paginated chunk: %w", err)
	}
	snapshot := t.CurrentState()
	for _, evt := range added {
		t.Rows.Add(&MessageRow{Event: evt, State: snapshot}, false)
	}
	return len(added), nil
}

func (t *Timeline) isStale(generation uint64) bool {
	t.flagsLock.Lock()
	defer t.flagsLock.Unlock()
	return t.cancelled || t.generation != generation
}

// OnLiveEvent ingests one event delivered via live push, in receipt order.
// Redactions resolve their target instead of becoming rows. Anchored
// timelines ignore live push entirely; a cancelled timeline refuses it.
func (t *Timeline) OnLiveEvent(evt *event.Event) error {
	if !t.live {
		return nil
	}
	t.flagsLock.Lock()
	cancelled := t.cancelled
	t.flagsLock.Unlock()
	if cancelled {
		return ErrTimelineCancelled
	}
	if evt.Type.Type == event.EventRedaction.Type {
		return t.resolveRedaction(evt)
	}
	t.stateLock.Lock()
	t.roomState.Apply(evt)
	snapshot := t.roomState.Clone()
	t.stateLock.Unlock()
	err := t.store.PutLiveEvent(evt, snapshot)
	if err != nil {
		return err
	}
	row := &MessageRow{Event: evt, State: snapshot}
	if txnID := evt.TxnID(); txnID != "" && !evt.ID.IsTemporary() {
		if confirmed := t.Rows.ConfirmLocalEcho(evt, txnID); confirmed != nil {
			return nil
		}
	}
	t.Rows.Add(row, false)
	return nil
}

// resolveRedaction applies a redaction: unknown targets are a no-op (the
// server prunes them before they ever surface); known targets are pruned
// first and only then tested for displayability — the row survives with
// empty content if the pruned form still renders, otherwise it is removed.
func (t *Timeline) resolveRedaction(redaction *event.Event) error {
	t.stateLock.Lock()
	snapshot := t.roomState.Clone()
	t.stateLock.Unlock()
	err := t.store.PutLiveEvent(redaction, snapshot)
	if err != nil {
		return err
	}
	target := t.store.GetEvent(t.roomID, redaction.RedactsEventID())
	if target == nil {
		return nil
	}
	target.Prune(redaction)
	rowState := snapshot
	if row := t.Rows.Row(target.ID); row != nil && row.State != nil {
		rowState = row.State
	}
	if !t.formatter.IsDisplayable(target, rowState) {
		t.Rows.RemoveRow(target.ID)
	}
	return nil
}

// CurrentState returns a snapshot of the room state at the live end.
func (t *Timeline) CurrentState() *event.RoomState {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return t.roomState.Clone()
}

// CancelPagination aborts in-flight pagination requests: their completions
// are detected as stale and discarded. Store mutations that already
// committed stay, the extra history is harmless.
func (t *Timeline) CancelPagination() {
	t.flagsLock.Lock()
	defer t.flagsLock.Unlock()
	t.generation++
	t.backPaginating = false
	t.forwardPaginating = false
}

// Cancel shuts the timeline down: in-flight pagination completions become
// stale, and every subsequent operation fails with ErrTimelineCancelled.
func (t *Timeline) Cancel() {
	t.flagsLock.Lock()
	defer t.flagsLock.Unlock()
	t.cancelled = true
	t.generation++
	t.backPaginating = false
	t.forwardPaginating = false
}
