// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package loom is a client SDK core for a federated real-time messaging
// protocol: the room timeline and local event store. It ingests a
// possibly-reordered stream of room events (live push, pagination, search
// results), merges them into consistent per-room history, tracks read
// receipts, and serves paginated row views to a consumer.
//
// Network transport, wire decoding, rendering and encryption live outside
// this module, behind the Transport and Formatter interfaces.
package loom

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/format"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/store"
	"github.com/loom-im/loom/timeline"
)

const (
	// DefaultPaginationTimeout is the watchdog for pagination requests: a
	// transport that never completes cannot wedge the in-progress flag
	// forever.
	DefaultPaginationTimeout = 2 * time.Minute
	DefaultSendRetryDelay    = 10 * time.Second
	DefaultMaxSendAttempts   = 3
)

type Config struct {
	UserID    id.UserID
	Transport timeline.Transport
	// Formatter defaults to format.TextFormatter.
	Formatter format.Formatter
	Log       zerolog.Logger
	// MaxEventsPerRoom caps retained history per room (0 = unlimited).
	MaxEventsPerRoom  int
	PaginationTimeout time.Duration
	SendRetryDelay    time.Duration
	MaxSendAttempts   int
}

// Client binds the store, the transport and per-room timelines together.
// All collaborators are explicit constructor parameters; there is no
// process-wide shared state.
type Client struct {
	UserID    id.UserID
	Log       zerolog.Logger
	Store     *store.Store
	Transport timeline.Transport
	Formatter format.Formatter

	paginationTimeout time.Duration
	sendRetryDelay    time.Duration
	maxSendAttempts   int

	timelinesLock sync.Mutex
	timelines     map[id.RoomID]*timeline.Timeline
}

func NewClient(cfg Config) *Client {
	if cfg.Formatter == nil {
		cfg.Formatter = &format.TextFormatter{}
	}
	if cfg.PaginationTimeout <= 0 {
		cfg.PaginationTimeout = DefaultPaginationTimeout
	}
	if cfg.SendRetryDelay <= 0 {
		cfg.SendRetryDelay = DefaultSendRetryDelay
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = DefaultMaxSendAttempts
	}
	return &Client{
		UserID: cfg.UserID,
		Log:    cfg.Log,
		Store: store.NewStore(store.Config{
			UserID:           cfg.UserID,
			Log:              cfg.Log,
			MaxEventsPerRoom: cfg.MaxEventsPerRoom,
		}),
		Transport:         cfg.Transport,
		Formatter:         cfg.Formatter,
		paginationTimeout: cfg.PaginationTimeout,
		sendRetryDelay:    cfg.SendRetryDelay,
		maxSendAttempts:   cfg.MaxSendAttempts,
		timelines:         make(map[id.RoomID]*timeline.Timeline),
	}
}

// TxnID generates a unique transaction ID for an outgoing event.
func (c *Client) TxnID() id.TransactionID {
	return id.TransactionID("loom-" + xid.New().String())
}

// Timeline returns the room's primary live timeline, creating it on first
// use. The caller drives the initial-sync state transitions.
func (c *Client) Timeline(roomID id.RoomID) *timeline.Timeline {
	c.timelinesLock.Lock()
	defer c.timelinesLock.Unlock()
	tl, ok := c.timelines[roomID]
	if !ok {
		tl = timeline.NewLiveTimeline(c.timelineConfig(roomID))
		c.timelines[roomID] = tl
	}
	return tl
}

// TimelineAroundEvent returns a fresh timeline anchored at a historical
// event, for permalink or search-jump navigation. Anchored timelines are
// not cached: the caller owns their lifecycle and must Cancel them.
func (c *Client) TimelineAroundEvent(roomID id.RoomID, anchor id.EventID) *timeline.Timeline {
	return timeline.NewTimelineAroundEvent(c.timelineConfig(roomID), anchor)
}

func (c *Client) timelineConfig(roomID id.RoomID) timeline.Config {
	return timeline.Config{
		RoomID:    roomID,
		Store:     c.Store,
		Transport: c.Transport,
		Formatter: c.Formatter,
		Log:       c.Log,
	}
}

// CloseTimeline cancels the room's live timeline and drops it, releasing
// its registrations. In-flight pagination completions become stale.
func (c *Client) CloseTimeline(roomID id.RoomID) {
	c.timelinesLock.Lock()
	tl, ok := c.timelines[roomID]
	delete(c.timelines, roomID)
	c.timelinesLock.Unlock()
	if ok {
		tl.Cancel()
	}
}

// HandleLiveEvents feeds a batch of pushed events to the room's live
// timeline, preserving receipt order.
func (c *Client) HandleLiveEvents(roomID id.RoomID, evts ...*event.Event) error {
	tl := c.Timeline(roomID)
	for _, evt := range evts {
		evt.RoomID = roomID
		if err := tl.OnLiveEvent(evt); err != nil {
			return err
		}
	}
	return nil
}

// BackPaginate paginates the room's live timeline backwards under the
// client's watchdog timeout.
func (c *Client) BackPaginate(ctx context.Context, roomID id.RoomID, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.paginationTimeout)
	defer cancel()
	return c.Timeline(roomID).BackPaginate(ctx, limit)
}
