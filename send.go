// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/timeline"
)

var ErrNotResendable = errors.New("event is not in a resendable state")

// Send creates the optimistic local echo for an outgoing event, makes it
// visible immediately, and delivers it through the transport in the
// background. The returned event is the echo; its ID transitions from the
// temporary ~txn form to the server-assigned one on confirmation, at which
// point OnEventSent fires on store listeners.
//
// A failed send leaves the echo visible as undelivered so the user can
// resend or delete it; the core never silently drops a send.
func (c *Client) Send(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (*event.Event, error) {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event content: %w", err)
	}
	txnID := c.TxnID()
	evt := &event.Event{
		ID:            txnID.TempEventID(),
		RoomID:        roomID,
		Type:          evtType,
		Sender:        c.UserID,
		Content:       rawContent,
		SendState:     event.SendStateUnsent,
		TransactionID: txnID,
	}
	return evt, c.dispatchEcho(ctx, evt)
}

// Resend retries an undelivered event. Per the resend path's contract the
// old row is removed and a fresh local echo is created with the same
// transaction ID; the failed attempt is never mutated in place.
func (c *Client) Resend(ctx context.Context, evt *event.Event) (*event.Event, error) {
	if !evt.SendState.IsFailed() {
		return nil, fmt.Errorf("%w: %s", ErrNotResendable, evt.SendState)
	}
	c.Timeline(evt.RoomID).Rows.RemoveRow(evt.ID)
	c.Store.DeleteEvent(evt)
	fresh := &event.Event{
		ID:            evt.TransactionID.TempEventID(),
		RoomID:        evt.RoomID,
		Type:          evt.Type,
		Sender:        evt.Sender,
		Content:       evt.Content,
		SendState:     event.SendStateUnsent,
		TransactionID: evt.TransactionID,
	}
	return fresh, c.dispatchEcho(ctx, fresh)
}

func (c *Client) dispatchEcho(ctx context.Context, evt *event.Event) error {
	tl := c.Timeline(evt.RoomID)
	snapshot := tl.CurrentState()
	err := c.Store.PutLiveEvent(evt, snapshot)
	if err != nil {
		return fmt.Errorf("failed to store local echo: %w", err)
	}
	tl.Rows.Add(&timeline.MessageRow{Event: evt, State: snapshot}, false)
	c.Store.UpdateSendState(evt.RoomID, evt.ID, event.SendStateSending)
	go c.deliver(ctx, evt, 1)
	return nil
}

func (c *Client) deliver(ctx context.Context, evt *event.Event, attempt int) {
	log := c.Log.With().
		Str("action", "send").
		Stringer("room_id", evt.RoomID).
		Stringer("txn_id", evt.TransactionID).
		Int("attempt", attempt).
		Logger()
	realID, err := c.Transport.SendEvent(ctx, evt.RoomID, evt.Type, evt.TransactionID, evt.Content)
	if err == nil {
		// ConfirmEventSent returns the surviving copy: the echo under its
		// new identity, or the server copy if live push delivered it before
		// the round trip returned. The row cache must see that copy, not
		// the echo pointer, so the duplicate-arrival case takes the drop
		// path instead of a swap.
		confirmed := c.Store.ConfirmEventSent(evt.RoomID, evt.TransactionID, realID)
		if confirmed != nil {
			c.Timeline(evt.RoomID).Rows.ConfirmLocalEcho(confirmed, evt.TransactionID)
		}
		log.Debug().Stringer("event_id", realID).Msg("Event sent")
		return
	}
	switch {
	case errors.Is(err, timeline.ErrRetryableSend) && attempt < c.maxSendAttempts:
		log.Warn().Err(err).Msg("Send failed, scheduling retry")
		c.Store.UpdateSendState(evt.RoomID, evt.ID, event.SendStateWaitingRetry)
		time.AfterFunc(c.sendRetryDelay, func() {
			if c.Store.UpdateSendState(evt.RoomID, evt.ID, event.SendStateSending) {
				c.deliver(ctx, evt, attempt+1)
			}
		})
	case errors.Is(err, timeline.ErrUnknownDevices):
		log.Error().Err(err).Msg("Send blocked by unknown devices")
		c.Store.UpdateSendState(evt.RoomID, evt.ID, event.SendStateFailedUnknownDevices)
	default:
		log.Error().Err(err).Msg("Send failed")
		c.Store.UpdateSendState(evt.RoomID, evt.ID, event.SendStateUndelivered)
	}
}
