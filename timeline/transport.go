// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package timeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/store"
)

// Send-failure classes a Transport may wrap its errors with.
var (
	// ErrRetryableSend marks a transient failure worth a timed retry.
	ErrRetryableSend = errors.New("retryable send failure")
	// ErrUnknownDevices marks a send blocked by unrecognized devices in
	// the room.
	ErrUnknownDevices = errors.New("room contains unknown devices")
)

// Transport is the network collaborator. Implementations own retries,
// backoff and the wire format; the timeline core only sees chunks and
// errors. All methods honor context cancellation.
type Transport interface {
	// FetchOlderEvents retrieves events before fromToken. The returned
	// chunk's events are in reverse chronological order (newest first),
	// with Start set to the continuation token for the next older fetch.
	FetchOlderEvents(ctx context.Context, roomID id.RoomID, fromToken string, limit int) (*store.Chunk, error)
	// FetchNewerEvents retrieves events after fromToken, in chronological
	// order, with End set to the continuation token for the next fetch.
	FetchNewerEvents(ctx context.Context, roomID id.RoomID, fromToken string, limit int) (*store.Chunk, error)
	// SendEvent delivers an outgoing event and returns the server-assigned
	// event ID.
	SendEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, txnID id.TransactionID, content json.RawMessage) (id.EventID, error)
}
