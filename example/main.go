// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// A small end-to-end demo: an in-memory transport with canned history, a
// live timeline receiving push events, back-pagination, and a send with
// local-echo reconciliation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/loom-im/loom"
	"github.com/loom-im/loom/event"
	"github.com/loom-im/loom/id"
	"github.com/loom-im/loom/store"
	"github.com/loom-im/loom/timeline"
)

const logConfig = `
min_level: debug
writers:
- type: stdout
  format: pretty-colored
`

const (
	roomID    = id.RoomID("!demo:example.org")
	localUser = id.UserID("@me:example.org")
	peerUser  = id.UserID("@friend:example.org")
)

// memoryServer is a loopback Transport with one page of canned history.
type memoryServer struct {
	eventCounter atomic.Int64
}

var _ timeline.Transport = (*memoryServer)(nil)

func (ms *memoryServer) FetchOlderEvents(ctx context.Context, roomID id.RoomID, fromToken string, limit int) (*store.Chunk, error) {
	if fromToken != "tok_live" {
		// Only one page of history; an empty Start means the beginning.
		return &store.Chunk{Start: "", End: fromToken}, nil
	}
	// Reverse chronological, as a backwards fetch delivers.
	return &store.Chunk{
		Start: "tok_old",
		End:   fromToken,
		Events: []*event.Event{
			makeEvent("$hist2", peerUser, "and this is older history", 2000),
			makeEvent("$hist1", peerUser, "this is older history", 1000),
		},
	}, nil
}

func (ms *memoryServer) FetchNewerEvents(ctx context.Context, roomID id.RoomID, fromToken string, limit int) (*store.Chunk, error) {
	return &store.Chunk{Start: fromToken, End: fromToken}, nil
}

func (ms *memoryServer) SendEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, txnID id.TransactionID, content json.RawMessage) (id.EventID, error) {
	return id.EventID(fmt.Sprintf("$srv%d", ms.eventCounter.Add(1))), nil
}

func makeEvent(eventID id.EventID, sender id.UserID, body string, ts int64) *event.Event {
	content, _ := json.Marshal(map[string]any{"msgtype": "m.text", "body": body})
	return &event.Event{
		ID:        eventID,
		RoomID:    roomID,
		Type:      event.EventMessage,
		Sender:    sender,
		Timestamp: jsontime.UM(time.UnixMilli(ts)),
		Content:   content,
	}
}

func main() {
	var logCfg zeroconfig.Config
	exerrors.PanicIfNotNil(yaml.Unmarshal([]byte(logConfig), &logCfg))
	log := exerrors.Must(logCfg.Compile())
	exzerolog.SetupDefaults(log)

	client := loom.NewClient(loom.Config{
		UserID:    localUser,
		Transport: &memoryServer{},
		Log:       *log,
	})
	ctx := log.WithContext(context.Background())

	tl := client.Timeline(roomID)
	exerrors.PanicIfNotNil(tl.BeginInitialSync())
	exerrors.PanicIfNotNil(client.HandleLiveEvents(roomID,
		makeEvent("$live1", peerUser, "welcome to the live end", 3000),
	))
	exerrors.PanicIfNotNil(tl.FinishInitialSync("tok_live"))

	count := exerrors.Must(client.BackPaginate(ctx, roomID, 10))
	log.Info().Int("count", count).Msg("Back-paginated history")

	echo := exerrors.Must(client.Send(ctx, roomID, event.EventMessage, map[string]any{
		"msgtype": "m.text",
		"body":    "hello from loom",
	}))
	time.Sleep(100 * time.Millisecond)
	log.Info().Stringer("event_id", echo.ID).Msg("Echo reconciled")

	for i, row := range tl.Rows.Rows() {
		fmt.Printf("%2d. %-22s %s\n", i+1, row.Event.Sender, row.Event.Body())
	}
}
