/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package subscribe

import (
	"context"

	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/internal/streamkey"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/stream"
)

// Catchup drives the {Init, CatchingUp, PlayHistory, Live, Done} state
// machine: it delivers every event with revision >= start exactly once, in
// revision order, bridging a historical read with a live subscription that
// was registered before the historical read could race ahead of it.
func Catchup(ctx context.Context, reader *stream.Reader, idx *index.Indexer, hub *Hub, streamName string, start uint64) <-chan Message {
	out := make(chan Message, sinkBufferSize)
	go runCatchup(ctx, reader, idx, hub, streamName, start, out)
	return out
}

func runCatchup(ctx context.Context, reader *stream.Reader, idx *index.Indexer, hub *Hub, streamName string, start uint64, out chan<- Message) {
	defer close(out)

	key := streamkey.Hash(streamName)
	live, unsubscribe := hub.Subscribe(streamName, "")
	defer unsubscribe()

	current, err := idx.LatestRevision(key)
	if err != nil {
		out <- Message{Kind: StreamError, StreamName: streamName, Err: err}
		return
	}
	var end uint64
	hasEnd := current.State == index.Exists
	if hasEnd {
		end = current.Value
	}

	hist := reader.Read(streamName, start, lsm.Forward, 0)

	var pending []Message
	histDone := false

	// CatchingUp: drain both concurrently. Historical records up to end are
	// forwarded immediately; later ones are left to the live subscription.
	// Live records already covered by the historical read (revision <= end)
	// are ignored, the rest queue in pending.
	for !histDone {
		select {
		case res, ok := <-hist:
			if !ok {
				histDone = true
				continue
			}
			if res.Err != nil {
				out <- Message{Kind: StreamError, StreamName: streamName, Err: res.Err}
				return
			}
			if !hasEnd || res.Event.Revision > end {
				continue // committed after end was captured: arrives via live
			}
			out <- Message{Kind: EventAppeared, StreamName: streamName, Event: &Record{
				StreamName: streamName,
				Revision:   res.Event.Revision,
				Position:   res.Event.Position,
				ID:         res.Event.Record.ID,
				Class:      res.Event.Record.Class,
				Data:       res.Event.Record.Data,
			}}
		case msg, ok := <-live:
			if !ok {
				return
			}
			switch msg.Kind {
			case Confirmed:
				// recorded implicitly: live is now registered, nothing to forward
			case EventAppeared:
				if hasEnd && msg.Event.Revision <= end {
					continue // will appear in the historical stream
				}
				pending = append(pending, msg)
			case Unsubscribed:
				out <- msg
				return
			}
		case <-ctx.Done():
			return
		}
	}

	out <- Message{Kind: CaughtUp, StreamName: streamName}

	// PlayHistory: events that arrived live during CatchingUp, in order.
	for _, msg := range pending {
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}

	// Live: forward everything from here on directly.
	for {
		select {
		case msg, ok := <-live:
			if !ok {
				return
			}
			if msg.Kind == Confirmed {
				continue
			}
			out <- msg
			if msg.Kind == Unsubscribed {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
