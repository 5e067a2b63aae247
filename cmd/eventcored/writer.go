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
package main

import (
	"context"

	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/process"
	"github.com/launix-de/eventcore/stream"
	"github.com/launix-de/eventcore/subscribe"
	"github.com/launix-de/eventcore/telemetry"
)

// appendRequest and deleteRequest are the Mail payloads the writer process
// kind understands; a Request call carrying one of these and waiting for
// the matching Mail reply is how every other process in the node performs a
// write, so the Process Manager's Singleton topology on this kind is what
// actually enforces "exactly one writer", not any lock inside stream.Writer
// itself.
type appendRequest struct {
	StreamName string
	Expected   stream.Expected
	Events     []stream.NewEvent
}

type deleteRequest struct {
	StreamName string
	Expected   stream.Expected
}

type writeReply struct {
	Result stream.WriteResult
	Err    error
}

// writerWorker adapts stream.Writer to the process catalog: one goroutine
// owns the *stream.Writer and a *subscribe.Hub, serializing every append/
// delete through its mailbox and publishing each newly committed event to
// the hub immediately after the writer durably assigns it a revision.
func writerWorker(w *stream.Writer, hub *subscribe.Hub, log telemetry.Logger) process.Worker {
	return func(env process.Env) {
		for raw := range env.Receive {
			mail, ok := raw.(process.Mail)
			if !ok || mail.Correlation == 0 {
				continue
			}
			switch req := mail.Payload.(type) {
			case appendRequest:
				result, err := w.AppendStream(context.Background(), req.StreamName, req.Expected, req.Events)
				if err == nil {
					publishAppended(hub, req.StreamName, result, req.Events)
				} else {
					log.Warnf("append to %q rejected: %v", req.StreamName, err)
				}
				env.Client.Reply(mail.Origin, env.ID, mail.Correlation, writeReply{Result: result, Err: err})
			case deleteRequest:
				result, err := w.DeleteStream(context.Background(), req.StreamName, req.Expected)
				if err == nil {
					hub.EventCommitted(subscribe.Record{StreamName: req.StreamName, Revision: lsm.MaxRevision, Position: result.Position, Class: "$deleted"})
				} else {
					log.Warnf("delete of %q rejected: %v", req.StreamName, err)
				}
				env.Client.Reply(mail.Origin, env.ID, mail.Correlation, writeReply{Result: result, Err: err})
			}
		}
	}
}

// publishAppended notifies the hub of every event AppendStream just
// committed, reconstructing each one's revision from the batch's ending
// version the same way subscribe's catch-up harness does it.
func publishAppended(hub *subscribe.Hub, streamName string, result stream.WriteResult, events []stream.NewEvent) {
	base := result.NextExpectedVersion - uint64(len(events))
	for i, e := range events {
		hub.EventCommitted(subscribe.Record{
			StreamName: streamName,
			Revision:   base + uint64(i),
			Position:   result.Position,
			ID:         e.ID,
			Class:      e.Class,
			Data:       e.Data,
		})
	}
}
