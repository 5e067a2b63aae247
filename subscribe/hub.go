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

// Package subscribe is the Subscriber Hub, the Catch-up Subscription state
// machine built on top of it, and a debug live-tail view.
package subscribe

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// All is the reserved stream name matching every committed event.
const All = "$all"

// Reason distinguishes who ended a subscription.
type Reason int

const (
	ReasonUser Reason = iota
	ReasonServer
)

// MessageKind tags a Message's payload.
type MessageKind int

const (
	Confirmed MessageKind = iota
	EventAppeared
	CaughtUp
	Unsubscribed
	StreamError
)

// Record is one committed event, as the hub and catch-up machine see it.
type Record struct {
	StreamName string
	Revision   uint64
	Position   uint64
	ID         uuid.UUID
	Class      string
	Data       []byte
}

// Message is one value delivered over a subscription's sink.
type Message struct {
	Kind       MessageKind
	StreamName string
	Event      *Record
	Reason     Reason
	Err        error
}

// jsonMessage mirrors Message for debug-tail serialization, since error
// values don't marshal to anything useful on their own.
type jsonMessage struct {
	Kind       MessageKind `json:"kind"`
	StreamName string      `json:"stream_name"`
	Event      *Record     `json:"event,omitempty"`
	Reason     Reason      `json:"reason,omitempty"`
	Err        string      `json:"err,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	jm := jsonMessage{Kind: m.Kind, StreamName: m.StreamName, Event: m.Event, Reason: m.Reason}
	if m.Err != nil {
		jm.Err = m.Err.Error()
	}
	return json.Marshal(jm)
}

const sinkBufferSize = 256

type subscription struct {
	streamName string
	parent     string
	sink       chan Message
}

// Hub fans committed events out to every live subscriber of a stream name,
// plus every subscriber of All.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string][]*subscription
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string][]*subscription)}
}

// Subscribe registers a fresh sink for streamName and returns it along with
// an Unsubscribe func the caller invokes to end the subscription with
// ReasonUser. parent identifies an external collaborator accounting a
// programmable subscription under; plain subscribers pass "".
func (h *Hub) Subscribe(streamName, parent string) (<-chan Message, func()) {
	sub := &subscription{streamName: streamName, parent: parent, sink: make(chan Message, sinkBufferSize)}
	h.mu.Lock()
	h.subscribers[streamName] = append(h.subscribers[streamName], sub)
	h.mu.Unlock()

	sub.sink <- Message{Kind: Confirmed, StreamName: streamName}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if !h.remove(sub) {
				return // fanout already dropped this subscriber and closed its sink
			}
			select {
			case sub.sink <- Message{Kind: Unsubscribed, StreamName: streamName, Reason: ReasonUser}:
			default:
				// sink is full; the caller has fallen behind its own unsubscribe
				// call, so closing without the final message is the best we owe it.
			}
			close(sub.sink)
		})
	}
	return sub.sink, unsubscribe
}

func (h *Hub) remove(target *subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[target.streamName]
	for i, s := range subs {
		if s == target {
			h.subscribers[target.streamName] = append(subs[:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// EventCommitted fans record out to record.StreamName's subscribers and to
// All's. A subscriber whose sink is full is dropped: removed from the hub
// and its sink closed immediately, with no further events or an explicit
// Unsubscribed message — a full sink has no free slot to deliver one into
// without blocking the committer, so a subscriber must treat unexpected
// channel closure as itself a server-reasoned unsubscribe.
func (h *Hub) EventCommitted(record Record) {
	h.fanout(record.StreamName, record)
	h.fanout(All, record)
}

func (h *Hub) fanout(key string, record Record) {
	h.mu.Lock()
	subs := h.subscribers[key]
	kept := subs[:0]
	var dropped []*subscription
	for _, s := range subs {
		select {
		case s.sink <- Message{Kind: EventAppeared, StreamName: record.StreamName, Event: &record}:
			kept = append(kept, s)
		default:
			dropped = append(dropped, s)
		}
	}
	h.subscribers[key] = kept
	h.mu.Unlock()

	for _, s := range dropped {
		close(s.sink)
	}
}
