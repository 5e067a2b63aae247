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
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DebugTailHandler upgrades a connection to a websocket and streams every
// Message from a fresh subscription to it as one JSON frame per message.
// This is a side-channel operational view, not part of the core read/write
// API — it exists so an operator can eyeball live traffic against a
// running node, mirroring the write side's own debug websocket endpoint.
type DebugTailHandler struct {
	Hub *Hub
}

func (h *DebugTailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamName := r.URL.Query().Get("stream")
	if streamName == "" {
		streamName = All
	}
	conn, err := tailUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sink, unsubscribe := h.Hub.Subscribe(streamName, "debug-tail")
	defer unsubscribe()

	for msg := range sink {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		if msg.Kind == Unsubscribed {
			return
		}
	}
}
