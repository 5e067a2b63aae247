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
	"testing"
	"time"

	"github.com/launix-de/eventcore/config"
	"github.com/launix-de/eventcore/consensus"
	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/process"
	"github.com/launix-de/eventcore/stream"
	"github.com/launix-de/eventcore/subscribe"
	"github.com/launix-de/eventcore/telemetry"
	"github.com/launix-de/eventcore/wal"

	"github.com/launix-de/eventcore/fs"
)

func TestOpenBackendSelectsMem(t *testing.T) {
	b, err := openBackend(config.Config{Backend: "mem"})
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	if _, ok := b.(*fs.Mem); !ok {
		t.Fatalf("openBackend(mem) = %T, want *fs.Mem", b)
	}
}

func TestOpenBackendRejectsUnknown(t *testing.T) {
	if _, err := openBackend(config.Config{Backend: "nope"}); err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestStartConsensusSingleNodeBecomesLeader(t *testing.T) {
	node := startConsensus(config.Config{
		NodeID:                "solo",
		ElectionTimeoutLowMS:  20,
		ElectionTimeoutHighMS: 40,
		HeartbeatIntervalMS:   10,
	}, telemetry.NewStdLogger())
	defer node.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if node.State() == consensus.Leader {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("single-node consensus never became leader")
}

func TestWriterWorkerAppendsAndPublishes(t *testing.T) {
	backend := fs.NewMem()
	log, err := wal.Open(backend, wal.DefaultChunkSize)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	lsmIdx, err := lsm.Open(backend, lsm.Options{})
	if err != nil {
		t.Fatalf("lsm.Open: %v", err)
	}
	idx, err := index.Open(log, lsmIdx)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, time.Millisecond)

	w := stream.NewWriter(log, idx)
	hub := subscribe.NewHub()
	sub, unsubscribe := hub.Subscribe("orders-1", "")
	defer unsubscribe()

	mgr := process.NewManager()
	defer mgr.Shutdown()
	mgr.RegisterKind("writer", process.SingletonSpawn{FixedID: 1}, writerWorker(w, hub, telemetry.NewStdLogger()))
	writerID, err := mgr.Spawn("writer", 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	reply, err := mgr.Request(reqCtx, writerID, 0, appendRequest{
		StreamName: "orders-1",
		Expected:   stream.Expected{Kind: stream.NoStream},
		Events:     []stream.NewEvent{{Class: "OrderPlaced", Data: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	wr, ok := reply.Payload.(writeReply)
	if !ok {
		t.Fatalf("reply.Payload = %T, want writeReply", reply.Payload)
	}
	if wr.Err != nil {
		t.Fatalf("append failed: %v", wr.Err)
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub:
			if msg.Kind == subscribe.EventAppeared {
				if msg.Event == nil || msg.Event.StreamName != "orders-1" {
					t.Fatalf("unexpected event: %+v", msg)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatal("hub never published the appended event")
		}
	}
	t.Fatal("never observed an EventAppeared message")
}
