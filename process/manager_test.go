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
package process

import (
	"context"
	"testing"
	"time"
)

func echoWorker(env Env) {
	for raw := range env.Receive {
		mail, ok := raw.(Mail)
		if !ok {
			continue
		}
		if mail.Correlation != 0 {
			env.Client.Reply(mail.Origin, env.ID, mail.Correlation, mail.Payload)
		}
	}
}

func panicWorker(env Env) {
	<-env.Receive
	panic("boom")
}

func blockingWorker(env Env) {
	<-env.Receive
}

func TestSpawnFindSendRequest(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.RegisterKind("echo", MultipleSpawn{}, echoWorker)

	id, err := m.Spawn("echo", 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if found := m.Find("echo"); found != id {
		t.Fatalf("Find = %d, want %d", found, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := m.Request(ctx, id, 0, "ping")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Payload != "ping" {
		t.Fatalf("reply.Payload = %v, want ping", reply.Payload)
	}
}

func TestSpawnUnknownKind(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	if _, err := m.Spawn("nope", 0); err != ErrUnknownKind {
		t.Fatalf("Spawn on unknown kind = %v, want ErrUnknownKind", err)
	}
}

func TestSingletonRejectsSecondSpawn(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.RegisterKind("writer", SingletonSpawn{}, blockingWorker)

	if _, err := m.Spawn("writer", 0); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if _, err := m.Spawn("writer", 0); err == nil {
		t.Fatal("expected second Spawn of a singleton to fail")
	}
}

func TestSingletonFixedID(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.RegisterKind("writer", SingletonSpawn{FixedID: 42}, blockingWorker)

	id, err := m.Spawn("writer", 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestMultipleSpawnEnforcesLimit(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.RegisterKind("worker", MultipleSpawn{Limit: 2}, blockingWorker)

	if _, err := m.Spawn("worker", 0); err != nil {
		t.Fatalf("Spawn 1: %v", err)
	}
	if _, err := m.Spawn("worker", 0); err != nil {
		t.Fatalf("Spawn 2: %v", err)
	}
	if _, err := m.Spawn("worker", 0); err == nil {
		t.Fatal("expected third Spawn to hit ErrLimitReached")
	}
}

func TestWaitForReusesSingleton(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.RegisterKind("writer", SingletonSpawn{}, blockingWorker)

	first, err := m.WaitFor("writer", 0)
	if err != nil {
		t.Fatalf("WaitFor (spawn): %v", err)
	}
	second, err := m.WaitFor("writer", 0)
	if err != nil {
		t.Fatalf("WaitFor (reuse): %v", err)
	}
	if first != second {
		t.Fatalf("WaitFor returned different ids: %d, %d", first, second)
	}
}

func TestSendToUnknownDestination(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	if err := m.Send(999, 0, "hi"); err != ErrNotFound {
		t.Fatalf("Send to unknown dest = %v, want ErrNotFound", err)
	}
}

func TestPanicDeliversFatalErrorAndNotifiesDependent(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.RegisterKind("victim", MultipleSpawn{}, panicWorker)
	notified := make(chan ProcessTerminated, 1)
	m.RegisterKind("watcher", MultipleSpawn{}, func(env Env) {
		for raw := range env.Receive {
			if mail, ok := raw.(Mail); ok {
				if pt, ok := mail.Payload.(ProcessTerminated); ok {
					notified <- pt
					return
				}
			}
		}
	})

	watcherID, err := m.Spawn("watcher", 0)
	if err != nil {
		t.Fatalf("Spawn watcher: %v", err)
	}
	victimID, err := m.Spawn("victim", watcherID)
	if err != nil {
		t.Fatalf("Spawn victim: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := m.Request(ctx, victimID, 0, "trigger")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, ok := reply.Payload.(*FatalError); !ok {
		t.Fatalf("reply.Payload = %T, want *FatalError", reply.Payload)
	}

	select {
	case pt := <-notified:
		if pt.ID != victimID || pt.Err == nil {
			t.Fatalf("ProcessTerminated = %+v, want ID %d with a non-nil Err", pt, victimID)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher was never notified of the victim's termination")
	}
}

func TestShutdownDoesNotHangOrPanic(t *testing.T) {
	m := NewManager()
	m.RegisterKind("blocker", MultipleSpawn{}, blockingWorker)
	if _, err := m.Spawn("blocker", 0); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// blockingWorker ignores cancellation, so Shutdown only returns once its
	// own 5-second grace period elapses and force-finishes.
	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if _, err := m.Spawn("blocker", 0); err != ErrClosing {
		t.Fatalf("Spawn after Shutdown = %v, want ErrClosing", err)
	}
}

func TestBroadcastShutdownSignal(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	received := make(chan any, 2)
	m.RegisterKind("listener", MultipleSpawn{}, func(env Env) {
		for raw := range env.Receive {
			mail := raw.(Mail)
			received <- mail.Payload
			return
		}
	})

	if _, err := m.Spawn("listener", 0); err != nil {
		t.Fatalf("Spawn 1: %v", err)
	}
	if _, err := m.Spawn("listener", 0); err != nil {
		t.Fatalf("Spawn 2: %v", err)
	}

	if err := m.BroadcastShutdownSignal("listener", "wind-down"); err != nil {
		t.Fatalf("BroadcastShutdownSignal: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case payload := <-received:
			if payload != "wind-down" {
				t.Fatalf("payload = %v, want wind-down", payload)
			}
		case <-time.After(time.Second):
			t.Fatal("listener never received broadcast")
		}
	}
}
