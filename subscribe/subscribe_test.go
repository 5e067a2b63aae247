package subscribe

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/eventcore/fs"
	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/stream"
	"github.com/launix-de/eventcore/wal"
)

func TestSubscribeReceivesConfirmedThenFanout(t *testing.T) {
	hub := NewHub()
	sink, unsubscribe := hub.Subscribe("orders-1", "")
	defer unsubscribe()

	msg := <-sink
	if msg.Kind != Confirmed {
		t.Fatalf("first message = %+v, want Confirmed", msg)
	}

	hub.EventCommitted(Record{StreamName: "orders-1", Revision: 0, ID: uuid.New(), Class: "C", Data: []byte("a")})

	msg = <-sink
	if msg.Kind != EventAppeared || msg.Event.StreamName != "orders-1" {
		t.Fatalf("expected EventAppeared for orders-1, got %+v", msg)
	}
}

func TestSubscribeToAllReceivesEveryStream(t *testing.T) {
	hub := NewHub()
	sink, unsubscribe := hub.Subscribe(All, "")
	defer unsubscribe()
	<-sink // Confirmed

	hub.EventCommitted(Record{StreamName: "orders-1", Revision: 0})
	hub.EventCommitted(Record{StreamName: "orders-2", Revision: 0})

	first := <-sink
	second := <-sink
	if first.Event.StreamName != "orders-1" || second.Event.StreamName != "orders-2" {
		t.Fatalf("unexpected All fanout order: %+v, %+v", first, second)
	}
}

func TestUnsubscribeStopsFanoutAndSendsFinalMessage(t *testing.T) {
	hub := NewHub()
	sink, unsubscribe := hub.Subscribe("orders-1", "")
	<-sink // Confirmed

	unsubscribe()

	msg, ok := <-sink
	if !ok {
		t.Fatal("expected a final Unsubscribed message before closure, got immediate close")
	}
	if msg.Kind != Unsubscribed || msg.Reason != ReasonUser {
		t.Fatalf("final message = %+v, want Unsubscribed/ReasonUser", msg)
	}
	if _, ok := <-sink; ok {
		t.Fatal("expected sink closed after the final Unsubscribed message")
	}

	// Fanout after unsubscribe must not panic or block.
	hub.EventCommitted(Record{StreamName: "orders-1", Revision: 1})
}

func TestFullSinkIsDroppedWithoutFinalMessage(t *testing.T) {
	hub := NewHub()
	sink, unsubscribe := hub.Subscribe("orders-1", "")
	defer unsubscribe()
	<-sink // Confirmed

	// Fill the sink's buffer past capacity without ever draining it again,
	// so the next fanout has to drop this subscriber.
	for i := 0; i < sinkBufferSize+10; i++ {
		hub.EventCommitted(Record{StreamName: "orders-1", Revision: uint64(i)})
	}

	hub.mu.Lock()
	remaining := len(hub.subscribers["orders-1"])
	hub.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected the full subscriber to be removed, %d remain", remaining)
	}

	// Drain what made it into the buffer; the channel must be closed, and
	// nothing in the drained backlog is an Unsubscribed message, since a
	// dropped subscriber is closed without one.
	for msg := range sink {
		if msg.Kind == Unsubscribed {
			t.Fatal("dropped subscriber must not receive an explicit Unsubscribed message")
		}
	}
}

// catchupHarness wires a WAL + LSM Index + Indexer + Writer/Reader + Hub,
// with the Indexer running as its own background process and every
// committed write explicitly published to the hub, mirroring how a node's
// wiring bridges the write path to the subscriber hub.
type catchupHarness struct {
	w   *stream.Writer
	r   *stream.Reader
	idx *index.Indexer
	hub *Hub
}

func newCatchupHarness(t *testing.T) (*catchupHarness, context.CancelFunc) {
	t.Helper()
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
	go idx.Run(ctx, time.Millisecond)
	return &catchupHarness{
		w:   stream.NewWriter(log, idx),
		r:   stream.NewReader(log, idx),
		idx: idx,
		hub: NewHub(),
	}, cancel
}

func (h *catchupHarness) append(t *testing.T, ctx context.Context, streamName string, expected stream.Expected, classes ...string) {
	t.Helper()
	events := make([]stream.NewEvent, len(classes))
	for i, c := range classes {
		events[i] = stream.NewEvent{ID: uuid.New(), Class: c, Data: []byte(c)}
	}
	result, err := h.w.AppendStream(ctx, streamName, expected, events)
	if err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	base := result.NextExpectedVersion - uint64(len(classes))
	for i, c := range classes {
		h.hub.EventCommitted(Record{StreamName: streamName, Revision: base + uint64(i), Class: c})
	}
}

func TestCatchupDeliversHistoryThenCaughtUpThenLive(t *testing.T) {
	h, cancel := newCatchupHarness(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	h.append(t, ctx, "orders-1", stream.Expected{Kind: stream.NoStream}, "A", "B")

	out := Catchup(ctx, h.r, h.idx, h.hub, "orders-1", 0)

	var gotHistory []Message
	for i := 0; i < 2; i++ {
		msg := <-out
		if msg.Kind != EventAppeared {
			t.Fatalf("expected historical EventAppeared, got %+v", msg)
		}
		gotHistory = append(gotHistory, msg)
	}
	if gotHistory[0].Event.Class != "A" || gotHistory[1].Event.Class != "B" {
		t.Fatalf("unexpected history order: %+v", gotHistory)
	}

	caughtUp := <-out
	if caughtUp.Kind != CaughtUp {
		t.Fatalf("expected CaughtUp, got %+v", caughtUp)
	}

	h.append(t, ctx, "orders-1", stream.Expected{Kind: stream.Exact, Value: 2}, "C")

	live := <-out
	if live.Kind != EventAppeared || live.Event.Class != "C" {
		t.Fatalf("expected live EventAppeared for C, got %+v", live)
	}
}

func TestCatchupDoesNotDuplicateEventsWrittenDuringCatchUp(t *testing.T) {
	h, cancel := newCatchupHarness(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	h.append(t, ctx, "orders-2", stream.Expected{Kind: stream.NoStream}, "A")

	out := Catchup(ctx, h.r, h.idx, h.hub, "orders-2", 0)

	// Drain the one historical event.
	msg := <-out
	if msg.Kind != EventAppeared || msg.Event.Class != "A" {
		t.Fatalf("expected historical A, got %+v", msg)
	}

	// Write a second event right away; depending on scheduling it may race
	// the CaughtUp transition, but it must be delivered exactly once either
	// way, via PlayHistory or Live, never twice.
	h.append(t, ctx, "orders-2", stream.Expected{Kind: stream.Exact, Value: 1}, "B")

	var sawB, sawCaughtUp int
	for i := 0; i < 3; i++ {
		msg := <-out
		switch msg.Kind {
		case CaughtUp:
			sawCaughtUp++
		case EventAppeared:
			if msg.Event.Class == "B" {
				sawB++
			}
		}
		if sawB == 1 && sawCaughtUp == 1 {
			break
		}
	}
	if sawB != 1 {
		t.Fatalf("expected exactly one delivery of B, saw %d", sawB)
	}
	if sawCaughtUp != 1 {
		t.Fatalf("expected exactly one CaughtUp, saw %d", sawCaughtUp)
	}
}

func TestCatchupSurfacesStreamErrorForDeletedStream(t *testing.T) {
	h, cancel := newCatchupHarness(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	h.append(t, ctx, "orders-3", stream.Expected{Kind: stream.NoStream}, "A")
	if _, err := h.w.DeleteStream(ctx, "orders-3", stream.Expected{Kind: stream.Any}); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}

	out := Catchup(ctx, h.r, h.idx, h.hub, "orders-3", 0)
	msg := <-out
	if msg.Kind != StreamError || msg.Err != stream.ErrStreamDeleted {
		t.Fatalf("expected StreamError/ErrStreamDeleted, got %+v", msg)
	}
}

func TestDebugTailHandlerConstructs(t *testing.T) {
	h := &DebugTailHandler{Hub: NewHub()}
	if h.Hub == nil {
		t.Fatal("expected a non-nil Hub")
	}
}
