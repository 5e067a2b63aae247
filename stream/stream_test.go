package stream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/eventcore/fs"
	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/wal"
)

// harness wires a WAL + LSM Index + Indexer together with a background
// tailing loop, matching how Writer/Reader expect the Indexer to run as
// its own process rather than being driven synchronously by the caller.
type harness struct {
	log *wal.Log
	idx *index.Indexer
	w   *Writer
	r   *Reader
}

func newHarness(t *testing.T) (*harness, context.CancelFunc) {
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
	return &harness{log: log, idx: idx, w: NewWriter(log, idx), r: NewReader(log, idx)}, cancel
}

func TestAppendStreamThenReadBack(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	result, err := h.w.AppendStream(ctx, "orders-1", Expected{Kind: NoStream}, []NewEvent{
		{ID: uuid.New(), Class: "OrderPlaced", Data: []byte("a")},
		{ID: uuid.New(), Class: "OrderShipped", Data: []byte("b")},
	})
	if err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	if result.NextExpectedVersion != 2 {
		t.Fatalf("NextExpectedVersion = %d, want 2", result.NextExpectedVersion)
	}

	var got []ReadEvent
	for res := range h.r.Read("orders-1", 0, lsm.Forward, 0) {
		if res.Err != nil {
			t.Fatalf("Read: %v", res.Err)
		}
		got = append(got, *res.Event)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Record.Class != "OrderPlaced" || got[1].Record.Class != "OrderShipped" {
		t.Fatalf("unexpected event order: %+v", got)
	}
}

func TestAppendStreamWrongExpectedRevision(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	ctx := context.Background()

	if _, err := h.w.AppendStream(ctx, "orders-2", Expected{Kind: NoStream}, []NewEvent{
		{ID: uuid.New(), Class: "C", Data: []byte("1")},
	}); err != nil {
		t.Fatalf("first AppendStream: %v", err)
	}

	_, err := h.w.AppendStream(ctx, "orders-2", Expected{Kind: NoStream}, []NewEvent{
		{ID: uuid.New(), Class: "C", Data: []byte("2")},
	})
	if _, ok := err.(*WrongExpectedRevisionError); !ok {
		t.Fatalf("expected *WrongExpectedRevisionError, got %v", err)
	}

	_, err = h.w.AppendStream(ctx, "orders-2", Expected{Kind: Exact, Value: 0}, []NewEvent{
		{ID: uuid.New(), Class: "C", Data: []byte("3")},
	})
	if err != nil {
		t.Fatalf("Exact(0) append should have succeeded: %v", err)
	}
}

func TestDeleteStreamThenAppendFails(t *testing.T) {
	h, cancel := newHarness(t)
	defer cancel()
	ctx := context.Background()

	if _, err := h.w.AppendStream(ctx, "orders-3", Expected{Kind: NoStream}, []NewEvent{
		{ID: uuid.New(), Class: "C", Data: []byte("1")},
	}); err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	if _, err := h.w.DeleteStream(ctx, "orders-3", Expected{Kind: Any}); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}

	if _, err := h.w.AppendStream(ctx, "orders-3", Expected{Kind: Any}, []NewEvent{
		{ID: uuid.New(), Class: "C", Data: []byte("2")},
	}); err != ErrStreamDeleted {
		t.Fatalf("expected ErrStreamDeleted, got %v", err)
	}

	res := <-h.r.Read("orders-3", 0, lsm.Forward, 0)
	if res.Err != ErrStreamDeleted {
		t.Fatalf("expected Read to report ErrStreamDeleted, got %v", res.Err)
	}
}
