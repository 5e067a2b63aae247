package index

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/eventcore/fs"
	"github.com/launix-de/eventcore/internal/streamkey"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/wal"
)

func newIndexer(t *testing.T) (*Indexer, fs.Backend, *wal.Log) {
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
	ix, err := Open(log, lsmIdx)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	return ix, backend, log
}

func TestLatestRevisionNoStreamThenStored(t *testing.T) {
	ix, _, _ := newIndexer(t)
	key := streamkey.Hash("orders-1")

	cr, err := ix.LatestRevision(key)
	if err != nil {
		t.Fatalf("LatestRevision: %v", err)
	}
	if cr.State != NoStream {
		t.Fatalf("expected NoStream, got %+v", cr)
	}

	if err := ix.Store([]Entry{{StreamKey: key, Revision: 0, Position: 0}}, 100); err != nil {
		t.Fatalf("Store: %v", err)
	}
	cr, err = ix.LatestRevision(key)
	if err != nil {
		t.Fatalf("LatestRevision after store: %v", err)
	}
	if cr.State != Exists || cr.Value != 0 {
		t.Fatalf("expected Exists(0), got %+v", cr)
	}

	if err := ix.Store([]Entry{{StreamKey: key, Revision: lsm.MaxRevision, Position: 200}}, 300); err != nil {
		t.Fatalf("Store delete: %v", err)
	}
	cr, err = ix.LatestRevision(key)
	if err != nil {
		t.Fatalf("LatestRevision after delete: %v", err)
	}
	if cr.State != StreamDeleted {
		t.Fatalf("expected StreamDeleted, got %+v", cr)
	}
}

func TestChaseWakesOnStore(t *testing.T) {
	ix, _, _ := newIndexer(t)
	done := make(chan error, 1)
	go func() {
		done <- ix.Chase(context.Background(), 500)
	}()

	select {
	case <-done:
		t.Fatal("Chase returned before logical_position reached the target")
	case <-time.After(20 * time.Millisecond):
	}

	if err := ix.Store([]Entry{{StreamKey: 1, Revision: 0, Position: 0}}, 500); err != nil {
		t.Fatalf("Store: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Chase: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Chase did not wake after Store reached the target position")
	}
}

func TestChaseReturnsImmediatelyWhenAlreadyReached(t *testing.T) {
	ix, _, _ := newIndexer(t)
	if err := ix.Store([]Entry{{StreamKey: 1, Revision: 0, Position: 0}}, 500); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := ix.Chase(context.Background(), 100); err != nil {
		t.Fatalf("Chase: %v", err)
	}
}

func TestChaseRespectsContextCancellation(t *testing.T) {
	ix, _, _ := newIndexer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ix.Chase(ctx, 999); err == nil {
		t.Fatal("expected Chase to return a context error before the target was ever reached")
	}
}

func TestReadStreamsEntriesInRevisionOrder(t *testing.T) {
	ix, _, _ := newIndexer(t)
	key := uint64(42)
	var entries []Entry
	for rev := uint64(0); rev < 5; rev++ {
		entries = append(entries, Entry{StreamKey: key, Revision: rev, Position: rev * 10})
	}
	if err := ix.Store(entries, 1000); err != nil {
		t.Fatalf("Store: %v", err)
	}

	var got []IndexEntry
	for batch := range ix.Read(key, 0, lsm.Forward, 0) {
		if batch.Err != nil {
			t.Fatalf("Read: %v", batch.Err)
		}
		got = append(got, batch.Entries...)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Revision != uint64(i) || e.Position != uint64(i)*10 {
			t.Fatalf("entry %d = %+v", i, e)
		}
	}
}

func TestReplayRebuildsIndexFromWAL(t *testing.T) {
	backend := fs.NewMem()
	log, err := wal.Open(backend, wal.DefaultChunkSize)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	stream := "orders-replay"
	for rev := uint64(0); rev < 3; rev++ {
		entry := wal.EncodeEvent(wal.EventRecord{
			Revision:   rev,
			StreamName: stream,
			ID:         uuid.New(),
			Class:      "test",
			Data:       []byte("x"),
		})
		if _, err := log.Append([]wal.Entry{entry}); err != nil {
			t.Fatalf("Append rev %d: %v", rev, err)
		}
	}

	lsmIdx, err := lsm.Open(backend, lsm.Options{})
	if err != nil {
		t.Fatalf("lsm.Open: %v", err)
	}
	ix, err := Open(log, lsmIdx)
	if err != nil {
		t.Fatalf("index.Open (replay): %v", err)
	}

	key := streamkey.Hash(stream)
	cr, err := ix.LatestRevision(key)
	if err != nil {
		t.Fatalf("LatestRevision: %v", err)
	}
	if cr.State != Exists || cr.Value != 2 {
		t.Fatalf("expected replay to reconstruct Exists(2), got %+v", cr)
	}
	if ix.LogicalPosition() != log.Position() {
		t.Fatalf("replay left logical_position at %d, want %d", ix.LogicalPosition(), log.Position())
	}
}
