package wal

import (
	"testing"

	"github.com/google/uuid"

	"github.com/launix-de/eventcore/fs"
)

func eventEntry(stream string, revision uint64, data string) Entry {
	return EncodeEvent(EventRecord{
		Revision:   revision,
		StreamName: stream,
		ID:         uuid.New(),
		Class:      "test",
		Data:       []byte(data),
	})
}

func TestAppendAndReadAtBasic(t *testing.T) {
	backend := fs.NewMem()
	l, err := Open(backend, DefaultChunkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	receipt, err := l.Append([]Entry{
		eventEntry("s", 0, "1"),
		eventEntry("s", 1, "2"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if receipt.StartPosition != 0 {
		t.Fatalf("expected start position 0, got %d", receipt.StartPosition)
	}

	rec, err := l.ReadAt(receipt.StartPosition)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if rec.Event == nil || rec.Event.StreamName != "s" || rec.Event.Revision != 0 || string(rec.Event.Data) != "1" {
		t.Fatalf("unexpected first record: %+v", rec)
	}

	rec2, err := l.ReadAt(rec.NextPosition)
	if err != nil {
		t.Fatalf("ReadAt second: %v", err)
	}
	if rec2.Event == nil || rec2.Event.Revision != 1 || string(rec2.Event.Data) != "2" {
		t.Fatalf("unexpected second record: %+v", rec2)
	}
}

func TestChunkRollover(t *testing.T) {
	backend := fs.NewMem()
	// Deliberately tiny so a second entry forces a new chunk.
	small := int64(entryOverhead + len("payload-0") + 40)
	l, err := Open(backend, small)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var lastReceipt LogReceipt
	for i := 0; i < 4; i++ {
		r, err := l.Append([]Entry{eventEntry("s", uint64(i), "payload-0")})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		lastReceipt = r
	}
	if len(l.chunks) < 2 {
		t.Fatalf("expected rollover to create multiple chunks, got %d", len(l.chunks))
	}
	if l.next != lastReceipt.NextPosition {
		t.Fatalf("writer cursor out of sync: %d vs %d", l.next, lastReceipt.NextPosition)
	}

	// every position written must still read back correctly
	pos := uint64(0)
	for i := 0; i < 4; i++ {
		rec, err := l.ReadAt(pos)
		if err != nil {
			t.Fatalf("ReadAt(%d): %v", pos, err)
		}
		if rec.Event == nil || rec.Event.Revision != uint64(i) {
			t.Fatalf("entry %d: unexpected record %+v", i, rec)
		}
		pos = rec.NextPosition
	}
}

func TestReopenResumesFromCheckpoint(t *testing.T) {
	backend := fs.NewMem()
	l1, err := Open(backend, DefaultChunkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	receipt, err := l1.Append([]Entry{eventEntry("s", 0, "x")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	l2, err := Open(backend, DefaultChunkSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if l2.Position() != receipt.NextPosition {
		t.Fatalf("reopened log cursor = %d, want %d", l2.Position(), receipt.NextPosition)
	}
	rec, err := l2.ReadAt(0)
	if err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if rec.Event == nil || rec.Event.StreamName != "s" {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
}

func TestScavengeDropsShadowedEvents(t *testing.T) {
	backend := fs.NewMem()
	small := int64(entryOverhead+len("payload-0")+40) * 3 // room for 3 entries per chunk
	l, err := Open(backend, small)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	positions := make([]uint64, 3)
	for i := 0; i < 3; i++ {
		r, err := l.Append([]Entry{eventEntry("s", uint64(i), "payload-0")})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		positions[i] = r.StartPosition
	}
	// force a seal by rolling to a second chunk
	if _, err := l.Append([]Entry{eventEntry("s", 3, "payload-1-longer")}); err != nil {
		t.Fatalf("Append rollover: %v", err)
	}
	if len(l.chunks) < 2 || !l.chunks[0].sealed {
		t.Fatalf("expected first chunk sealed, got %+v", l.chunks)
	}

	seq := l.chunks[0].seq
	onlyLatestLive := func(streamName string, revision uint64) bool {
		return revision == 2 // pretend everything below 2 was superseded
	}
	if err := l.Scavenge(seq, onlyLatestLive); err != nil {
		t.Fatalf("Scavenge: %v", err)
	}
	if !l.chunks[0].scavenged {
		t.Fatal("expected chunk marked scavenged")
	}

	if _, err := l.ReadAt(positions[0]); err == nil {
		t.Fatal("expected dropped revision-0 entry to no longer be readable after scavenge")
	}
	rec, err := l.ReadAt(positions[2])
	if err != nil {
		t.Fatalf("ReadAt surviving revision-2 entry: %v", err)
	}
	if rec.Event == nil || rec.Event.Revision != 2 {
		t.Fatalf("expected surviving revision 2, got %+v", rec)
	}
}

func TestScavengeOfActiveChunkRejected(t *testing.T) {
	backend := fs.NewMem()
	l, err := Open(backend, DefaultChunkSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append([]Entry{eventEntry("s", 0, "x")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Scavenge(l.chunks[0].seq, func(string, uint64) bool { return true }); err != ErrChunkNotSealed {
		t.Fatalf("expected ErrChunkNotSealed, got %v", err)
	}
}
