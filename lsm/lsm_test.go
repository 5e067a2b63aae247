package lsm

import (
	"testing"

	"github.com/launix-de/eventcore/fs"
)

func TestBlockRoundTrip(t *testing.T) {
	b := NewBuilder(256)
	want := []Entry{
		{Key: Key{StreamKey: 1, Revision: 0}, Position: 10},
		{Key: Key{StreamKey: 1, Revision: 1}, Position: 20},
		{Key: Key{StreamKey: 2, Revision: 0}, Position: 30},
	}
	for _, e := range want {
		if err := b.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	blk, err := DecodeBlock(b.Finish())
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if len(blk.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(blk.Entries), len(want))
	}
	for i, e := range want {
		if blk.Entries[i] != e {
			t.Fatalf("entry %d = %+v, want %+v", i, blk.Entries[i], e)
		}
	}
	if e, ok := blk.Find(Key{StreamKey: 1, Revision: 1}); !ok || e.Position != 20 {
		t.Fatalf("Find(1,1) = %+v, %v", e, ok)
	}
	if _, ok := blk.Find(Key{StreamKey: 1, Revision: 99}); ok {
		t.Fatal("Find should miss an absent revision")
	}
}

func TestBlockFullRejectsOverflow(t *testing.T) {
	// room for exactly one entry: 24 + 2 (its offset slot) + 2 (count) = 28
	b := NewBuilder(28)
	if err := b.Add(Entry{Key: Key{StreamKey: 1}, Position: 1}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := b.Add(Entry{Key: Key{StreamKey: 2}, Position: 2}); err != ErrBlockFull {
		t.Fatalf("expected ErrBlockFull, got %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("rejected Add must not mutate builder, len = %d", b.Len())
	}
}

func seqEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{Key: Key{StreamKey: uint64(i / 3), Revision: uint64(i % 3)}, Position: uint64(i * 100)}
	}
	return entries
}

func TestSSTWriteFindScan(t *testing.T) {
	backend := fs.NewMem()
	entries := seqEntries(30) // 10 stream keys, 3 revisions each
	id, err := WriteSST(backend, entries, 96, codecRaw)
	if err != nil {
		t.Fatalf("WriteSST: %v", err)
	}
	s, err := OpenSST(backend, id)
	if err != nil {
		t.Fatalf("OpenSST: %v", err)
	}
	if len(s.metas) < 2 {
		t.Fatalf("expected multiple blocks for a narrow block size, got %d", len(s.metas))
	}

	for _, e := range entries {
		got, ok, err := s.Find(e.Key)
		if err != nil {
			t.Fatalf("Find(%+v): %v", e.Key, err)
		}
		if !ok || got.Position != e.Position {
			t.Fatalf("Find(%+v) = %+v, %v; want %+v", e.Key, got, ok, e)
		}
	}
	if _, ok, err := s.Find(Key{StreamKey: 999, Revision: 0}); err != nil || ok {
		t.Fatalf("Find on absent key: ok=%v err=%v", ok, err)
	}

	var forward []Entry
	if err := s.Scan(3, Forward, 0, 0, func(e Entry) bool { forward = append(forward, e); return true }); err != nil {
		t.Fatalf("Scan forward: %v", err)
	}
	if len(forward) != 3 || forward[0].Key.Revision != 0 || forward[2].Key.Revision != 2 {
		t.Fatalf("unexpected forward scan result: %+v", forward)
	}

	var backward []Entry
	if err := s.Scan(3, Backward, MaxRevision, 0, func(e Entry) bool { backward = append(backward, e); return true }); err != nil {
		t.Fatalf("Scan backward: %v", err)
	}
	if len(backward) != 3 || backward[0].Key.Revision != 2 || backward[2].Key.Revision != 0 {
		t.Fatalf("unexpected backward scan result: %+v", backward)
	}

	var limited []Entry
	if err := s.Scan(3, Forward, 0, 2, func(e Entry) bool { limited = append(limited, e); return true }); err != nil {
		t.Fatalf("Scan limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected max=2 to cap results, got %d", len(limited))
	}
}

func TestSSTColdTierXZRoundTrip(t *testing.T) {
	backend := fs.NewMem()
	entries := seqEntries(15)
	id, err := WriteSST(backend, entries, 96, codecXZ)
	if err != nil {
		t.Fatalf("WriteSST with xz codec: %v", err)
	}
	s, err := OpenSST(backend, id)
	if err != nil {
		t.Fatalf("OpenSST: %v", err)
	}
	if s.Codec != codecXZ {
		t.Fatalf("expected codec to round-trip as xz, got %d", s.Codec)
	}
	got, ok, err := s.Find(entries[7].Key)
	if err != nil || !ok || got.Position != entries[7].Position {
		t.Fatalf("Find after xz round-trip = %+v, %v, %v", got, ok, err)
	}
}

func TestMemTableFlushThreshold(t *testing.T) {
	m := NewMemTable()
	if m.Size() != 0 {
		t.Fatalf("fresh MemTable should have zero size, got %d", m.Size())
	}
	m.Put(Key{StreamKey: 1, Revision: 0}, 10)
	if m.Size() != entryByteCost {
		t.Fatalf("expected one entry's cost, got %d", m.Size())
	}
	m.Put(Key{StreamKey: 1, Revision: 0}, 20) // overwrite must not double-count
	if m.Size() != entryByteCost {
		t.Fatalf("overwrite inflated size to %d", m.Size())
	}
	if p, ok := m.Get(Key{StreamKey: 1, Revision: 0}); !ok || p != 20 {
		t.Fatalf("Get after overwrite = %d, %v", p, ok)
	}
}

func TestMergeIteratorPrefersMostRecentOnDuplicate(t *testing.T) {
	recent := NewSliceSource([]Entry{
		{Key: Key{StreamKey: 1, Revision: 0}, Position: 999}, // supersedes the older source's entry
	})
	older := NewSliceSource([]Entry{
		{Key: Key{StreamKey: 1, Revision: 0}, Position: 1},
		{Key: Key{StreamKey: 1, Revision: 1}, Position: 2},
	})
	m := NewMergeIterator(Forward, []Source{recent, older})

	var got []Entry
	for {
		e, ok, err := m.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated entries, got %d: %+v", len(got), got)
	}
	if got[0].Position != 999 {
		t.Fatalf("expected the more recent source's entry to win, got %+v", got[0])
	}
	if got[1].Key.Revision != 1 || got[1].Position != 2 {
		t.Fatalf("unexpected second entry: %+v", got[1])
	}
}

func TestIndexPutGetAcrossFlush(t *testing.T) {
	backend := fs.NewMem()
	idx, err := Open(backend, Options{MemTableMaxSize: entryByteCost * 4, LevelFanout: 100, BlockSize: 256})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		k := Key{StreamKey: uint64(i / 2), Revision: uint64(i % 2)}
		if err := idx.Put(k, uint64(i*10), uint64(i)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if len(idx.levels) == 0 || len(idx.levels[0]) == 0 {
		t.Fatal("expected at least one level-0 SST after exceeding the MemTable threshold repeatedly")
	}
	for i := 0; i < 20; i++ {
		k := Key{StreamKey: uint64(i / 2), Revision: uint64(i % 2)}
		p, ok, err := idx.Get(k)
		if err != nil {
			t.Fatalf("Get %+v: %v", k, err)
		}
		if !ok || p != uint64(i*10) {
			t.Fatalf("Get %+v = %d, %v; want %d", k, p, ok, i*10)
		}
	}
}

func TestIndexReopenLoadsManifest(t *testing.T) {
	backend := fs.NewMem()
	idx1, err := Open(backend, Options{MemTableMaxSize: entryByteCost * 2, LevelFanout: 100, BlockSize: 256})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := idx1.Put(Key{StreamKey: uint64(i), Revision: 0}, uint64(i), uint64(i)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	idx2, err := Open(backend, Options{MemTableMaxSize: entryByteCost * 2, LevelFanout: 100, BlockSize: 256})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if idx2.LogicalPosition() != idx1.LogicalPosition() {
		t.Fatalf("reopened logical position = %d, want %d", idx2.LogicalPosition(), idx1.LogicalPosition())
	}
	for i := 0; i < 10; i++ {
		p, ok, err := idx2.Get(Key{StreamKey: uint64(i), Revision: 0})
		if err != nil {
			t.Fatalf("Get %d after reopen: %v", i, err)
		}
		if !ok || p != uint64(i) {
			t.Fatalf("Get %d after reopen = %d, %v", i, p, ok)
		}
	}
}

func TestIndexCompactionMergesLevels(t *testing.T) {
	backend := fs.NewMem()
	idx, err := Open(backend, Options{MemTableMaxSize: entryByteCost, LevelFanout: 2, BlockSize: 256})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 12; i++ {
		if err := idx.Put(Key{StreamKey: uint64(i), Revision: 0}, uint64(i), uint64(i)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if len(idx.levels) < 2 {
		t.Fatalf("expected compaction to promote into level 1, levels = %+v", idx.levels)
	}
	if len(idx.levels[0]) > idx.opts.LevelFanout {
		t.Fatalf("level 0 should have been compacted below the fan-out, has %d", len(idx.levels[0]))
	}
	for i := 0; i < 12; i++ {
		p, ok, err := idx.Get(Key{StreamKey: uint64(i), Revision: 0})
		if err != nil || !ok || p != uint64(i) {
			t.Fatalf("Get %d after compaction = %d, %v, %v", i, p, ok, err)
		}
	}
}

func TestHighestRevision(t *testing.T) {
	backend := fs.NewMem()
	idx, err := Open(backend, Options{MemTableMaxSize: entryByteCost * 100, LevelFanout: 100, BlockSize: 256})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for rev := uint64(0); rev < 5; rev++ {
		if err := idx.Put(Key{StreamKey: 7, Revision: rev}, rev*2, rev); err != nil {
			t.Fatalf("Put rev %d: %v", rev, err)
		}
	}
	rev, ok, err := idx.HighestRevision(7)
	if err != nil {
		t.Fatalf("HighestRevision: %v", err)
	}
	if !ok || rev != 4 {
		t.Fatalf("HighestRevision = %d, %v; want 4", rev, ok)
	}
	if _, ok, err := idx.HighestRevision(999); err != nil || ok {
		t.Fatalf("HighestRevision for absent stream: ok=%v err=%v", ok, err)
	}
}
