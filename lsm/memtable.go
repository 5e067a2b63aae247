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
package lsm

import (
	"github.com/google/btree"
)

// memEntry is the btree's element type: ordered by Key, carrying Position.
type memEntry struct {
	Key      Key
	Position uint64
}

func memLess(a, b memEntry) bool { return Less(a.Key, b.Key) }

// entryByteCost approximates the serialized footprint of one entry for size
// accounting: the 24-byte block entry plus its 2-byte offset slot, matching
// the on-disk block layout exactly so mem_table_max_size comparisons line up
// with how much space the entry will actually cost once flushed.
const entryByteCost = 24 + 2

// MemTable is the ordered, mutable, hot-path index: an in-memory map keyed
// by (stream_key, revision) to a WAL log position, backed by an in-order
// B-tree so forward/backward scans and point lookups are both native
// operations.
type MemTable struct {
	tree  *btree.BTreeG[memEntry]
	bytes int
}

// NewMemTable returns an empty MemTable.
func NewMemTable() *MemTable {
	return &MemTable{tree: btree.NewG(32, memLess)}
}

// Put inserts or overwrites the entry at key.
func (m *MemTable) Put(key Key, position uint64) {
	e := memEntry{Key: key, Position: position}
	if _, existed := m.tree.ReplaceOrInsert(e); !existed {
		m.bytes += entryByteCost
	}
}

// Get returns the position at the exact (key) if present.
func (m *MemTable) Get(key Key) (uint64, bool) {
	e, ok := m.tree.Get(memEntry{Key: key})
	return e.Position, ok
}

// Size reports the MemTable's accounted byte footprint, used to decide when
// to seal it and flush to a level-0 SST.
func (m *MemTable) Size() int { return m.bytes }

// Len reports how many entries are currently held.
func (m *MemTable) Len() int { return m.tree.Len() }

// ScanForward yields entries for streamKey with revision >= startRev, in
// increasing revision order, up to max entries (0 = unbounded).
func (m *MemTable) ScanForward(streamKey uint64, startRev uint64, max int, yield func(Entry) bool) {
	m.tree.AscendGreaterOrEqual(memEntry{Key: Key{StreamKey: streamKey, Revision: startRev}}, func(e memEntry) bool {
		if e.Key.StreamKey != streamKey {
			return false
		}
		if !yield(Entry{Key: e.Key, Position: e.Position}) {
			return false
		}
		max--
		return max != 0
	})
}

// ScanBackward yields entries for streamKey with revision <= startRev, in
// decreasing revision order, up to max entries (0 = unbounded). startRev ==
// MaxRevision anchors at the highest revision present.
func (m *MemTable) ScanBackward(streamKey uint64, startRev uint64, max int, yield func(Entry) bool) {
	m.tree.DescendLessOrEqual(memEntry{Key: Key{StreamKey: streamKey, Revision: startRev}}, func(e memEntry) bool {
		if e.Key.StreamKey != streamKey {
			return false
		}
		if !yield(Entry{Key: e.Key, Position: e.Position}) {
			return false
		}
		max--
		return max != 0
	})
}

// All iterates every entry in ascending key order, used when flushing to a
// fresh level-0 SST.
func (m *MemTable) All(yield func(Entry) bool) {
	m.tree.Ascend(func(e memEntry) bool {
		return yield(Entry{Key: e.Key, Position: e.Position})
	})
}
