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

import "container/heap"

// Source is one sorted sequence of entries a MergeIterator draws from: a
// MemTable snapshot, an SST, or another MergeIterator. Next returns ok=false
// once exhausted, with a non-nil err only on a genuine read failure.
type Source interface {
	Next() (Entry, bool, error)
}

// mergeItem is one source's current head, tagged with the source's
// recency priority (lower is more recent) for dedup tie-breaking.
type mergeItem struct {
	entry    Entry
	priority int
	srcIndex int
}

// mergeHeap orders items by key per direction, and within equal keys by
// priority (most recent first) so the dedup pass in Next always sees the
// winning duplicate emerge first.
type mergeHeap struct {
	items []mergeItem
	dir   Direction
}

func (h mergeHeap) Len() int { return len(h.items) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.entry.Key != b.entry.Key {
		if h.dir == Forward {
			return Less(a.entry.Key, b.entry.Key)
		}
		return Less(b.entry.Key, a.entry.Key)
	}
	return a.priority < b.priority
}
func (h mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)   { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// MergeIterator performs a k-way merge over sorted Sources, most-recent
// source first: when two sources produce the same (stream_key, revision),
// only the entry from the lower-priority-index (more recent) source
// survives. An I/O error from one source is surfaced from Next without
// losing the merge's position in the remaining sources.
type MergeIterator struct {
	sources []Source
	heap    mergeHeap
	started bool
	lastKey Key
	hasLast bool
}

// NewMergeIterator builds a merge over sources in recency order: sources[0]
// is treated as the most recent (e.g. the active MemTable), sources[len-1]
// as the oldest (e.g. the deepest SST level).
func NewMergeIterator(dir Direction, sources []Source) *MergeIterator {
	return &MergeIterator{sources: sources, heap: mergeHeap{dir: dir}}
}

func (m *MergeIterator) fill(idx int) error {
	e, ok, err := m.sources[idx].Next()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	heap.Push(&m.heap, mergeItem{entry: e, priority: idx, srcIndex: idx})
	return nil
}

// Next returns the merged stream's next entry, deduplicating by key and
// preferring the most recent source on a tie.
func (m *MergeIterator) Next() (Entry, bool, error) {
	if !m.started {
		m.started = true
		var firstErr error
		for i := range m.sources {
			if err := m.fill(i); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return Entry{}, false, firstErr
		}
	}
	for m.heap.Len() > 0 {
		top := heap.Pop(&m.heap).(mergeItem)
		if err := m.fill(top.srcIndex); err != nil {
			heap.Push(&m.heap, top)
			return Entry{}, false, err
		}
		if m.hasLast && top.entry.Key == m.lastKey {
			continue // shadowed by a more recent source's entry already emitted
		}
		m.lastKey = top.entry.Key
		m.hasLast = true
		return top.entry, true, nil
	}
	return Entry{}, false, nil
}

// sliceSource adapts an in-memory, pre-sorted []Entry into a Source.
type sliceSource struct {
	entries []Entry
	i       int
}

// NewSliceSource wraps entries (already sorted in the iteration direction
// the caller intends to merge in) as a Source.
func NewSliceSource(entries []Entry) Source { return &sliceSource{entries: entries} }

func (s *sliceSource) Next() (Entry, bool, error) {
	if s.i >= len(s.entries) {
		return Entry{}, false, nil
	}
	e := s.entries[s.i]
	s.i++
	return e, true, nil
}
