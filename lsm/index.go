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
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/launix-de/eventcore/fs"
)

const (
	manifestFile = "lsm/manifest"

	// defaultMemTableMaxSize bounds the active MemTable before it is sealed
	// and flushed to a level-0 SST.
	defaultMemTableMaxSize = 4 << 20 // 4 MiB of accounted entry cost

	// defaultLevelFanout is how many SSTs a level tolerates before the
	// whole level is merged into a single SST one level down.
	defaultLevelFanout = 4

	defaultBlockSize = 8 << 10 // 8 KiB
)

// Options tunes an Index's flush/compaction/cold-tier behavior.
type Options struct {
	MemTableMaxSize int
	LevelFanout     int
	BlockSize       int
	// ColdTierLevel is the first level (0-based) whose SSTs are written
	// with the xz codec instead of raw. 0 disables cold-tier compression
	// entirely (every level stays raw).
	ColdTierLevel int
}

func (o Options) withDefaults() Options {
	if o.MemTableMaxSize <= 0 {
		o.MemTableMaxSize = defaultMemTableMaxSize
	}
	if o.LevelFanout <= 0 {
		o.LevelFanout = defaultLevelFanout
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	return o
}

// Index is the secondary index over the WAL: an active MemTable for recent
// writes, backed by leveled SSTs for everything flushed and compacted.
// Level 0 is the newest; within a level, SSTs are kept in the order they
// were added, newest last.
type Index struct {
	mu              sync.RWMutex
	backend         fs.Backend
	opts            Options
	active          *MemTable
	levels          [][]string // levels[n] is a list of SST ids, oldest first
	logicalPosition uint64     // WAL position this index reflects, inclusive
	open            map[string]*SST
}

// Open loads a persisted manifest, if one exists, or starts a fresh Index.
func Open(backend fs.Backend, opts Options) (*Index, error) {
	idx := &Index{
		backend: backend,
		opts:    opts.withDefaults(),
		active:  NewMemTable(),
		open:    make(map[string]*SST),
	}
	exists, err := backend.Exists(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("lsm: checking manifest: %w", err)
	}
	if !exists {
		return idx, nil
	}
	raw, err := backend.ReadAll(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("lsm: reading manifest: %w", err)
	}
	if err := idx.decodeManifest(raw); err != nil {
		return nil, err
	}
	return idx, nil
}

// decodeManifest parses [logical_position:u64]{[level:u8][sst_id:16B]}.
func (idx *Index) decodeManifest(raw []byte) error {
	if len(raw) < 8 {
		return fmt.Errorf("lsm: manifest shorter than logical_position field")
	}
	idx.logicalPosition = binary.LittleEndian.Uint64(raw[0:8])
	rest := raw[8:]
	if len(rest)%17 != 0 {
		return fmt.Errorf("lsm: manifest entries misaligned")
	}
	for o := 0; o < len(rest); o += 17 {
		level := int(rest[o])
		var id uuid.UUID
		copy(id[:], rest[o+1:o+17])
		for len(idx.levels) <= level {
			idx.levels = append(idx.levels, nil)
		}
		idx.levels[level] = append(idx.levels[level], id.String())
	}
	return nil
}

func (idx *Index) persistManifestLocked() error {
	var buf []byte
	var posBuf [8]byte
	binary.LittleEndian.PutUint64(posBuf[:], idx.logicalPosition)
	buf = append(buf, posBuf[:]...)
	for level, ids := range idx.levels {
		for _, id := range ids {
			u, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("lsm: manifest SST id %q does not parse: %w", id, err)
			}
			buf = append(buf, byte(level))
			buf = append(buf, u[:]...)
		}
	}
	return idx.backend.WriteAllAtomic(manifestFile, buf)
}

// Put indexes one (key -> position) mapping observed up to logicalPosition
// in the WAL, flushing and compacting as needed.
func (idx *Index) Put(key Key, position uint64, logicalPosition uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.active.Put(key, position)
	idx.logicalPosition = logicalPosition
	if idx.active.Size() < idx.opts.MemTableMaxSize {
		return idx.persistManifestLocked()
	}
	if err := idx.flushLocked(); err != nil {
		return err
	}
	return idx.persistManifestLocked()
}

// LogicalPosition reports the WAL position this index reflects.
func (idx *Index) LogicalPosition() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.logicalPosition
}

func (idx *Index) sstLocked(id string) (*SST, error) {
	if s, ok := idx.open[id]; ok {
		return s, nil
	}
	s, err := OpenSST(idx.backend, id)
	if err != nil {
		return nil, err
	}
	idx.open[id] = s
	return s, nil
}

func (idx *Index) flushLocked() error {
	if idx.active.Len() == 0 {
		return nil
	}
	var entries []Entry
	idx.active.All(func(e Entry) bool {
		entries = append(entries, e)
		return true
	})
	codec := idx.codecForLevel(0)
	id, err := WriteSST(idx.backend, entries, idx.opts.BlockSize, codec)
	if err != nil {
		return fmt.Errorf("lsm: flushing MemTable: %w", err)
	}
	if len(idx.levels) == 0 {
		idx.levels = append(idx.levels, nil)
	}
	idx.levels[0] = append(idx.levels[0], id)
	idx.active = NewMemTable()
	return idx.compactLocked(0)
}

func (idx *Index) codecForLevel(level int) byte {
	if idx.opts.ColdTierLevel > 0 && level >= idx.opts.ColdTierLevel {
		return codecXZ
	}
	return codecRaw
}

// compactLocked promotes level's entire run into one merged SST one level
// down whenever level holds more SSTs than the configured fan-out, repeating down
// the level chain as needed.
func (idx *Index) compactLocked(level int) error {
	for level < len(idx.levels) && len(idx.levels[level]) > idx.opts.LevelFanout {
		ids := idx.levels[level]
		idx.levels[level] = nil

		var sources []Source
		for i := len(ids) - 1; i >= 0; i-- { // newest first: higher recency priority
			s, err := idx.sstLocked(ids[i])
			if err != nil {
				return err
			}
			sources = append(sources, newSSTSource(s))
		}
		merged := NewMergeIterator(Forward, sources)
		var entries []Entry
		for {
			e, ok, err := merged.Next()
			if err != nil {
				return fmt.Errorf("lsm: compacting level %d: %w", level, err)
			}
			if !ok {
				break
			}
			entries = append(entries, e)
		}

		target := level + 1
		codec := idx.codecForLevel(target)
		newID, err := WriteSST(idx.backend, entries, idx.opts.BlockSize, codec)
		if err != nil {
			return fmt.Errorf("lsm: writing compacted SST for level %d: %w", target, err)
		}
		for len(idx.levels) <= target {
			idx.levels = append(idx.levels, nil)
		}
		idx.levels[target] = append(idx.levels[target], newID)

		for _, id := range ids {
			delete(idx.open, id)
			if err := idx.backend.Remove(sstFileID(id)); err != nil {
				return fmt.Errorf("lsm: removing compacted SST %s: %w", id, err)
			}
		}
		level = target
	}
	return nil
}

// Get returns the position indexed at the exact key, checking the active
// MemTable, then each level from newest to oldest.
func (idx *Index) Get(key Key) (uint64, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if p, ok := idx.active.Get(key); ok {
		return p, true, nil
	}
	for _, level := range idx.levels {
		for i := len(level) - 1; i >= 0; i-- {
			s, err := idx.sstLocked(level[i])
			if err != nil {
				return 0, false, err
			}
			if e, ok, err := s.Find(key); err != nil {
				return 0, false, err
			} else if ok {
				return e.Position, true, nil
			}
		}
	}
	return 0, false, nil
}

// scanSources builds the merge sources for one scan, in recency order: the
// active MemTable first, then each level newest-SST-first, oldest level
// last.
func (idx *Index) scanSources(streamKey uint64, dir Direction, startRev uint64, perSourceMax int) ([]Source, error) {
	var sources []Source
	sources = append(sources, newMemTableSource(idx.active, streamKey, dir, startRev, perSourceMax))
	for _, level := range idx.levels {
		for i := len(level) - 1; i >= 0; i-- {
			s, err := idx.sstLocked(level[i])
			if err != nil {
				return nil, err
			}
			sources = append(sources, newSSTScanSource(s, streamKey, dir, startRev, perSourceMax))
		}
	}
	return sources, nil
}

// Scan yields up to max entries for streamKey in dir order starting at
// startRev, merged across the active MemTable and every SST, most recent
// source winning on duplicate (stream_key, revision).
func (idx *Index) Scan(streamKey uint64, dir Direction, startRev uint64, max int, yield func(Entry) bool) error {
	idx.mu.Lock()
	sources, err := idx.scanSources(streamKey, dir, startRev, max)
	idx.mu.Unlock()
	if err != nil {
		return err
	}
	merged := NewMergeIterator(dir, sources)
	count := 0
	for {
		e, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !yield(e) {
			return nil
		}
		count++
		if max > 0 && count >= max {
			return nil
		}
	}
}

// HighestRevision returns the highest indexed revision for streamKey, if
// any entry (including a tombstone at MaxRevision) exists.
func (idx *Index) HighestRevision(streamKey uint64) (uint64, bool, error) {
	var found Entry
	ok := false
	err := idx.Scan(streamKey, Backward, MaxRevision, 1, func(e Entry) bool {
		found = e
		ok = true
		return false
	})
	if err != nil {
		return 0, false, err
	}
	return found.Key.Revision, ok, nil
}

// newMemTableSource adapts a MemTable range scan into a Source by eagerly
// buffering the (small, bounded) matching slice.
func newMemTableSource(m *MemTable, streamKey uint64, dir Direction, startRev uint64, max int) Source {
	var buf []Entry
	collect := func(e Entry) bool { buf = append(buf, e); return true }
	if dir == Forward {
		m.ScanForward(streamKey, startRev, max, collect)
	} else {
		m.ScanBackward(streamKey, startRev, max, collect)
	}
	return &sliceSource{entries: buf}
}

func newSSTScanSource(s *SST, streamKey uint64, dir Direction, startRev uint64, max int) Source {
	var buf []Entry
	s.Scan(streamKey, dir, startRev, max, func(e Entry) bool { buf = append(buf, e); return true })
	return &sliceSource{entries: buf}
}

// sstSource iterates an entire SST in ascending key order, used by
// compaction (which always merges in Forward order across whole SSTs).
type sstSource struct {
	s   *SST
	blk int
	i   int
}

func newSSTSource(s *SST) Source { return &sstSource{s: s} }

func (ss *sstSource) Next() (Entry, bool, error) {
	for {
		if ss.blk >= len(ss.s.metas) {
			return Entry{}, false, nil
		}
		blk, err := ss.s.blockAt(ss.s.metas[ss.blk])
		if err != nil {
			return Entry{}, false, err
		}
		if ss.i >= len(blk.Entries) {
			ss.blk++
			ss.i = 0
			continue
		}
		e := blk.Entries[ss.i]
		ss.i++
		return e, true, nil
	}
}
