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
	"errors"
	"fmt"
	"sort"
)

const (
	blockEntrySize  = 24 // stream_key:u64 + revision:u64 + position:u64
	blockOffsetSize = 2
	blockCountSize  = 2
)

// ErrBlockFull is returned by Builder.Add once the next entry would push
// the block's projected serialized size past its configured limit; the
// caller must finish this block and start a new one.
var ErrBlockFull = errors.New("lsm: block is full")

// ErrCorruptBlock is fatal: a block's bytes do not parse, or block_metas are
// not strictly ordered by (first_key, first_revision).
var ErrCorruptBlock = errors.New("lsm: corrupt block")

// Builder accumulates (key, position) tuples in strictly increasing key
// order until the projected size (entries + offset table + count) would
// exceed blockSize.
type Builder struct {
	blockSize int
	entries   []Entry
}

// NewBuilder returns a Builder targeting blockSize bytes per finished block.
func NewBuilder(blockSize int) *Builder {
	return &Builder{blockSize: blockSize}
}

func (b *Builder) projectedSize(n int) int {
	return n*blockEntrySize + n*blockOffsetSize + blockCountSize
}

// Add appends one entry, or returns ErrBlockFull without modifying the
// builder if doing so would exceed the configured block size.
func (b *Builder) Add(e Entry) error {
	if b.projectedSize(len(b.entries)+1) > b.blockSize {
		return ErrBlockFull
	}
	b.entries = append(b.entries, e)
	return nil
}

// Len reports how many entries have been accepted so far.
func (b *Builder) Len() int { return len(b.entries) }

// Empty reports whether no entries have been accepted.
func (b *Builder) Empty() bool { return len(b.entries) == 0 }

// FirstKey returns the block's lowest key; only valid when not Empty.
func (b *Builder) FirstKey() Key { return b.entries[0].Key }

// Finish serializes the accumulated entries into a fixed blockSize buffer:
// [entries:count*24B][offsets:count*u16][count:u16], zero-padded to
// blockSize.
func (b *Builder) Finish() []byte {
	buf := make([]byte, b.blockSize)
	o := 0
	for _, e := range b.entries {
		binary.LittleEndian.PutUint64(buf[o:], e.Key.StreamKey)
		binary.LittleEndian.PutUint64(buf[o+8:], e.Key.Revision)
		binary.LittleEndian.PutUint64(buf[o+16:], e.Position)
		o += blockEntrySize
	}
	for i := range b.entries {
		binary.LittleEndian.PutUint16(buf[o:], uint16(i*blockEntrySize))
		o += blockOffsetSize
	}
	binary.LittleEndian.PutUint16(buf[o:], uint16(len(b.entries)))
	return buf
}

// Block is a parsed, read-only view of one serialized block.
type Block struct {
	Entries []Entry // in increasing key order
}

// DecodeBlock parses a fixed blockSize buffer back into a Block.
func DecodeBlock(buf []byte) (Block, error) {
	if len(buf) < blockCountSize {
		return Block{}, fmt.Errorf("%w: block shorter than count field", ErrCorruptBlock)
	}
	count := int(binary.LittleEndian.Uint16(buf[len(buf)-blockCountSize:]))
	offsetsStart := len(buf) - blockCountSize - count*blockOffsetSize
	if offsetsStart < 0 || count*blockEntrySize > offsetsStart {
		return Block{}, fmt.Errorf("%w: block count %d inconsistent with length %d", ErrCorruptBlock, count, len(buf))
	}
	entries := make([]Entry, count)
	for i := 0; i < count; i++ {
		offset := int(binary.LittleEndian.Uint16(buf[offsetsStart+i*blockOffsetSize:]))
		if offset+blockEntrySize > offsetsStart {
			return Block{}, fmt.Errorf("%w: entry offset %d out of range", ErrCorruptBlock, offset)
		}
		entries[i] = Entry{
			Key: Key{
				StreamKey: binary.LittleEndian.Uint64(buf[offset:]),
				Revision:  binary.LittleEndian.Uint64(buf[offset+8:]),
			},
			Position: binary.LittleEndian.Uint64(buf[offset+16:]),
		}
	}
	return Block{Entries: entries}, nil
}

// Find performs a binary search for the exact (key, revision).
func (b Block) Find(key Key) (Entry, bool) {
	i := sort.Search(len(b.Entries), func(i int) bool { return !Less(b.Entries[i].Key, key) })
	if i < len(b.Entries) && b.Entries[i].Key == key {
		return b.Entries[i], true
	}
	return Entry{}, false
}

func (b Block) lastKey() Key  { return b.Entries[len(b.Entries)-1].Key }
func (b Block) firstKey() Key { return b.Entries[0].Key }

// ScanForward binary-searches to the lowest entry with (streamKey, rev >=
// startRev), then iterates while entry.StreamKey == streamKey and the
// caller's budget allows. If the block's last key sorts below the target,
// it returns immediately without scanning.
func (b Block) ScanForward(streamKey uint64, startRev uint64, max int, yield func(Entry) bool) {
	if len(b.Entries) == 0 {
		return
	}
	target := Key{StreamKey: streamKey, Revision: startRev}
	if Less(b.lastKey(), target) {
		return
	}
	i := sort.Search(len(b.Entries), func(i int) bool { return !Less(b.Entries[i].Key, target) })
	for ; i < len(b.Entries) && b.Entries[i].Key.StreamKey == streamKey; i++ {
		if !yield(b.Entries[i]) {
			return
		}
		max--
		if max == 0 {
			return
		}
	}
}

// ScanBackward is the mirror of ScanForward: binary-searches to the highest
// entry with (streamKey, rev <= startRev) and iterates downward.
// startRev == MaxRevision anchors at the highest revision present.
func (b Block) ScanBackward(streamKey uint64, startRev uint64, max int, yield func(Entry) bool) {
	if len(b.Entries) == 0 {
		return
	}
	target := Key{StreamKey: streamKey, Revision: startRev}
	if Less(target, b.firstKey()) {
		return
	}
	i := sort.Search(len(b.Entries), func(i int) bool { return Less(target, b.Entries[i].Key) }) - 1
	for ; i >= 0 && b.Entries[i].Key.StreamKey == streamKey; i-- {
		if !yield(b.Entries[i]) {
			return
		}
		max--
		if max == 0 {
			return
		}
	}
}

// Contains reports, per direction, whether this block could hold entries
// for streamKey: false short-circuits an SST scan without reading the
// block (first_key > key for forward, last_key < key for backward).
func (b Block) Contains(streamKey uint64, dir Direction) bool {
	if len(b.Entries) == 0 {
		return false
	}
	switch dir {
	case Forward:
		return b.firstKey().StreamKey <= streamKey
	default:
		return b.lastKey().StreamKey >= streamKey
	}
}
