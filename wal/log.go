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
package wal

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/launix-de/eventcore/fs"
	"github.com/launix-de/eventcore/internal/ids"
)

const (
	chunkCategory  = "wal/chunk-"
	checkpointFile = "wal/writer.chk"
	align          = 4096
)

// Entry is one unframed record the caller wants committed: either an event
// or a stream-deletion tombstone, per RecordTypeEvent / RecordTypeStreamDeleted.
type Entry struct {
	Type    byte
	Payload []byte
}

// LogReceipt reports where a batch of entries landed.
type LogReceipt struct {
	StartPosition uint64
	NextPosition  uint64
}

// chunkInfo is what the Log keeps in memory about every chunk it knows
// about, enough to translate a logical position into a (chunk, offset) pair
// without re-reading headers from disk on every read.
type chunkInfo struct {
	seq          int32
	id           [16]byte
	logicalStart uint64 // first logical position this chunk holds
	logicalSize  int64  // span of logical positions this chunk covers (the original pre-scavenge payload size; scavenging never shrinks this so later chunks' logicalStart stays stable)
	scavenged    bool
	sealed       bool
}

// Log is the chunked WAL: a durable, position-addressed ordered log. One Log
// owns exactly one writer cursor; readers may share it or open their own
// read-only view over the same backend.
type Log struct {
	backend   fs.Backend
	chunkSize int64

	mu          sync.Mutex
	chunks      []chunkInfo // ordered by seq, ascending
	writeOffset int64       // bytes already written into the current (last) chunk's payload
	next        uint64      // next free logical position (mirrors writer.chk)
}

// Open resumes (or initializes) a Log over backend. It replays existing
// chunk headers/footers to rebuild the position index and cross-checks the
// result against writer.chk.
func Open(backend fs.Backend, chunkSize int64) (*Log, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	l := &Log{backend: backend, chunkSize: chunkSize}
	descs, err := backend.List(chunkCategory)
	if err != nil {
		return nil, fmt.Errorf("wal: listing chunks: %w", err)
	}
	sort.Slice(descs, func(i, j int) bool { return chunkSeq(descs[i].ID) < chunkSeq(descs[j].ID) })

	var logical uint64
	for _, d := range descs {
		raw, err := backend.ReadAll(d.ID)
		if err != nil {
			return nil, fmt.Errorf("wal: reading chunk %s: %w", d.ID, err)
		}
		if len(raw) < headerSize+footerSize {
			return nil, fmt.Errorf("%w: chunk %s shorter than header+footer", ErrCorruptChunk, d.ID)
		}
		hdr, err := decodeChunkHeader(raw[:headerSize])
		if err != nil {
			return nil, err
		}
		footer, err := decodeChunkFooter(raw[len(raw)-footerSize:])
		if err != nil {
			return nil, err
		}
		ci := chunkInfo{seq: hdr.SeqStart, id: hdr.ChunkID, logicalStart: logical, scavenged: hdr.IsScavenged != 0}
		if footer.completed() {
			if footer.Hash != [16]byte{} {
				payload := raw[headerSize : headerSize+int(footer.PhysicalDataSize)]
				if contentHash(payload) != footer.Hash {
					return nil, fmt.Errorf("%w: chunk %s footer hash mismatch", ErrCorruptChunk, d.ID)
				}
			}
			ci.logicalSize = footer.LogicalDataSize
			ci.sealed = true
			// A sealed chunk's unused tail was skipped at write time (see
			// sealChunk), so the next chunk's logicalStart resumes from this
			// chunk's full reserved capacity (the Log's fixed chunkSize), not
			// merely the bytes it holds. hdr.ChunkSize is unusable here: for a
			// scavenged chunk it is repurposed to the surviving decompressed
			// size (see Scavenge), not the original reserved span.
			logical += uint64(l.chunkSize)
		} else {
			// The only chunk that may be unsealed is the last one (the
			// active write chunk); its logical size is however many bytes
			// the writer had appended before the process last stopped.
			ci.logicalSize = int64(hdr.ChunkSize)
			l.writeOffset = activeChunkWriteOffset(raw)
			ci.logicalSize = l.writeOffset
			logical += uint64(l.writeOffset)
		}
		l.chunks = append(l.chunks, ci)
	}

	checkpoint, err := readCheckpoint(backend)
	if err != nil {
		return nil, err
	}
	if checkpoint > logical {
		// writer.chk is the authoritative cursor; a chunk replay that falls
		// short (e.g. the footer write for the last chunk crashed before
		// fsync) still trusts the checkpoint, matching spec.md's "write
		// position is the single authoritative end-of-log cursor".
		logical = checkpoint
	}
	l.next = logical
	return l, nil
}

func chunkSeq(fileID string) int32 {
	base := fileID[strings.LastIndex(fileID, "-")+1:]
	n, _ := strconv.Atoi(base)
	return int32(n)
}

func chunkFileID(seq int32) string {
	return fmt.Sprintf("%s%09d", chunkCategory, seq)
}

// activeChunkWriteOffset scans an unsealed chunk's payload forward, frame by
// frame, to find how many bytes were actually written before the process
// stopped (the remainder is still zero-filled from CreateSized).
func activeChunkWriteOffset(raw []byte) int64 {
	payload := raw[headerSize : len(raw)-footerSize]
	var off int
	for off+4 <= len(payload) {
		size := binary.LittleEndian.Uint32(payload[off : off+4])
		if size == 0 || int(size) > len(payload)-off {
			break
		}
		off += int(size)
	}
	return int64(off)
}

func contentHash(data []byte) [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], xxhash.Sum64(data))
	binary.LittleEndian.PutUint64(out[8:16], xxhash.Sum64([]byte{0x9e}) ^ xxhash.Sum64(data))
	return out
}

func readCheckpoint(backend fs.Backend) (uint64, error) {
	exists, err := backend.Exists(checkpointFile)
	if err != nil {
		return 0, fmt.Errorf("wal: checking checkpoint: %w", err)
	}
	if !exists {
		return 0, nil
	}
	raw, err := backend.ReadAll(checkpointFile)
	if err != nil {
		return 0, fmt.Errorf("wal: reading checkpoint: %w", err)
	}
	if len(raw) < 8 {
		return 0, fmt.Errorf("%w: short writer checkpoint", ErrCorruptChunk)
	}
	return binary.LittleEndian.Uint64(raw[:8]), nil
}

// writeCheckpoint rewrites writer.chk wholesale via WriteAllAtomic, so a
// crash mid-write never leaves a torn checkpoint for the next Open to trust.
func writeCheckpoint(backend fs.Backend, position uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], position)
	return backend.WriteAllAtomic(checkpointFile, buf[:])
}

// totalFileSize is the on-disk size of a chunk file: header + payload +
// footer, rounded up to a 4 KiB boundary.
func totalFileSize(chunkSize int64) int64 {
	raw := int64(headerSize) + chunkSize + int64(footerSize)
	if rem := raw % align; rem != 0 {
		raw += align - rem
	}
	return raw
}

func (l *Log) curSeq() int32 {
	if len(l.chunks) == 0 {
		return 0
	}
	return l.chunks[len(l.chunks)-1].seq
}

func (l *Log) curInfo() *chunkInfo {
	if len(l.chunks) == 0 {
		return nil
	}
	return &l.chunks[len(l.chunks)-1]
}

// ensureChunk guarantees a non-sealed current chunk exists, creating the
// very first one on a brand-new log.
func (l *Log) ensureChunk() error {
	if cur := l.curInfo(); cur != nil && !cur.sealed {
		return nil
	}
	seq := l.curSeq()
	if len(l.chunks) > 0 {
		seq++
	}
	id := ids.New()
	hdr := chunkHeader{FileType: fileTypeChunk, Version: chunkVersion, ChunkSize: int32(l.chunkSize), SeqStart: seq, SeqEnd: seq}
	copy(hdr.ChunkID[:], id[:])
	fileID := chunkFileID(seq)
	if err := l.backend.CreateSized(fileID, totalFileSize(l.chunkSize)); err != nil {
		return fmt.Errorf("wal: allocating chunk %s: %w", fileID, err)
	}
	if err := l.backend.WriteAt(fileID, 0, hdr.encode()); err != nil {
		return fmt.Errorf("wal: writing header for chunk %s: %w", fileID, err)
	}
	l.chunks = append(l.chunks, chunkInfo{seq: seq, id: hdr.ChunkID, logicalStart: l.next})
	l.writeOffset = 0
	return nil
}

// sealChunk writes the footer of the current chunk and fsyncs it.
func (l *Log) sealChunk() error {
	cur := l.curInfo()
	if cur == nil || cur.sealed {
		return nil
	}
	fileID := chunkFileID(cur.seq)
	payload, err := l.backend.ReadAt(fileID, headerSize, int(l.writeOffset))
	if err != nil {
		return fmt.Errorf("wal: re-reading chunk %s payload to seal: %w", fileID, err)
	}
	footer := chunkFooter{
		Flags:            footerFlagCompleted,
		PhysicalDataSize: int32(l.writeOffset),
		LogicalDataSize:  l.writeOffset,
		Hash:             contentHash(payload),
	}
	if err := l.backend.WriteAt(fileID, totalFileSize(l.chunkSize)-footerSize, footer.encode()); err != nil {
		return fmt.Errorf("wal: writing footer for chunk %s: %w", fileID, err)
	}
	if err := l.backend.Sync(fileID); err != nil {
		return fmt.Errorf("wal: fsyncing sealed chunk %s: %w", fileID, err)
	}
	cur.sealed = true
	cur.logicalSize = l.writeOffset
	// The unused tail of this chunk (chunkSize - writeOffset bytes that were
	// reserved but never written) is skipped rather than reused: the next
	// chunk's logicalStart begins at the next chunkSize-aligned boundary, so
	// position advances by the sealed chunk's full reserved capacity, not
	// just the bytes actually written to it.
	l.next += uint64(l.chunkSize - l.writeOffset)
	return nil
}

// Append commits entries as one batch to the log, assigning each a monotone
// logical position, sealing and rolling to a fresh chunk whenever the
// current one cannot hold the next entry. All entries in the batch that end
// up in the same chunk are a single underlying WriteAt.
func (l *Log) Append(entries []Entry) (LogReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureChunk(); err != nil {
		return LogReceipt{}, err
	}
	receipt := LogReceipt{StartPosition: l.next}

	for i, e := range entries {
		framed := encodeEntry(l.next, e.Type, e.Payload)
		if int64(len(framed)) > l.chunkSize {
			return LogReceipt{}, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(framed))
		}
		if l.writeOffset+int64(len(framed)) > l.chunkSize {
			if err := l.sealChunk(); err != nil {
				return LogReceipt{}, err
			}
			if err := l.ensureChunk(); err != nil {
				return LogReceipt{}, err
			}
			// Sealing moved l.next to the new chunk's start; frame the entry there.
			framed = encodeEntry(l.next, e.Type, e.Payload)
			if i == 0 {
				receipt.StartPosition = l.next
			}
		}
		fileID := chunkFileID(l.curSeq())
		if err := l.backend.WriteAt(fileID, headerSize+l.writeOffset, framed); err != nil {
			return LogReceipt{}, fmt.Errorf("wal: appending entry to chunk %s: %w", fileID, err)
		}
		l.writeOffset += int64(len(framed))
		l.next += uint64(len(framed))
		l.curInfo().logicalSize = l.writeOffset
	}

	if err := writeCheckpoint(l.backend, l.next); err != nil {
		return LogReceipt{}, fmt.Errorf("wal: updating checkpoint: %w", err)
	}
	receipt.NextPosition = l.next
	return receipt, nil
}

// Position reports the writer's current "end of log" cursor.
func (l *Log) Position() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}
