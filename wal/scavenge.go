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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/eventcore/internal/ids"
)

// ErrChunkNotSealed is returned by Scavenge when asked to compact the
// currently active (still being written) chunk.
var ErrChunkNotSealed = fmt.Errorf("wal: cannot scavenge the active chunk")

// IsLive decides whether an event at (streamName, revision) still matters to
// keep around; Scavenge drops every event for which it returns false. The
// Indexer is the natural caller: an event is live iff its stream hasn't been
// fully shadowed by a later stream-deletion tombstone.
type IsLive func(streamName string, revision uint64) bool

// Scavenge re-reads a completed chunk, drops events shadowed by a later
// stream deletion, and rewrites the survivors into a fresh, lz4-compressed
// chunk with the same sequence number, marking it is_scavenged. It is an
// explicit, separately invoked operation — never automatic background work —
// so the core's behavior stays deterministic.
//
// Scavenged chunks are verified against their footer hash on load exactly
// like ordinary chunks; a mismatch is a fatal ErrCorruptChunk, never
// silently ignored.
func (l *Log) Scavenge(seq int32, live IsLive) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := range l.chunks {
		if l.chunks[i].seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("wal: no such chunk seq=%d", seq)
	}
	c := &l.chunks[idx]
	if !c.sealed {
		return ErrChunkNotSealed
	}
	if c.scavenged {
		return nil
	}

	fileID := chunkFileID(c.seq)
	payload, err := l.backend.ReadAt(fileID, headerSize, int(c.logicalSize))
	if err != nil {
		return fmt.Errorf("wal: reading chunk %s to scavenge: %w", fileID, err)
	}

	var surviving bytes.Buffer
	var off int
	for off+4 <= len(payload) {
		size := binary.LittleEndian.Uint32(payload[off : off+4])
		if size == 0 || off+int(size) > len(payload) {
			break
		}
		framed := payload[off : off+int(size)]
		off += int(size)

		_, typ, body, derr := decodeEntry(framed)
		if derr != nil {
			return derr
		}
		switch typ & recordKindMask {
		case RecordTypeStreamDeleted:
			surviving.Write(framed) // tombstones are always kept
		case RecordTypeEvent:
			ev, derr := decodeEventRecord(body)
			if derr != nil {
				return derr
			}
			if live(ev.StreamName, ev.Revision) {
				surviving.Write(framed)
			}
		default:
			return fmt.Errorf("%w: unknown record type %d", ErrCorruptChunk, typ)
		}
	}

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(surviving.Bytes()); err != nil {
		return fmt.Errorf("wal: lz4 compressing chunk %s: %w", fileID, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("wal: closing lz4 writer for chunk %s: %w", fileID, err)
	}

	newID := ids.New()
	hdr := chunkHeader{
		FileType:    fileTypeChunk,
		Version:     chunkVersion,
		ChunkSize:   int32(surviving.Len()),
		SeqStart:    c.seq,
		SeqEnd:      c.seq,
		IsScavenged: 1,
	}
	copy(hdr.ChunkID[:], newID[:])
	footer := chunkFooter{
		Flags:            footerFlagCompleted | footerFlagIsScavenged,
		PhysicalDataSize: int32(compressed.Len()),
		LogicalDataSize:  c.logicalSize, // original span: downstream chunks' logicalStart must not shift
		Hash:             contentHash(compressed.Bytes()),
	}

	total := totalFileSize(int64(compressed.Len()))
	if err := l.backend.Remove(fileID); err != nil {
		return fmt.Errorf("wal: removing chunk %s before scavenge rewrite: %w", fileID, err)
	}
	if err := l.backend.CreateSized(fileID, total); err != nil {
		return fmt.Errorf("wal: allocating scavenged chunk %s: %w", fileID, err)
	}
	if err := l.backend.WriteAt(fileID, 0, hdr.encode()); err != nil {
		return fmt.Errorf("wal: writing scavenged header for %s: %w", fileID, err)
	}
	if err := l.backend.WriteAt(fileID, headerSize, compressed.Bytes()); err != nil {
		return fmt.Errorf("wal: writing scavenged payload for %s: %w", fileID, err)
	}
	if err := l.backend.WriteAt(fileID, total-footerSize, footer.encode()); err != nil {
		return fmt.Errorf("wal: writing scavenged footer for %s: %w", fileID, err)
	}
	if err := l.backend.Sync(fileID); err != nil {
		return fmt.Errorf("wal: fsyncing scavenged chunk %s: %w", fileID, err)
	}

	c.scavenged = true
	c.id = hdr.ChunkID
	return nil
}
