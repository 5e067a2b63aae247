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
	"io"

	"github.com/pierrec/lz4/v4"
)

// Record is a decoded WAL entry handed back by ReadAt, paired with the
// position it was read from. NextPosition is the position of the entry that
// follows it: Position plus the entry's total framed size, except that after
// the last entry of a sealed chunk it is the next chunk's start (the unused
// tail is skipped), and inside a scavenged chunk it is the next surviving
// entry's position. This lets a caller walk the log sequentially (e.g. the
// Indexer's startup replay) without reaching into the wire format itself.
type Record struct {
	Position     uint64
	NextPosition uint64
	Type         byte
	Event        *EventRecord
	Deleted      *StreamDeletedRecord
}

// findChunk locates the chunk whose [logicalStart, logicalStart+logicalSize)
// range contains position.
func (l *Log) findChunk(position uint64) (*chunkInfo, error) {
	for i := range l.chunks {
		c := &l.chunks[i]
		start := c.logicalStart
		end := start + uint64(c.logicalSize)
		if position >= start && position < end {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no chunk covers position %d", ErrCorruptChunk, position)
}

// payloadBytes returns a chunk's raw (still-framed) payload region,
// transparently decompressing it first if the chunk was scavenged. A
// scavenged chunk's compressed byte length is whatever the lz4 frame
// actually takes; the frame format is self-describing so there is no need
// to separately persist it.
func (l *Log) payloadBytes(c *chunkInfo) ([]byte, error) {
	fileID := chunkFileID(c.seq)
	if !c.scavenged {
		return l.backend.ReadAt(fileID, headerSize, int(c.logicalSize))
	}
	physical, err := l.backend.Len(fileID)
	if err != nil {
		return nil, err
	}
	compressed, err := l.backend.ReadAt(fileID, headerSize, int(physical)-headerSize-footerSize)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress of scavenged chunk %s: %v", ErrCorruptChunk, fileID, err)
	}
	return out, nil
}

// ReadAt locates the chunk covering position, translates to a raw file
// offset, reads the framed entry, verifies the trailing size field, and
// returns the decoded record.
func (l *Log) ReadAt(position uint64) (Record, error) {
	l.mu.Lock()
	chunk, err := l.findChunk(position)
	if err != nil {
		l.mu.Unlock()
		return Record{}, err
	}
	c := *chunk
	l.mu.Unlock()

	if !c.scavenged {
		offsetInPayload := int64(position - c.logicalStart)
		fileID := chunkFileID(c.seq)
		sizeBuf, err := l.backend.ReadAt(fileID, headerSize+offsetInPayload, 4)
		if err != nil {
			return Record{}, fmt.Errorf("wal: reading entry size at position %d: %w", position, err)
		}
		size := binary.LittleEndian.Uint32(sizeBuf)
		framed, err := l.backend.ReadAt(fileID, headerSize+offsetInPayload, int(size))
		if err != nil {
			return Record{}, fmt.Errorf("wal: reading entry at position %d: %w", position, err)
		}
		rec, err := decodeRecord(framed)
		if err == nil && c.sealed && rec.NextPosition >= c.logicalStart+uint64(c.logicalSize) {
			rec.NextPosition = c.logicalStart + uint64(l.chunkSize)
		}
		return rec, err
	}

	// Scavenging compacts away dropped entries, so a surviving entry's byte
	// offset inside the decompressed payload no longer equals
	// position-logicalStart. Every frame still carries its original logical
	// position though (encodeEntry never rewrites it), so we scan forward
	// matching on that instead of computing an offset. Scavenged reads are
	// rare (cold chunks only) so a linear scan is an acceptable trade for not
	// needing a separate persisted offset index.
	payload, err := l.payloadBytes(&c)
	if err != nil {
		return Record{}, err
	}
	var off int
	for off+4 <= len(payload) {
		size := binary.LittleEndian.Uint32(payload[off : off+4])
		if size == 0 || off+int(size) > len(payload) {
			break
		}
		framed := payload[off : off+int(size)]
		framedPos := binary.LittleEndian.Uint64(framed[4:12])
		if framedPos == position {
			rec, err := decodeRecord(framed)
			if err == nil {
				rec.NextPosition = c.logicalStart + uint64(l.chunkSize)
				if next := off + int(size); next+12 <= len(payload) {
					rec.NextPosition = binary.LittleEndian.Uint64(payload[next+4 : next+12])
				}
			}
			return rec, err
		}
		off += int(size)
	}
	return Record{}, fmt.Errorf("%w: position %d not found in scavenged chunk", ErrCorruptChunk, position)
}

func decodeRecord(framed []byte) (Record, error) {
	position, typ, payload, err := decodeEntry(framed)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Position: position, NextPosition: position + uint64(len(framed)), Type: typ}
	switch typ & recordKindMask {
	case RecordTypeEvent:
		ev, err := decodeEventRecord(payload)
		if err != nil {
			return Record{}, err
		}
		if typ&recordFlagContentTypeJSON != 0 {
			ev.ContentType = ContentTypeJSON
		}
		rec.Event = &ev
	case RecordTypeStreamDeleted:
		del, err := decodeStreamDeletedRecord(payload)
		if err != nil {
			return Record{}, err
		}
		rec.Deleted = &del
	default:
		return Record{}, fmt.Errorf("%w: unknown record type %d", ErrCorruptChunk, typ)
	}
	return rec, nil
}

// EncodeEvent is the public entry point stream.Writer uses to build the
// Entry payload for an appended event, packing e.ContentType into the
// entry's framing type byte alongside RecordTypeEvent.
func EncodeEvent(e EventRecord) Entry {
	typ := RecordTypeEvent
	if e.ContentType == ContentTypeJSON {
		typ |= recordFlagContentTypeJSON
	}
	return Entry{Type: typ, Payload: e.encode()}
}

// EncodeStreamDeleted is the public entry point stream.Writer uses to build
// the Entry payload for a stream-deletion tombstone.
func EncodeStreamDeleted(d StreamDeletedRecord) Entry {
	return Entry{Type: RecordTypeStreamDeleted, Payload: d.encode()}
}
