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

// Package wal is the durable, position-addressed ordered log every stream's
// events are first committed to. Chunks are fixed-size files with a header,
// payload region and footer; records are framed with a leading and trailing
// size so a reader can scan forward or backward and detect truncation.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	headerSize = 128
	footerSize = 128

	fileTypePTable = 1
	fileTypeChunk  = 2

	chunkVersion = 1

	// DefaultChunkSize is the payload region size of a fresh chunk (256 MiB),
	// matching the distilled spec's stated default.
	DefaultChunkSize = 256 * 1024 * 1024

	footerFlagCompleted   = 1 << 0
	footerFlagMap12Bytes  = 1 << 1
	footerFlagIsScavenged = 1 << 2 // extension: set alongside header.IsScavenged on a rewritten chunk

	// RecordTypeEvent marks a WAL entry carrying an appended event.
	RecordTypeEvent = byte(0)
	// RecordTypeStreamDeleted marks a WAL entry carrying a stream-deletion
	// tombstone.
	RecordTypeStreamDeleted = byte(1)

	// recordKindMask isolates RecordTypeEvent/RecordTypeStreamDeleted from
	// the flag bits packed into the rest of the entry's type byte.
	recordKindMask = byte(0x1)

	// recordFlagContentTypeJSON is set alongside RecordTypeEvent when the
	// event's data is a JSON document rather than an opaque blob; meaningless
	// on a RecordTypeStreamDeleted entry. A flag bit in the existing framing
	// byte, not a new length-prefixed field in EventRecord's payload, the
	// same way a prepare flags bitset carries an is-JSON bit alongside a
	// record's other framing bits instead of its own field.
	recordFlagContentTypeJSON = byte(1 << 1)

	// entryOverhead is the framing cost around a payload: size(4) +
	// position(8) + type(1) + size(4).
	entryOverhead = 4 + 8 + 1 + 4
)

// ContentType distinguishes an event's Data as an opaque blob the reader
// must interpret itself, or a JSON document.
type ContentType byte

const (
	ContentTypeOpaque ContentType = iota
	ContentTypeJSON
)

// ErrCorruptChunk is fatal: a chunk's bytes do not parse as framed, or a
// content hash does not match. Per the design decision answering spec.md §9's
// open question on chunk hashing, this is never silently ignored — the
// affected subsystem must stop.
var ErrCorruptChunk = errors.New("wal: corrupt chunk")

// ErrEntryTooLarge is returned when a single framed entry would not fit in
// an empty chunk at all (distinct from "doesn't fit in the remaining space
// of the current chunk", which triggers rollover instead).
var ErrEntryTooLarge = errors.New("wal: entry larger than chunk payload size")

// chunkHeader is the first 128 bytes of every chunk file.
type chunkHeader struct {
	FileType      byte
	Version       byte
	ChunkSize     int32 // payload size in bytes; for a scavenged chunk this is the *logical* (decompressed) size
	SeqStart      int32
	SeqEnd        int32
	IsScavenged   int32
	ChunkID       uuid.UUID
}

func (h chunkHeader) encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.FileType
	buf[1] = h.Version
	binary.LittleEndian.PutUint32(buf[2:6], uint32(h.ChunkSize))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(h.SeqStart))
	binary.LittleEndian.PutUint32(buf[10:14], uint32(h.SeqEnd))
	binary.LittleEndian.PutUint32(buf[14:18], uint32(h.IsScavenged))
	copy(buf[18:34], h.ChunkID[:])
	return buf
}

func decodeChunkHeader(buf []byte) (chunkHeader, error) {
	if len(buf) < headerSize {
		return chunkHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorruptChunk, len(buf))
	}
	var h chunkHeader
	h.FileType = buf[0]
	h.Version = buf[1]
	h.ChunkSize = int32(binary.LittleEndian.Uint32(buf[2:6]))
	h.SeqStart = int32(binary.LittleEndian.Uint32(buf[6:10]))
	h.SeqEnd = int32(binary.LittleEndian.Uint32(buf[10:14]))
	h.IsScavenged = int32(binary.LittleEndian.Uint32(buf[14:18]))
	copy(h.ChunkID[:], buf[18:34])
	if h.FileType != fileTypeChunk && h.FileType != fileTypePTable {
		return chunkHeader{}, fmt.Errorf("%w: unknown file_type %d", ErrCorruptChunk, h.FileType)
	}
	return h, nil
}

// chunkFooter is the trailing 128 bytes, written only once a chunk is
// sealed.
type chunkFooter struct {
	Flags             byte
	PhysicalDataSize  int32
	LogicalDataSize   int64
	MapSize           int32
	Hash              [16]byte
}

func (f chunkFooter) completed() bool { return f.Flags&footerFlagCompleted != 0 }

func (f chunkFooter) encode() []byte {
	buf := make([]byte, footerSize)
	buf[0] = f.Flags
	binary.LittleEndian.PutUint32(buf[1:5], uint32(f.PhysicalDataSize))
	if f.Flags&footerFlagMap12Bytes != 0 {
		binary.LittleEndian.PutUint32(buf[5:9], uint32(f.LogicalDataSize))
	} else {
		binary.LittleEndian.PutUint64(buf[5:13], uint64(f.LogicalDataSize))
	}
	binary.LittleEndian.PutUint32(buf[13:17], uint32(f.MapSize))
	copy(buf[footerSize-16:footerSize], f.Hash[:])
	return buf
}

func decodeChunkFooter(buf []byte) (chunkFooter, error) {
	if len(buf) < footerSize {
		return chunkFooter{}, fmt.Errorf("%w: short footer (%d bytes)", ErrCorruptChunk, len(buf))
	}
	var f chunkFooter
	f.Flags = buf[0]
	f.PhysicalDataSize = int32(binary.LittleEndian.Uint32(buf[1:5]))
	if f.Flags&footerFlagMap12Bytes != 0 {
		f.LogicalDataSize = int64(binary.LittleEndian.Uint32(buf[5:9]))
	} else {
		f.LogicalDataSize = int64(binary.LittleEndian.Uint64(buf[5:13]))
	}
	f.MapSize = int32(binary.LittleEndian.Uint32(buf[13:17]))
	copy(f.Hash[:], buf[footerSize-16:footerSize])
	return f, nil
}

// encodeEntry frames payload as [size:u32][position:u64][type:u8][payload][size:u32].
func encodeEntry(position uint64, typ byte, payload []byte) []byte {
	size := uint32(entryOverhead + len(payload))
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], size)
	binary.LittleEndian.PutUint64(buf[4:12], position)
	buf[12] = typ
	copy(buf[13:13+len(payload)], payload)
	binary.LittleEndian.PutUint32(buf[13+len(payload):], size)
	return buf
}

// decodeEntry parses one framed record, verifying the trailing size matches
// the leading size. A mismatch is corruption, never a soft error.
func decodeEntry(buf []byte) (position uint64, typ byte, payload []byte, err error) {
	if len(buf) < entryOverhead {
		return 0, 0, nil, fmt.Errorf("%w: entry shorter than framing overhead", ErrCorruptChunk)
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	if int(size) != len(buf) {
		return 0, 0, nil, fmt.Errorf("%w: leading size %d does not match frame length %d", ErrCorruptChunk, size, len(buf))
	}
	trailing := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if trailing != size {
		return 0, 0, nil, fmt.Errorf("%w: trailing size %d does not match leading size %d", ErrCorruptChunk, trailing, size)
	}
	position = binary.LittleEndian.Uint64(buf[4:12])
	typ = buf[12]
	payload = buf[13 : len(buf)-4]
	return position, typ, payload, nil
}

// EventRecord is the decoded payload of a RecordTypeEvent entry. ContentType
// is not part of the encoded payload: it rides the entry's framing type byte
// as recordFlagContentTypeJSON and is filled in by decodeRecord, not decode.
type EventRecord struct {
	Revision    uint64
	StreamName  string
	ID          uuid.UUID
	Class       string
	Data        []byte
	ContentType ContentType
}

// encode serializes per spec.md §6.1: [revision:u64][stream_name_len:u16]
// [stream_name][id:128-bit LE][class_len:u16][class][data_len:u32][data].
func (e EventRecord) encode() []byte {
	size := 8 + 2 + len(e.StreamName) + 16 + 2 + len(e.Class) + 4 + len(e.Data)
	buf := make([]byte, size)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], e.Revision)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:], uint16(len(e.StreamName)))
	o += 2
	o += copy(buf[o:], e.StreamName)
	o += copy(buf[o:], e.ID[:])
	binary.LittleEndian.PutUint16(buf[o:], uint16(len(e.Class)))
	o += 2
	o += copy(buf[o:], e.Class)
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(e.Data)))
	o += 4
	copy(buf[o:], e.Data)
	return buf
}

func decodeEventRecord(buf []byte) (EventRecord, error) {
	var e EventRecord
	if len(buf) < 8+2 {
		return e, fmt.Errorf("%w: short event record", ErrCorruptChunk)
	}
	o := 0
	e.Revision = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	nameLen := int(binary.LittleEndian.Uint16(buf[o:]))
	o += 2
	if len(buf) < o+nameLen+16+2 {
		return e, fmt.Errorf("%w: event record truncated in stream name", ErrCorruptChunk)
	}
	e.StreamName = string(buf[o : o+nameLen])
	o += nameLen
	copy(e.ID[:], buf[o:o+16])
	o += 16
	classLen := int(binary.LittleEndian.Uint16(buf[o:]))
	o += 2
	if len(buf) < o+classLen+4 {
		return e, fmt.Errorf("%w: event record truncated in class", ErrCorruptChunk)
	}
	e.Class = string(buf[o : o+classLen])
	o += classLen
	dataLen := int(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	if len(buf) < o+dataLen {
		return e, fmt.Errorf("%w: event record truncated in data", ErrCorruptChunk)
	}
	e.Data = buf[o : o+dataLen]
	return e, nil
}

// StreamDeletedRecord is the decoded payload of a RecordTypeStreamDeleted
// entry: just the stream name. Its revision is always the sentinel u64 max,
// so it is not encoded anywhere in the entry; the Indexer assigns it when
// it indexes the tombstone.
type StreamDeletedRecord struct {
	StreamName string
}

func (d StreamDeletedRecord) encode() []byte {
	buf := make([]byte, 2+len(d.StreamName))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(d.StreamName)))
	copy(buf[2:], d.StreamName)
	return buf
}

func decodeStreamDeletedRecord(buf []byte) (StreamDeletedRecord, error) {
	if len(buf) < 2 {
		return StreamDeletedRecord{}, fmt.Errorf("%w: short stream-deleted record", ErrCorruptChunk)
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+n {
		return StreamDeletedRecord{}, fmt.Errorf("%w: truncated stream-deleted record", ErrCorruptChunk)
	}
	return StreamDeletedRecord{StreamName: string(buf[2 : 2+n])}, nil
}
