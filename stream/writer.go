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

// Package stream is the Writer and Reader: the single-writer append/delete
// path and the point-in-time stream read path, both built on the WAL and
// the Indexer.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/internal/streamkey"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/wal"
)

// ErrStreamDeleted is returned by an append or delete against a stream
// that was already deleted, and by a read of a deleted stream.
var ErrStreamDeleted = errors.New("stream: stream deleted")

// ExpectedKind selects the optimistic-concurrency check an append or
// delete is conditioned on.
type ExpectedKind int

const (
	// Any skips the concurrency check entirely.
	Any ExpectedKind = iota
	// NoStream requires the stream to have never been written.
	NoStream
	// StreamExists requires the stream to currently have at least one
	// event (any revision).
	StreamExists
	// Exact requires the stream's current revision to equal Expected.Value.
	Exact
)

// Expected is the caller's optimistic-concurrency precondition.
type Expected struct {
	Kind  ExpectedKind
	Value uint64
}

// WrongExpectedRevisionError reports a failed optimistic-concurrency check.
type WrongExpectedRevisionError struct {
	Expected Expected
	Current  index.CurrentRevision
}

func (e *WrongExpectedRevisionError) Error() string {
	return fmt.Sprintf("stream: wrong expected revision: expected %+v, current %+v", e.Expected, e.Current)
}

// NewEvent is one event the caller wants appended; the Writer assigns its
// revision. ContentType tells a later reader whether Data is an opaque blob
// or a JSON document; it does not affect how the Writer or index treat Data.
type NewEvent struct {
	ID          uuid.UUID
	Class       string
	Data        []byte
	ContentType wal.ContentType
}

// WriteResult is returned by a successful AppendStream or DeleteStream.
type WriteResult struct {
	NextExpectedVersion uint64
	Position            uint64
	NextLogicalPosition uint64
}

// Writer is the sole append/delete entry point for the log. The process
// topology enforces there is ever only one live Writer per node (see
// process.Manager's Singleton kind); Writer itself assumes no concurrent
// caller races it; callers serialize through whatever front-door handles
// routing to the singleton.
type Writer struct {
	log *wal.Log
	idx *index.Indexer
}

// NewWriter builds a Writer over an already-open WAL and Indexer.
func NewWriter(log *wal.Log, idx *index.Indexer) *Writer {
	return &Writer{log: log, idx: idx}
}

func checkExpected(expected Expected, current index.CurrentRevision) error {
	ok := false
	switch expected.Kind {
	case Any:
		ok = true
	case NoStream:
		ok = current.State == index.NoStream
	case StreamExists:
		ok = current.State == index.Exists
	case Exact:
		ok = current.State == index.Exists && current.Value == expected.Value
	}
	if !ok {
		return &WrongExpectedRevisionError{Expected: expected, Current: current}
	}
	return nil
}

// AppendStream assigns consecutive revisions to events starting from the
// stream's current next revision, commits them to the WAL in one append,
// and waits for the Indexer to have caught up before returning — this is
// what makes a read immediately after a successful append observe it.
func (w *Writer) AppendStream(ctx context.Context, streamName string, expected Expected, events []NewEvent) (WriteResult, error) {
	key := streamkey.Hash(streamName)
	current, err := w.idx.LatestRevision(key)
	if err != nil {
		return WriteResult{}, err
	}
	if current.State == index.StreamDeleted {
		return WriteResult{}, ErrStreamDeleted
	}
	if err := checkExpected(expected, current); err != nil {
		return WriteResult{}, err
	}

	base := current.NextRevision()
	entries := make([]wal.Entry, len(events))
	for i, ev := range events {
		entries[i] = wal.EncodeEvent(wal.EventRecord{
			Revision:    base + uint64(i),
			StreamName:  streamName,
			ID:          ev.ID,
			Class:       ev.Class,
			Data:        ev.Data,
			ContentType: ev.ContentType,
		})
	}

	receipt, err := w.log.Append(entries)
	if err != nil {
		return WriteResult{}, err
	}
	if err := w.idx.Chase(ctx, receipt.NextPosition); err != nil {
		return WriteResult{}, err
	}

	return WriteResult{
		NextExpectedVersion: base + uint64(len(events)),
		Position:            receipt.StartPosition,
		NextLogicalPosition: receipt.NextPosition,
	}, nil
}

// DeleteStream writes a single stream-deletion tombstone after the same
// concurrency check an append would perform; a stream that is already
// deleted still fails with ErrStreamDeleted.
func (w *Writer) DeleteStream(ctx context.Context, streamName string, expected Expected) (WriteResult, error) {
	key := streamkey.Hash(streamName)
	current, err := w.idx.LatestRevision(key)
	if err != nil {
		return WriteResult{}, err
	}
	if current.State == index.StreamDeleted {
		return WriteResult{}, ErrStreamDeleted
	}
	if err := checkExpected(expected, current); err != nil {
		return WriteResult{}, err
	}

	entry := wal.EncodeStreamDeleted(wal.StreamDeletedRecord{StreamName: streamName})
	receipt, err := w.log.Append([]wal.Entry{entry})
	if err != nil {
		return WriteResult{}, err
	}
	if err := w.idx.Chase(ctx, receipt.NextPosition); err != nil {
		return WriteResult{}, err
	}

	return WriteResult{
		NextExpectedVersion: lsm.MaxRevision,
		Position:            receipt.StartPosition,
		NextLogicalPosition: receipt.NextPosition,
	}, nil
}
