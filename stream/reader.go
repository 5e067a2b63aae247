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
package stream

import (
	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/internal/streamkey"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/wal"
)

// ReadEvent is one decoded event handed back by Reader.Read.
type ReadEvent struct {
	Revision uint64
	Position uint64
	Record   wal.EventRecord
}

// ReadResult is one unit of Reader.Read's streaming output: either an
// event, or a terminal error (ErrStreamDeleted or an index/WAL failure).
type ReadResult struct {
	Event *ReadEvent
	Err   error
}

// Reader is the stream-scoped read path: resolve a stream to its index
// entries, then resolve each index entry to its WAL record.
type Reader struct {
	log *wal.Log
	idx *index.Indexer
}

// NewReader builds a Reader over an already-open WAL and Indexer.
func NewReader(log *wal.Log, idx *index.Indexer) *Reader {
	return &Reader{log: log, idx: idx}
}

// Read streams events for streamName starting at revision in dir order, up
// to maxCount (0 = unbounded). The returned channel is always closed; a
// result with a non-nil Err (ErrStreamDeleted or an underlying failure) is
// always the final value sent.
func (r *Reader) Read(streamName string, revision uint64, dir lsm.Direction, maxCount int) <-chan ReadResult {
	out := make(chan ReadResult, 1)
	key := streamkey.Hash(streamName)

	current, err := r.idx.LatestRevision(key)
	if err != nil {
		go func() { out <- ReadResult{Err: err}; close(out) }()
		return out
	}
	if current.State == index.StreamDeleted {
		go func() { out <- ReadResult{Err: ErrStreamDeleted}; close(out) }()
		return out
	}

	go func() {
		defer close(out)
		for batch := range r.idx.Read(key, revision, dir, maxCount) {
			if batch.Err != nil {
				out <- ReadResult{Err: batch.Err}
				return
			}
			for _, e := range batch.Entries {
				rec, err := r.log.ReadAt(e.Position)
				if err != nil {
					out <- ReadResult{Err: err}
					return
				}
				if rec.Event == nil {
					continue // a tombstone entry indexed at MaxRevision, not a readable event
				}
				out <- ReadResult{Event: &ReadEvent{Revision: e.Revision, Position: e.Position, Record: *rec.Event}}
			}
		}
	}()
	return out
}
