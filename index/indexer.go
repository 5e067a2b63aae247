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

// Package index is the Indexer: it tails the WAL into the LSM index, serves
// point and range queries over it, and tells callers when indexing has
// caught up to a given WAL position.
package index

import (
	"context"
	"sync"
	"time"

	"github.com/launix-de/NonLockingReadMap"

	"github.com/launix-de/eventcore/internal/streamkey"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/wal"
)

// RevisionState classifies a stream's current revision.
type RevisionState int

const (
	NoStream RevisionState = iota
	Exists
	StreamDeleted
)

// CurrentRevision is the answer to LatestRevision: a stream either has
// never been written (NoStream), has a highest revision (Exists, Value),
// or has been deleted (StreamDeleted).
type CurrentRevision struct {
	State RevisionState
	Value uint64
}

// NextRevision is the revision an append_stream batch should start from.
func (c CurrentRevision) NextRevision() uint64 {
	if c.State == Exists {
		return c.Value + 1
	}
	return 0
}

// revisionCacheEntry is the NonLockingReadMap element for the
// stream_key -> latest_revision cache.
type revisionCacheEntry struct {
	streamKey uint64
	rev       CurrentRevision
}

func (e *revisionCacheEntry) GetKey() uint64    { return e.streamKey }
func (e *revisionCacheEntry) ComputeSize() uint { return 24 }

// Entry is one (stream_key, revision) -> WAL position mapping to commit.
type Entry struct {
	StreamKey uint64
	Revision  uint64 // lsm.MaxRevision marks a stream-deletion tombstone
	Position  uint64
}

// IndexEntry is one entry handed back by Read.
type IndexEntry struct {
	StreamKey uint64
	Revision  uint64
	Position  uint64
}

// ReadBatch is one unit of Read's streaming output: up to 500 entries, or a
// terminal, non-nil Err with no entries.
type ReadBatch struct {
	Entries []IndexEntry
	Err     error
}

const readBatchSize = 500

type chaseWaiter struct {
	target uint64
	done   chan struct{}
}

// Indexer tails the WAL into the LSM index and answers queries over it.
type Indexer struct {
	mu              sync.Mutex
	log             *wal.Log
	lsmIdx          *lsm.Index
	cache           NonLockingReadMap.NonLockingReadMap[revisionCacheEntry, uint64]
	logicalPosition uint64
	waiters         []chaseWaiter
}

// Open loads the LSM manifest, replays the WAL from the manifest's
// logical_position onward, and returns a ready Indexer.
func Open(log *wal.Log, lsmIdx *lsm.Index) (*Indexer, error) {
	ix := &Indexer{
		log:    log,
		lsmIdx: lsmIdx,
		cache:  NonLockingReadMap.New[revisionCacheEntry, uint64](),
	}
	ix.logicalPosition = lsmIdx.LogicalPosition()
	if err := ix.TailOnce(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Run tails the WAL until ctx is done, calling TailOnce on every tick. This
// is the Indexer's process loop: everything committed to the WAL only
// becomes visible to LatestRevision/Read/Chase once a tick here has run.
func (ix *Indexer) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ix.TailOnce(); err != nil {
				return err
			}
		}
	}
}

// TailOnce walks the WAL from the index's last known position up to the
// writer's current cursor, feeding every event and tombstone into Store.
// Called once synchronously at Open, and repeatedly by Run thereafter.
func (ix *Indexer) TailOnce() error {
	pos := ix.logicalPosition
	end := ix.log.Position()
	var batch []Entry
	for pos < end {
		rec, err := ix.log.ReadAt(pos)
		if err != nil {
			return err
		}
		switch {
		case rec.Event != nil:
			batch = append(batch, Entry{
				StreamKey: streamkey.Hash(rec.Event.StreamName),
				Revision:  rec.Event.Revision,
				Position:  rec.Position,
			})
		case rec.Deleted != nil:
			batch = append(batch, Entry{
				StreamKey: streamkey.Hash(rec.Deleted.StreamName),
				Revision:  lsm.MaxRevision,
				Position:  rec.Position,
			})
		}
		pos = rec.NextPosition
	}
	if len(batch) == 0 {
		return nil
	}
	return ix.Store(batch, pos)
}

// Store batch-commits index entries, updates the stream_key -> latest
// cache with each entry as it is applied, advances logical_position to
// throughPosition, and wakes any Chase callers it satisfies.
func (ix *Indexer) Store(entries []Entry, throughPosition uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		key := lsm.Key{StreamKey: e.StreamKey, Revision: e.Revision}
		if err := ix.lsmIdx.Put(key, e.Position, throughPosition); err != nil {
			return err
		}
		cr := CurrentRevision{State: Exists, Value: e.Revision}
		if e.Revision == lsm.MaxRevision {
			cr = CurrentRevision{State: StreamDeleted}
		}
		ix.cache.Set(&revisionCacheEntry{streamKey: e.StreamKey, rev: cr})
	}
	ix.wakeChasersLocked(throughPosition)
	return nil
}

func (ix *Indexer) wakeChasersLocked(pos uint64) {
	if pos > ix.logicalPosition {
		ix.logicalPosition = pos
	}
	remaining := ix.waiters[:0]
	for _, w := range ix.waiters {
		if ix.logicalPosition >= w.target {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	ix.waiters = remaining
}

// LatestRevision consults the cache, falling back to LSM.highest_revision
// and caching the result.
func (ix *Indexer) LatestRevision(streamKey uint64) (CurrentRevision, error) {
	if item := ix.cache.Get(streamKey); item != nil {
		return item.rev, nil
	}
	rev, ok, err := ix.lsmIdx.HighestRevision(streamKey)
	if err != nil {
		return CurrentRevision{}, err
	}
	var cr CurrentRevision
	switch {
	case !ok:
		cr = CurrentRevision{State: NoStream}
	case rev == lsm.MaxRevision:
		cr = CurrentRevision{State: StreamDeleted}
	default:
		cr = CurrentRevision{State: Exists, Value: rev}
	}
	ix.cache.Set(&revisionCacheEntry{streamKey: streamKey, rev: cr})
	return cr, nil
}

// Read streams up to maxCount entries for streamKey from start in dir
// order, in batches of up to 500, over the returned channel. The channel
// is always closed; a batch with a non-nil Err is the final value sent.
func (ix *Indexer) Read(streamKey uint64, start uint64, dir lsm.Direction, maxCount int) <-chan ReadBatch {
	out := make(chan ReadBatch, 1)
	go func() {
		defer close(out)
		var pending []IndexEntry
		flush := func() {
			if len(pending) == 0 {
				return
			}
			out <- ReadBatch{Entries: pending}
			pending = nil
		}
		err := ix.lsmIdx.Scan(streamKey, dir, start, maxCount, func(e lsm.Entry) bool {
			pending = append(pending, IndexEntry{StreamKey: e.Key.StreamKey, Revision: e.Key.Revision, Position: e.Position})
			if len(pending) >= readBatchSize {
				flush()
			}
			return true
		})
		flush()
		if err != nil {
			out <- ReadBatch{Err: err}
		}
	}()
	return out
}

// Chase blocks until logical_position has reached position, or ctx is
// done. Replies immediately if already reached.
func (ix *Indexer) Chase(ctx context.Context, position uint64) error {
	ix.mu.Lock()
	if ix.logicalPosition >= position {
		ix.mu.Unlock()
		return nil
	}
	w := chaseWaiter{target: position, done: make(chan struct{})}
	ix.waiters = append(ix.waiters, w)
	ix.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogicalPosition reports the WAL position the index has been brought up
// to so far.
func (ix *Indexer) LogicalPosition() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.logicalPosition
}
