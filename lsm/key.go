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

// Package lsm is the secondary index over the WAL: a MemTable/SST-backed LSM
// tree keyed by (stream_key, revision), mapping to a WAL log position.
package lsm

import "math"

// MaxRevision is the sentinel revision a stream-deletion tombstone is
// indexed under, and the anchor value for "highest revision present".
const MaxRevision = math.MaxUint64

// Key orders entries first by stream_key, then by revision.
type Key struct {
	StreamKey uint64
	Revision  uint64
}

// Less reports whether a sorts strictly before b.
func Less(a, b Key) bool {
	if a.StreamKey != b.StreamKey {
		return a.StreamKey < b.StreamKey
	}
	return a.Revision < b.Revision
}

// Entry is one indexed (key, position) pair.
type Entry struct {
	Key      Key
	Position uint64
}

// Direction selects forward (ascending revision) or backward (descending
// revision) traversal within one stream_key.
type Direction int

const (
	Forward Direction = iota
	Backward
)
