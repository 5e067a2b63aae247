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

// Package ids generates the 128-bit identifiers spec.md assigns internally:
// WAL chunk_id and LSM SST id. Event ids are chosen by the client and are
// plain uuid.UUID values passed straight through; this package only covers
// the ids the system itself must mint.
package ids

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var counter uint64 = uint64(time.Now().UnixNano())

// New returns a UUIDv4-shaped 128-bit id without relying on crypto/rand, so
// minting a chunk or SST id never stalls on low-entropy systems. Not suitable
// for cryptographic use — collision resistance here only needs to hold
// within one node's lifetime of chunk/SST creation, which a monotonic
// counter mixed with a timestamp already guarantees.
func New() uuid.UUID {
	ctr := atomic.AddUint64(&counter, 1)
	now := uint64(time.Now().UnixNano())
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], ctr)
	binary.LittleEndian.PutUint64(b[8:16], ctr^now^(now<<17))
	b[6] = (b[6] & 0x0f) | 0x40 // RFC4122 version 4
	b[8] = (b[8] & 0x3f) | 0x80 // RFC4122 variant
	return uuid.UUID(b)
}
