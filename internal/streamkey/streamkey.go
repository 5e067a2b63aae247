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

// Package streamkey derives the 64-bit LSM key (spec.md §3's stream_key)
// from a stream name. Names are NFC-normalized first so that two byte
// strings a client considers "the same name" — which may differ in Unicode
// form depending on the client's platform or input method — always collide
// to one stream, matching the teacher's own canonicalization discipline in
// storage/index.go (sorting equal-condition columns so equivalent queries
// hit the same cached plan).
package streamkey

import (
	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// Hash returns the stable, non-cryptographic 64-bit stream_key for name.
func Hash(name string) uint64 {
	normalized := norm.NFC.String(name)
	return xxhash.Sum64String(normalized)
}
