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
package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/ulikunitz/xz"

	"github.com/launix-de/eventcore/fs"
	"github.com/launix-de/eventcore/internal/ids"
)

const (
	sstMetaEntrySize = 4 + 8 + 8 // offset:u32 + first_key:u64 + first_revision:u64

	codecRaw = byte(0)
	codecXZ  = byte(1) // cold-tier supplement; never set unless the level's cold_tier_level knob says so
)

type sstMeta struct {
	BlockOffset   uint32
	FirstKey      uint64
	FirstRevision uint64
}

// SST is a sorted-string table: an immutable, sorted run of (key, position)
// entries organized into fixed-size blocks with a meta index for
// binary-searchable block lookup.
type SST struct {
	ID        string // 128-bit id, hex-encoded, also the fs.Backend fileID under "lsm/sst-"
	BlockSize int
	Codec     byte
	blocks    []byte // logical (decompressed) concatenation of all blocks
	metas     []sstMeta
}

// sstFileID derives the backend fileID for an SST id.
func sstFileID(id string) string { return "lsm/sst-" + id }

// WriteSST consumes a sorted (ascending Key) sequence of entries and writes
// a fresh SST to backend, returning its id. blockSize must be large enough
// to hold at least one entry plus its offset and count (blockEntrySize +
// blockOffsetSize + blockCountSize).
func WriteSST(backend fs.Backend, entries []Entry, blockSize int, codec byte) (string, error) {
	if blockSize < blockEntrySize+blockOffsetSize+blockCountSize {
		return "", fmt.Errorf("lsm: block size %d too small for even one entry", blockSize)
	}

	var blocksBuf bytes.Buffer
	var metas []sstMeta
	builder := NewBuilder(blockSize)

	flush := func() {
		if builder.Empty() {
			return
		}
		metas = append(metas, sstMeta{
			BlockOffset:   uint32(blocksBuf.Len()),
			FirstKey:      builder.FirstKey().StreamKey,
			FirstRevision: builder.FirstKey().Revision,
		})
		blocksBuf.Write(builder.Finish())
		builder = NewBuilder(blockSize)
	}

	for _, e := range entries {
		if err := builder.Add(e); err == ErrBlockFull {
			flush()
			if err := builder.Add(e); err != nil {
				return "", fmt.Errorf("lsm: entry does not fit in an empty block: %w", err)
			}
		} else if err != nil {
			return "", err
		}
	}
	flush()

	id := ids.New().String()
	fileID := sstFileID(id)

	blocksRegion := blocksBuf.Bytes()
	if codec == codecXZ {
		var compressed bytes.Buffer
		zw, err := xz.NewWriter(&compressed)
		if err != nil {
			return "", fmt.Errorf("lsm: creating xz writer for SST %s: %w", id, err)
		}
		if _, err := zw.Write(blocksRegion); err != nil {
			return "", fmt.Errorf("lsm: xz compressing SST %s: %w", id, err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("lsm: closing xz writer for SST %s: %w", id, err)
		}
		blocksRegion = compressed.Bytes()
	}

	var out bytes.Buffer
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(blockSize))
	hdr[4] = codec
	out.Write(hdr[:])
	out.Write(blocksRegion)
	metaOffset := uint32(out.Len())
	for _, m := range metas {
		var mb [sstMetaEntrySize]byte
		binary.LittleEndian.PutUint32(mb[0:4], m.BlockOffset)
		binary.LittleEndian.PutUint64(mb[4:12], m.FirstKey)
		binary.LittleEndian.PutUint64(mb[12:20], m.FirstRevision)
		out.Write(mb[:])
	}
	var metaOffBuf [4]byte
	binary.LittleEndian.PutUint32(metaOffBuf[:], metaOffset)
	out.Write(metaOffBuf[:])

	if err := backend.WriteAllAtomic(fileID, out.Bytes()); err != nil {
		return "", fmt.Errorf("lsm: writing SST %s: %w", id, err)
	}
	return id, nil
}

// OpenSST loads and parses a previously written SST.
func OpenSST(backend fs.Backend, id string) (*SST, error) {
	raw, err := backend.ReadAll(sstFileID(id))
	if err != nil {
		return nil, fmt.Errorf("lsm: reading SST %s: %w", id, err)
	}
	if len(raw) < 5+4 {
		return nil, fmt.Errorf("%w: SST %s shorter than header+trailer", ErrCorruptBlock, id)
	}
	blockSize := int(binary.LittleEndian.Uint32(raw[0:4]))
	codec := raw[4]
	metaOffset := int(binary.LittleEndian.Uint32(raw[len(raw)-4:]))
	if metaOffset < 5 || metaOffset > len(raw)-4 {
		return nil, fmt.Errorf("%w: SST %s meta_offset %d out of range", ErrCorruptBlock, id, metaOffset)
	}
	blocksRegion := raw[5:metaOffset]
	metaBytes := raw[metaOffset : len(raw)-4]
	if len(metaBytes)%sstMetaEntrySize != 0 {
		return nil, fmt.Errorf("%w: SST %s meta region misaligned", ErrCorruptBlock, id)
	}
	metas := make([]sstMeta, len(metaBytes)/sstMetaEntrySize)
	for i := range metas {
		b := metaBytes[i*sstMetaEntrySize:]
		metas[i] = sstMeta{
			BlockOffset:   binary.LittleEndian.Uint32(b[0:4]),
			FirstKey:      binary.LittleEndian.Uint64(b[4:12]),
			FirstRevision: binary.LittleEndian.Uint64(b[12:20]),
		}
	}
	if !sort.SliceIsSorted(metas, func(i, j int) bool {
		return Less(Key{StreamKey: metas[i].FirstKey, Revision: metas[i].FirstRevision}, Key{StreamKey: metas[j].FirstKey, Revision: metas[j].FirstRevision})
	}) {
		return nil, fmt.Errorf("%w: SST %s block_metas not strictly ordered", ErrCorruptBlock, id)
	}

	blocks := blocksRegion
	if codec == codecXZ {
		zr, err := xz.NewReader(bytes.NewReader(blocksRegion))
		if err != nil {
			return nil, fmt.Errorf("%w: SST %s xz header: %v", ErrCorruptBlock, id, err)
		}
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: SST %s xz decompress: %v", ErrCorruptBlock, id, err)
		}
		blocks = decoded
	}

	return &SST{ID: id, BlockSize: blockSize, Codec: codec, blocks: blocks, metas: metas}, nil
}

func (s *SST) blockAt(meta sstMeta) (Block, error) {
	start := int(meta.BlockOffset)
	end := start + s.BlockSize
	if end > len(s.blocks) {
		return Block{}, fmt.Errorf("%w: SST %s block at offset %d exceeds length", ErrCorruptBlock, s.ID, start)
	}
	return DecodeBlock(s.blocks[start:end])
}

// findBestCandidates binary-searches block_metas by (first_key,
// first_revision) and returns at most two candidate block indices straddling
// the target, or a single index on an exact hit.
func (s *SST) findBestCandidates(key Key) []int {
	n := len(s.metas)
	if n == 0 {
		return nil
	}
	i := sort.Search(n, func(i int) bool {
		mk := Key{StreamKey: s.metas[i].FirstKey, Revision: s.metas[i].FirstRevision}
		return !Less(mk, key)
	})
	switch {
	case i < n && s.metas[i].FirstKey == key.StreamKey && s.metas[i].FirstRevision == key.Revision:
		return []int{i}
	case i == 0:
		return []int{0}
	case i == n:
		return []int{n - 1}
	default:
		return []int{i - 1, i}
	}
}

// Find scans each candidate block for an exact (key, revision) match.
func (s *SST) Find(key Key) (Entry, bool, error) {
	for _, idx := range s.findBestCandidates(key) {
		blk, err := s.blockAt(s.metas[idx])
		if err != nil {
			return Entry{}, false, err
		}
		if e, ok := blk.Find(key); ok {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Scan seeds with the candidate block(s) for (streamKey, startRev) and, for
// each subsequent block in the scan direction, stops as soon as
// Block.Contains reports false.
func (s *SST) Scan(streamKey uint64, dir Direction, startRev uint64, max int, yield func(Entry) bool) error {
	seed := s.findBestCandidates(Key{StreamKey: streamKey, Revision: startRev})
	if len(seed) == 0 {
		return nil
	}
	start := seed[0]
	remaining := max
	stop := false
	step := 1
	if dir == Backward {
		step = -1
	}
	for i := start; i >= 0 && i < len(s.metas) && !stop; i += step {
		blk, err := s.blockAt(s.metas[i])
		if err != nil {
			return err
		}
		if !blk.Contains(streamKey, dir) {
			break
		}
		wrapped := func(e Entry) bool {
			if remaining > 0 {
				remaining--
			}
			ok := yield(e)
			if !ok || (max > 0 && remaining == 0) {
				stop = true
			}
			return ok && !stop
		}
		if dir == Forward {
			blk.ScanForward(streamKey, startRev, max, wrapped)
		} else {
			blk.ScanBackward(streamKey, startRev, max, wrapped)
		}
	}
	return nil
}
