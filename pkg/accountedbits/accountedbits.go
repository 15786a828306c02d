// Package accountedbits implements AccountedBitset, the parallel-to-
// PixelFile bitset that records which pixel slots have already been
// counted against a region's weekly aggregate, making stats idempotent
// under replayed tracks and bouncing GPS fixes (spec.md §4.3).
//
// The in-memory representation is a github.com/RoaringBitmap/roaring
// bitmap, the sparse-bitset library the retrieval pack reaches for
// (agentic-research-mache) rather than a hand-rolled
// byte slice; Save/Load still produce the exact little-endian raw byte
// layout spec.md §6 requires for the on-disk <region>.pixa file, so the
// wire format is unaffected by the in-memory swap.
package accountedbits

import (
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring"
)

// Bitset tracks, per PixelFile slot index, whether that slot has already
// contributed to the region's weekly aggregate.
type Bitset struct {
	bm    *roaring.Bitmap
	limit uint32 // current upper bound (PixelFile length); set(i) rejects i>=limit
	dirty bool
}

// New returns an empty Bitset bound to limit slots (the matching
// PixelFile's record count).
func New(limit int) *Bitset {
	return &Bitset{bm: roaring.New(), limit: uint32(limit)}
}

// Load reads a <region>.pixa file: a raw byte array where bit i
// corresponds to record i in the matching PixelFile (little-endian bit
// order within each byte, per spec.md §6). A missing file is treated as an
// empty bitset, matching "loaded on region activation" with no prior save.
func Load(path string, limit int) (*Bitset, error) {
	b := New(limit)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("accountedbits: read %s: %w", path, err)
	}
	for byteIdx, byteVal := range data {
		if byteVal == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if byteVal&(1<<bit) != 0 {
				idx := uint32(byteIdx*8 + bit)
				if idx < b.limit {
					b.bm.Add(idx)
				}
			}
		}
	}
	return b, nil
}

// Get reports whether slot i is set.
func (b *Bitset) Get(i int) bool {
	return b.bm.Contains(uint32(i))
}

// Set marks slot i as accounted. It is a no-op, without error, if the slot
// is already set (idempotent, per spec.md §8 property 5). It returns an
// error if i is out of [0, limit) — "set(i) rejects i >= |PixelFile|"
// (spec.md §4.3).
func (b *Bitset) Set(i int) error {
	if i < 0 || uint32(i) >= b.limit {
		return fmt.Errorf("accountedbits: index %d out of range [0,%d)", i, b.limit)
	}
	if b.bm.Contains(uint32(i)) {
		return nil
	}
	b.bm.Add(uint32(i))
	b.dirty = true
	return nil
}

// GrowLimit raises the slot limit, used when the matching PixelFile grows
// (spec.md §4.3: "grown on demand"). It never shrinks the limit.
func (b *Bitset) GrowLimit(newLimit int) {
	if uint32(newLimit) > b.limit {
		b.limit = uint32(newLimit)
	}
}

// Len returns the current slot limit.
func (b *Bitset) Len() int {
	return int(b.limit)
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	return int(b.bm.GetCardinality())
}

// Dirty reports whether any Set call has mutated the bitset since the last
// Save.
func (b *Bitset) Dirty() bool {
	return b.dirty
}

// Save persists the bitset to path as a raw byte array (little-endian bit
// order within each byte), sized to ceil(limit/8) bytes, and clears the
// dirty flag. It is a no-op if the bitset is not dirty, matching "persisted
// on dirty flush" (spec.md §4 ownership note).
func (b *Bitset) Save(path string) error {
	if !b.dirty {
		return nil
	}
	n := (int(b.limit) + 7) / 8
	buf := make([]byte, n)
	it := b.bm.Iterator()
	for it.HasNext() {
		idx := it.Next()
		if idx >= b.limit {
			continue
		}
		buf[idx/8] |= 1 << (idx % 8)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("accountedbits: write %s: %w", path, err)
	}
	b.dirty = false
	return nil
}
