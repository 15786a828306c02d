// Package pixelfile implements the memory-mapped, binary-searchable array
// of PixelRecord that backs a region's explored/unexplored state (spec.md
// §4.2). The mmap lifecycle (open, map, truncate-on-create, unmap) follows
// the control-block pattern in agentic-research-mache's internal/control
// package, generalized from a single fixed-size struct to a sorted record
// array addressed by golang.org/x/sys/unix. A mapping keeps its size for
// its lifetime; there is no grow operation.
package pixelfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// exploredBit is the high bit of a PixelRecord; the remaining 63 bits carry
// the HEALPix pixel-id.
const exploredBit = uint64(1) << 63

// recordSize is the on-disk size of one PixelRecord in bytes.
const recordSize = 8

// PixelRecord packs a HEALPix pixel-id (low 63 bits) and its explored flag
// (high bit) into a single 64-bit little-endian word.
type PixelRecord uint64

// PixelID returns the pixel-id carried in the low 63 bits.
func (r PixelRecord) PixelID() int64 {
	return int64(uint64(r) &^ exploredBit)
}

// Explored reports whether the high bit is set.
func (r PixelRecord) Explored() bool {
	return uint64(r)&exploredBit != 0
}

// withExplored returns a copy of r with the explored bit set to v.
func (r PixelRecord) withExplored(v bool) PixelRecord {
	if v {
		return PixelRecord(uint64(r) | exploredBit)
	}
	return PixelRecord(uint64(r) &^ exploredBit)
}

// NewPixelRecord builds an unexplored record for the given pixel-id.
func NewPixelRecord(pixelID int64) PixelRecord {
	return PixelRecord(uint64(pixelID) &^ exploredBit)
}

// File is a memory-mapped, sorted array of PixelRecord for one region.
// Every mutation goes through SetExplored after a Find lookup; File itself
// does no locking — callers (the Engine Controller's streetPixelsMutex) own
// that responsibility.
type File struct {
	path string
	f    *os.File
	data []byte
	n    int // record count
}

// CreateSorted truncates (or creates) path and writes recs, which must
// already be sorted ascending by pixel-id with no duplicates, as the
// initial contents of a new PixelFile. This is the derivation-time writer
// described in spec.md §4.2 ("a truncating writer").
func CreateSorted(path string, recs []PixelRecord) error {
	if !sort.SliceIsSorted(recs, func(i, j int) bool { return recs[i].PixelID() < recs[j].PixelID() }) {
		return fmt.Errorf("pixelfile: records not sorted ascending by pixel-id")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].PixelID() == recs[i-1].PixelID() {
			return fmt.Errorf("pixelfile: duplicate pixel-id %d", recs[i].PixelID())
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pixelfile: create %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, len(recs)*recordSize)
	for i, r := range recs {
		binary.LittleEndian.PutUint64(buf[i*recordSize:], uint64(r))
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("pixelfile: write %s: %w", path, err)
	}
	return nil
}

// OpenReadWrite memory-maps path read-write and exposes it as a sorted span
// of PixelRecord, per spec.md §4.2's openReadWrite contract. The mapping is
// advised MADV_SEQUENTIAL since callers largely scan it in ascending order
// for rendering and in targeted binary searches for mutation.
func OpenReadWrite(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pixelfile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pixelfile: stat %s: %w", path, err)
	}
	size := info.Size()
	if size%recordSize != 0 {
		f.Close()
		return nil, fmt.Errorf("pixelfile: %s has a non-multiple-of-%d size %d", path, recordSize, size)
	}
	if size == 0 {
		f.Close()
		return &File{path: path, f: nil, data: nil, n: 0}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pixelfile: mmap %s: %w", path, err)
	}
	if err := unix.Madvise(data, unix.MADV_SEQUENTIAL); err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("pixelfile: madvise %s: %w", path, err)
	}

	return &File{
		path: path,
		f:    f,
		data: data,
		n:    int(size) / recordSize,
	}, nil
}

// Len returns the number of PixelRecord slots in the file.
func (pf *File) Len() int {
	return pf.n
}

// At returns the record at index i.
func (pf *File) At(i int) PixelRecord {
	off := i * recordSize
	return PixelRecord(binary.LittleEndian.Uint64(pf.data[off : off+recordSize]))
}

// Find binary-searches for pixelId on the low 63 bits and returns its slot
// index, or (-1, false) if absent.
func (pf *File) Find(pixelID int64) (int, bool) {
	lo, hi := 0, pf.n
	for lo < hi {
		mid := (lo + hi) / 2
		v := pf.At(mid).PixelID()
		switch {
		case v == pixelID:
			return mid, true
		case v < pixelID:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1, false
}

// SetExplored sets the explored bit of the record at index i to true and
// asynchronously flushes the touched 8 bytes (spec.md §4.2, §5: "every
// write is followed by an asynchronous page-flush hint for the 8 bytes
// touched"). Setting an already-explored record is a no-op that still
// reports success — flipping explored→true is idempotent by design
// (spec.md §8 property 5).
func (pf *File) SetExplored(i int) error {
	rec := pf.At(i)
	if rec.Explored() {
		return nil
	}
	off := i * recordSize
	binary.LittleEndian.PutUint64(pf.data[off:off+recordSize], uint64(rec.withExplored(true)))
	return pf.flushRange(off, recordSize)
}

// flushRange requests an asynchronous flush of the touched byte range. Full
// page granularity is unavoidable with mmap; MS_ASYNC lets the kernel
// schedule the writeback without blocking the caller.
func (pf *File) flushRange(off, n int) error {
	if pf.data == nil {
		return nil
	}
	pageSize := os.Getpagesize()
	start := (off / pageSize) * pageSize
	end := off + n
	if end > len(pf.data) {
		end = len(pf.data)
	}
	return unix.Msync(pf.data[start:end], unix.MS_ASYNC)
}

// CountExplored returns the number of records with the explored bit set,
// used by getTotalExploredFraction (spec.md §8 property 8).
func (pf *File) CountExplored() int {
	count := 0
	for i := 0; i < pf.n; i++ {
		if pf.At(i).Explored() {
			count++
		}
	}
	return count
}

// Fraction returns CountExplored()/Len(), or 0 if the file is empty.
func (pf *File) Fraction() float64 {
	if pf.n == 0 {
		return 0
	}
	return float64(pf.CountExplored()) / float64(pf.n)
}

// Close unmaps and closes the underlying file. Safe to call on an empty
// (zero-record) File that was never mapped.
func (pf *File) Close() error {
	if pf.data != nil {
		if err := unix.Munmap(pf.data); err != nil {
			return fmt.Errorf("pixelfile: munmap %s: %w", pf.path, err)
		}
		pf.data = nil
	}
	if pf.f != nil {
		if err := pf.f.Close(); err != nil {
			return fmt.Errorf("pixelfile: close %s: %w", pf.path, err)
		}
		pf.f = nil
	}
	return nil
}
