package segment

import (
	"encoding/binary"
	"os"

	"github.com/tysonmote/gommap"

	"github.com/semioz/rafka/errs"
)

// OffsetIndexEntry maps a relative offset to a byte position in the records file.
// Physical layout of an entry:
// +----------------+----------------+
// |   RelOffset    |    Position    |
// +----------------+----------------+
// |    4 bytes     |    8 bytes     |
// +----------------+----------------+
// The index is sparse: one entry per IndexIntervalBytes of appended records.

const (
	offsetEntrySize  = 4 + 8
	initialIndexSize = 12 * 1024 // 1024 entries before the mmap grows
)

var indexEndian = binary.BigEndian

type OffsetIndexEntry struct {
	RelativeOffset uint32
	Position       uint64
}

// OffsetIndex is the mmap-backed sparse offset index of one segment.
type OffsetIndex struct {
	file *os.File
	mmap gommap.MMap
	size int64
}

func OpenOffsetIndex(path string) (*OffsetIndex, error) {
	file, mmap, size, err := openIndexFile(path)
	if err != nil {
		return nil, err
	}
	idx := &OffsetIndex{file: file, mmap: mmap, size: size}
	idx.clampToLastEntry()
	return idx, nil
}

// clampToLastEntry trims the preallocated zero tail left behind when the file
// was not truncated by a clean Close. Entries have strictly increasing
// relative offsets, so the data ends at the first entry that fails to
// increase.
func (idx *OffsetIndex) clampToLastEntry() {
	count := idx.size / offsetEntrySize
	for i := int64(1); i < count; i++ {
		if idx.Entry(i).RelativeOffset <= idx.Entry(i-1).RelativeOffset {
			count = i
			break
		}
	}
	idx.size = count * offsetEntrySize
}

func openIndexFile(path string) (*os.File, gommap.MMap, int64, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, 0, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, 0, err
	}
	size := stat.Size()
	if size == 0 {
		if err := file.Truncate(initialIndexSize); err != nil {
			file.Close()
			return nil, nil, 0, err
		}
	}
	m, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, nil, 0, err
	}
	return file, m, size, nil
}

func growIndexFile(file *os.File, mmap gommap.MMap) (gommap.MMap, error) {
	newSize := int64(len(mmap)) * 2
	if err := mmap.UnsafeUnmap(); err != nil {
		return nil, err
	}
	if err := file.Truncate(newSize); err != nil {
		return nil, err
	}
	return gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
}

// Write appends an entry. Entries must arrive in strictly increasing relative
// offset order; anything else is an invariant violation surfaced as ErrOutOfOrder.
func (idx *OffsetIndex) Write(relOffset uint32, position uint64) error {
	if last, ok := idx.Last(); ok && relOffset <= last.RelativeOffset {
		return errs.ErrIndexOutOfOrderf(uint64(relOffset), uint64(last.RelativeOffset))
	}
	if idx.size+offsetEntrySize > int64(len(idx.mmap)) {
		m, err := growIndexFile(idx.file, idx.mmap)
		if err != nil {
			return err
		}
		idx.mmap = m
	}
	buf := idx.mmap[idx.size : idx.size+offsetEntrySize]
	indexEndian.PutUint32(buf[0:4], relOffset)
	indexEndian.PutUint64(buf[4:12], position)
	idx.size += offsetEntrySize
	return nil
}

func (idx *OffsetIndex) Entry(i int64) OffsetIndexEntry {
	buf := idx.mmap[i*offsetEntrySize : i*offsetEntrySize+offsetEntrySize]
	return OffsetIndexEntry{
		RelativeOffset: indexEndian.Uint32(buf[0:4]),
		Position:       indexEndian.Uint64(buf[4:12]),
	}
}

// Find returns the last entry with RelativeOffset <= relOffset via binary search.
func (idx *OffsetIndex) Find(relOffset uint32) (OffsetIndexEntry, bool) {
	count := idx.size / offsetEntrySize
	if count == 0 {
		return OffsetIndexEntry{}, false
	}
	var result OffsetIndexEntry
	found := false
	low, high := int64(0), count-1
	for low <= high {
		mid := (low + high) / 2
		entry := idx.Entry(mid)
		if entry.RelativeOffset <= relOffset {
			result = entry
			found = true
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return result, found
}

func (idx *OffsetIndex) Last() (OffsetIndexEntry, bool) {
	count := idx.size / offsetEntrySize
	if count == 0 {
		return OffsetIndexEntry{}, false
	}
	return idx.Entry(count - 1), true
}

// TruncateFrom drops every entry whose Position is at or beyond position.
// Used when the segment tail is cut (crash recovery and follower reconciliation).
func (idx *OffsetIndex) TruncateFrom(position uint64) error {
	newSize := idx.size
	count := idx.size / offsetEntrySize
	for i := count - 1; i >= 0; i-- {
		if idx.Entry(i).Position < position {
			break
		}
		newSize -= offsetEntrySize
	}
	if newSize == idx.size {
		return nil
	}
	idx.size = newSize
	return nil
}

// Reset drops all entries (full index rebuild).
func (idx *OffsetIndex) Reset() {
	idx.size = 0
}

func (idx *OffsetIndex) Size() int64 {
	return idx.size
}

func (idx *OffsetIndex) Name() string {
	return idx.file.Name()
}

func (idx *OffsetIndex) Sync() error {
	if err := idx.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return idx.file.Sync()
}

func (idx *OffsetIndex) Close() error {
	if err := idx.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := idx.file.Sync(); err != nil {
		return err
	}
	if err := idx.file.Truncate(idx.size); err != nil {
		return err
	}
	return idx.file.Close()
}
