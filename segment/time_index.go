package segment

import (
	"os"

	"github.com/tysonmote/gommap"

	"github.com/semioz/rafka/errs"
)

// TimeIndexEntry maps a timestamp to the relative offset of the first record
// written at or after it. Physical layout of an entry:
// +----------------+----------------+
// |   Timestamp    |   RelOffset    |
// +----------------+----------------+
// |    8 bytes     |    4 bytes     |
// +----------------+----------------+
// Sampled at the same interval as the offset index, but an entry is only
// written when the timestamp advanced past the previous entry.

const timeEntrySize = 8 + 4

type TimeIndexEntry struct {
	Timestamp      int64
	RelativeOffset uint32
}

// TimeIndex is the mmap-backed sparse timestamp index of one segment.
type TimeIndex struct {
	file *os.File
	mmap gommap.MMap
	size int64
}

func OpenTimeIndex(path string) (*TimeIndex, error) {
	file, mmap, size, err := openIndexFile(path)
	if err != nil {
		return nil, err
	}
	idx := &TimeIndex{file: file, mmap: mmap, size: size}
	idx.clampToLastEntry()
	return idx, nil
}

// clampToLastEntry trims the preallocated zero tail left behind when the file
// was not truncated by a clean Close. Timestamps are positive epoch
// milliseconds and strictly increasing, so the data ends at the first entry
// that fails to increase.
func (idx *TimeIndex) clampToLastEntry() {
	count := idx.size / timeEntrySize
	var prev int64
	for i := int64(0); i < count; i++ {
		ts := idx.Entry(i).Timestamp
		if ts <= prev {
			count = i
			break
		}
		prev = ts
	}
	idx.size = count * timeEntrySize
}

// Write appends an entry. Timestamps must be strictly increasing.
func (idx *TimeIndex) Write(timestamp int64, relOffset uint32) error {
	if last, ok := idx.Last(); ok && timestamp <= last.Timestamp {
		return errs.ErrIndexOutOfOrderf(uint64(timestamp), uint64(last.Timestamp))
	}
	if idx.size+timeEntrySize > int64(len(idx.mmap)) {
		m, err := growIndexFile(idx.file, idx.mmap)
		if err != nil {
			return err
		}
		idx.mmap = m
	}
	buf := idx.mmap[idx.size : idx.size+timeEntrySize]
	indexEndian.PutUint64(buf[0:8], uint64(timestamp))
	indexEndian.PutUint32(buf[8:12], relOffset)
	idx.size += timeEntrySize
	return nil
}

func (idx *TimeIndex) Entry(i int64) TimeIndexEntry {
	buf := idx.mmap[i*timeEntrySize : i*timeEntrySize+timeEntrySize]
	return TimeIndexEntry{
		Timestamp:      int64(indexEndian.Uint64(buf[0:8])),
		RelativeOffset: indexEndian.Uint32(buf[8:12]),
	}
}

// Find returns the last entry with Timestamp <= timestamp.
func (idx *TimeIndex) Find(timestamp int64) (TimeIndexEntry, bool) {
	count := idx.size / timeEntrySize
	if count == 0 {
		return TimeIndexEntry{}, false
	}
	var result TimeIndexEntry
	found := false
	low, high := int64(0), count-1
	for low <= high {
		mid := (low + high) / 2
		entry := idx.Entry(mid)
		if entry.Timestamp <= timestamp {
			result = entry
			found = true
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return result, found
}

func (idx *TimeIndex) Last() (TimeIndexEntry, bool) {
	count := idx.size / timeEntrySize
	if count == 0 {
		return TimeIndexEntry{}, false
	}
	return idx.Entry(count - 1), true
}

// TruncateFrom drops every entry whose RelativeOffset is at or beyond relOffset.
func (idx *TimeIndex) TruncateFrom(relOffset uint32) error {
	newSize := idx.size
	count := idx.size / timeEntrySize
	for i := count - 1; i >= 0; i-- {
		if idx.Entry(i).RelativeOffset < relOffset {
			break
		}
		newSize -= timeEntrySize
	}
	idx.size = newSize
	return nil
}

// Reset drops all entries (full index rebuild).
func (idx *TimeIndex) Reset() {
	idx.size = 0
}

func (idx *TimeIndex) Size() int64 {
	return idx.size
}

func (idx *TimeIndex) Name() string {
	return idx.file.Name()
}

func (idx *TimeIndex) Sync() error {
	if err := idx.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return idx.file.Sync()
}

func (idx *TimeIndex) Close() error {
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
