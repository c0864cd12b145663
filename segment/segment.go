// Package segment implements the bounded append-only files a partition log is
// made of: one records file plus a sparse offset index and time index, all
// named by the segment's base offset.
package segment

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/record"
)

const (
	DefaultIndexIntervalBytes = 4 * 1024         // 4KB between sparse index entries
	DefaultMaxSegmentBytes    = 64 * 1024 * 1024 // 64MB
	WriteBufferSize           = 64 * 1024        // 64KB
)

// Config bounds a segment. Zero values fall back to defaults (bytes, interval)
// or mean unlimited (records, age).
type Config struct {
	MaxSegmentBytes    int64
	MaxSegmentRecords  uint64
	MaxSegmentAge      time.Duration
	IndexIntervalBytes uint64
}

func (c Config) withDefaults() Config {
	if c.MaxSegmentBytes == 0 {
		c.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if c.IndexIntervalBytes == 0 {
		c.IndexIntervalBytes = DefaultIndexIntervalBytes
	}
	return c
}

// Segment is one bounded records file with its paired indices. A segment is
// active (appendable) until sealed; sealing makes it immutable. The records
// file is {baseOffset}.log, the indices {baseOffset}.idx and {baseOffset}.timeidx.
type Segment struct {
	BaseOffset uint64
	cfg        Config

	logFile     *os.File
	bufWriter   *bufio.Writer
	offsetIndex *OffsetIndex
	timeIndex   *TimeIndex

	mu                  sync.Mutex // protects all mutable state below
	nextOffset          uint64
	writePos            int64
	bytesSinceLastIndex uint64
	maxTimestamp        int64
	createdAt           time.Time
	sealed              bool
}

func logFileName(baseOffset uint64) string  { return fmt.Sprintf("%020d.log", baseOffset) }
func idxFileName(baseOffset uint64) string  { return fmt.Sprintf("%020d.idx", baseOffset) }
func timeFileName(baseOffset uint64) string { return fmt.Sprintf("%020d.timeidx", baseOffset) }

// ParseLogFileName extracts the base offset from a records file name.
func ParseLogFileName(name string) (uint64, bool) {
	var baseOffset uint64
	n, err := fmt.Sscanf(name, "%020d.log", &baseOffset)
	return baseOffset, n == 1 && err == nil
}

// New creates an empty active segment in dir with the given base offset.
func New(dir string, baseOffset uint64, cfg Config) (*Segment, error) {
	return open(dir, baseOffset, cfg, true)
}

// Load opens an existing segment and recovers its tail: trailing bytes that do
// not decode as complete, checksum-valid records are discarded, and missing or
// short indices are rebuilt from the records file.
func Load(dir string, baseOffset uint64, cfg Config) (*Segment, error) {
	s, err := open(dir, baseOffset, cfg, false)
	if err != nil {
		return nil, err
	}
	if err := s.recover(); err != nil {
		s.logFile.Close()
		s.offsetIndex.Close()
		s.timeIndex.Close()
		return nil, err
	}
	return s, nil
}

func open(dir string, baseOffset uint64, cfg Config, create bool) (*Segment, error) {
	flags := os.O_RDWR | os.O_APPEND
	if create {
		flags |= os.O_CREATE
	}
	logFile, err := os.OpenFile(filepath.Join(dir, logFileName(baseOffset)), flags, 0644)
	if err != nil {
		return nil, err
	}
	offsetIndex, err := OpenOffsetIndex(filepath.Join(dir, idxFileName(baseOffset)))
	if err != nil {
		logFile.Close()
		return nil, err
	}
	timeIndex, err := OpenTimeIndex(filepath.Join(dir, timeFileName(baseOffset)))
	if err != nil {
		logFile.Close()
		offsetIndex.Close()
		return nil, err
	}
	createdAt := time.Now()
	if stat, err := logFile.Stat(); err == nil && !create {
		createdAt = stat.ModTime()
	}
	return &Segment{
		BaseOffset:  baseOffset,
		cfg:         cfg.withDefaults(),
		logFile:     logFile,
		bufWriter:   bufio.NewWriterSize(logFile, WriteBufferSize),
		offsetIndex: offsetIndex,
		timeIndex:   timeIndex,
		nextOffset:  baseOffset,
		createdAt:   createdAt,
	}, nil
}

// Append writes rec at the end of the segment. rec.Offset must be exactly the
// segment's next offset; the log layer assigns offsets and this check catches
// broken contiguity before it reaches disk.
func (s *Segment) Append(rec record.Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return 0, errs.ErrSegmentSealed
	}
	if rec.Offset != s.nextOffset {
		return 0, errs.ErrIndexOutOfOrderf(rec.Offset, s.nextOffset)
	}

	buf := record.Encode(rec)
	if _, err := s.bufWriter.Write(buf); err != nil {
		return 0, err
	}

	s.bytesSinceLastIndex += uint64(len(buf))
	if s.bytesSinceLastIndex >= s.cfg.IndexIntervalBytes || rec.Offset == s.BaseOffset {
		// Flush so indexed positions always point at durable bytes.
		if err := s.bufWriter.Flush(); err != nil {
			return 0, err
		}
		relOffset := uint32(rec.Offset - s.BaseOffset)
		if err := s.offsetIndex.Write(relOffset, uint64(s.writePos)); err != nil {
			return 0, err
		}
		if last, ok := s.timeIndex.Last(); !ok || rec.Timestamp > last.Timestamp {
			if err := s.timeIndex.Write(rec.Timestamp, relOffset); err != nil {
				return 0, err
			}
		}
		s.bytesSinceLastIndex = 0
	}

	s.writePos += int64(len(buf))
	s.nextOffset++
	if rec.Timestamp > s.maxTimestamp {
		s.maxTimestamp = rec.Timestamp
	}
	return rec.Offset, nil
}

// WouldExceed reports whether appending rec should roll the log to a new
// segment first (size, record count, or age threshold).
func (s *Segment) WouldExceed(rec record.Record, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return true
	}
	count := s.nextOffset - s.BaseOffset
	if count == 0 {
		return false
	}
	if s.writePos+int64(record.EncodedSize(rec)) > s.cfg.MaxSegmentBytes {
		return true
	}
	if s.cfg.MaxSegmentRecords > 0 && count+1 > s.cfg.MaxSegmentRecords {
		return true
	}
	if s.cfg.MaxSegmentAge > 0 && now.Sub(s.createdAt) > s.cfg.MaxSegmentAge {
		return true
	}
	return false
}

// Read returns whole records starting at startOffset, up to maxBytes of
// encoded data. At least one record is returned when any is available, so a
// single oversized record is never unreadable. maxBytes == 0 means unlimited.
func (s *Segment) Read(startOffset uint64, maxBytes uint32) ([]record.Record, error) {
	s.mu.Lock()
	if !s.sealed {
		_ = s.bufWriter.Flush()
	}
	writePos := s.writePos
	next := s.nextOffset
	s.mu.Unlock()

	if startOffset < s.BaseOffset || startOffset >= next {
		return nil, errs.ErrSegmentOffsetOutOfRange(startOffset, s.BaseOffset, next)
	}

	pos := s.floorPosition(startOffset)
	reader := bufio.NewReaderSize(io.NewSectionReader(s.logFile, pos, writePos-pos), WriteBufferSize)

	var (
		out   []record.Record
		total uint32
	)
	for {
		rec, err := record.ReadFrom(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.Offset < startOffset {
			continue
		}
		size := uint32(record.EncodedSize(rec))
		if maxBytes > 0 && len(out) > 0 && total+size > maxBytes {
			break
		}
		out = append(out, rec)
		total += size
		if maxBytes > 0 && total >= maxBytes {
			break
		}
	}
	return out, nil
}

// floorPosition returns the byte position of the nearest indexed record at or
// before offset, or 0 when the index has no usable entry.
func (s *Segment) floorPosition(offset uint64) int64 {
	if offset < s.BaseOffset {
		return 0
	}
	entry, ok := s.offsetIndex.Find(uint32(offset - s.BaseOffset))
	if !ok {
		return 0
	}
	return int64(entry.Position)
}

// ReadFrom returns an io.Reader over the raw framed records starting at
// startOffset, up to the current end of segment, without decoding them.
func (s *Segment) ReadFrom(startOffset uint64) (io.Reader, error) {
	s.mu.Lock()
	if !s.sealed {
		_ = s.bufWriter.Flush()
	}
	writePos := s.writePos
	next := s.nextOffset
	s.mu.Unlock()

	if startOffset < s.BaseOffset || startOffset >= next {
		return nil, errs.ErrSegmentOffsetOutOfRange(startOffset, s.BaseOffset, next)
	}

	pos := s.floorPosition(startOffset)
	section := io.NewSectionReader(s.logFile, pos, writePos-pos)
	return catchUp(section, startOffset)
}

// catchUp skips records below target and returns a reader positioned at the
// first record with offset >= target, header included.
func catchUp(r io.Reader, target uint64) (io.Reader, error) {
	for {
		header := make([]byte, record.HeaderWidth)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, err
		}
		offset, length, _, _ := record.PeekHeader(header)
		if offset >= target {
			return io.MultiReader(bytes.NewReader(header), r), nil
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
	}
}

// Reader streams every record in the segment from its base offset.
func (s *Segment) Reader() io.Reader {
	s.mu.Lock()
	next := s.nextOffset
	s.mu.Unlock()
	if next == s.BaseOffset {
		return bytes.NewReader(nil)
	}
	r, err := s.ReadFrom(s.BaseOffset)
	if err != nil {
		return bytes.NewReader(nil)
	}
	return r
}

// LookupTime returns the offset of the first record whose timestamp is >= ts.
// The second return is false when every record in the segment is older.
func (s *Segment) LookupTime(ts int64) (uint64, bool, error) {
	s.mu.Lock()
	if !s.sealed {
		_ = s.bufWriter.Flush()
	}
	writePos := s.writePos
	next := s.nextOffset
	maxTS := s.maxTimestamp
	s.mu.Unlock()

	if next == s.BaseOffset || ts > maxTS {
		return 0, false, nil
	}

	pos := int64(0)
	if entry, ok := s.timeIndex.Find(ts); ok {
		pos = s.floorPosition(s.BaseOffset + uint64(entry.RelativeOffset))
	}
	reader := bufio.NewReaderSize(io.NewSectionReader(s.logFile, pos, writePos-pos), WriteBufferSize)
	for {
		rec, err := record.ReadFrom(reader)
		if err == io.EOF {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		if rec.Timestamp >= ts {
			return rec.Offset, true, nil
		}
	}
}

// recover scans the tail for torn or checksum-invalid records and truncates
// them away. An empty index over a non-empty records file triggers a full
// index rebuild first.
func (s *Segment) recover() error {
	stat, err := s.logFile.Stat()
	if err != nil {
		return err
	}
	fileSize := stat.Size()
	if fileSize == 0 {
		s.offsetIndex.Reset()
		s.timeIndex.Reset()
		return nil
	}

	startPos := int64(0)
	startOffset := s.BaseOffset
	rebuild := false

	if lastEntry, ok := s.offsetIndex.Last(); ok && int64(lastEntry.Position) <= fileSize {
		startPos = int64(lastEntry.Position)
		startOffset = s.BaseOffset + uint64(lastEntry.RelativeOffset)
	} else if fileSize > 0 {
		// Index missing or shorter than the data: rebuild from scratch.
		s.offsetIndex.Reset()
		s.timeIndex.Reset()
		rebuild = true
	}
	if lastTime, ok := s.timeIndex.Last(); ok {
		s.maxTimestamp = lastTime.Timestamp
	}

	validPos, nextOffset, err := s.scanFrom(startPos, startOffset, fileSize, rebuild)
	if err != nil {
		return err
	}

	if validPos < fileSize {
		if err := s.logFile.Truncate(validPos); err != nil {
			return errs.ErrTruncateFailed(err)
		}
	}
	if _, err := s.logFile.Seek(validPos, io.SeekStart); err != nil {
		return errs.ErrSeekFailed(err)
	}

	s.writePos = validPos
	s.nextOffset = nextOffset
	s.bufWriter.Reset(s.logFile)

	if err := s.offsetIndex.TruncateFrom(uint64(validPos)); err != nil {
		return errs.ErrIndexSyncFailed(err)
	}
	if nextOffset > s.BaseOffset {
		return s.timeIndex.TruncateFrom(uint32(nextOffset - s.BaseOffset))
	}
	s.timeIndex.Reset()
	return nil
}

// scanFrom walks records from pos, validating offsets and checksums, and
// optionally rebuilding sparse index entries along the way. It returns the
// position and offset just past the last valid record.
func (s *Segment) scanFrom(pos int64, offset uint64, fileSize int64, rebuild bool) (int64, uint64, error) {
	reader := bufio.NewReaderSize(io.NewSectionReader(s.logFile, pos, fileSize-pos), WriteBufferSize)
	header := make([]byte, record.HeaderWidth)
	var bytesSinceIndex uint64

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break // clean end or torn header
		}
		recOffset, length, crc, _ := record.PeekHeader(header)
		if recOffset != offset {
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break // torn payload
		}
		if !record.VerifyPayload(payload, crc) {
			break
		}

		entrySize := int64(record.HeaderWidth) + int64(length)
		if rebuild {
			bytesSinceIndex += uint64(entrySize)
			if bytesSinceIndex >= s.cfg.IndexIntervalBytes || offset == s.BaseOffset {
				relOffset := uint32(offset - s.BaseOffset)
				if err := s.offsetIndex.Write(relOffset, uint64(pos)); err != nil {
					return 0, 0, err
				}
				ts := int64(indexEndian.Uint64(payload[0:8]))
				if last, ok := s.timeIndex.Last(); !ok || ts > last.Timestamp {
					if err := s.timeIndex.Write(ts, relOffset); err != nil {
						return 0, 0, err
					}
				}
				bytesSinceIndex = 0
			}
		}
		if ts := int64(indexEndian.Uint64(payload[0:8])); ts > s.maxTimestamp {
			s.maxTimestamp = ts
		}

		pos += entrySize
		offset++
	}
	return pos, offset, nil
}

// TruncateTo discards every record with offset >= offset. The segment becomes
// active again afterwards so the log can continue appending at the cut point.
func (s *Segment) TruncateTo(offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset <= s.BaseOffset {
		return s.truncateAtLocked(0, s.BaseOffset)
	}
	if offset >= s.nextOffset {
		return nil
	}

	if err := s.bufWriter.Flush(); err != nil {
		return err
	}
	pos, err := s.positionOfLocked(offset)
	if err != nil {
		return err
	}
	return s.truncateAtLocked(pos, offset)
}

func (s *Segment) truncateAtLocked(pos int64, offset uint64) error {
	if err := s.bufWriter.Flush(); err != nil {
		return err
	}
	if err := s.logFile.Truncate(pos); err != nil {
		return errs.ErrTruncateFailed(err)
	}
	if _, err := s.logFile.Seek(pos, io.SeekStart); err != nil {
		return errs.ErrSeekFailed(err)
	}
	s.writePos = pos
	s.nextOffset = offset
	s.sealed = false
	s.bytesSinceLastIndex = 0
	s.bufWriter.Reset(s.logFile)
	if err := s.offsetIndex.TruncateFrom(uint64(pos)); err != nil {
		return errs.ErrIndexSyncFailed(err)
	}
	if offset > s.BaseOffset {
		return s.timeIndex.TruncateFrom(uint32(offset - s.BaseOffset))
	}
	s.timeIndex.Reset()
	return nil
}

// positionOfLocked finds the exact byte position of offset by scanning forward
// from the nearest index entry.
func (s *Segment) positionOfLocked(offset uint64) (int64, error) {
	pos := s.floorPosition(offset)
	header := make([]byte, record.HeaderWidth)
	for pos < s.writePos {
		if _, err := s.logFile.ReadAt(header, pos); err != nil {
			return 0, err
		}
		recOffset, length, _, _ := record.PeekHeader(header)
		if recOffset == offset {
			return pos, nil
		}
		if recOffset > offset {
			return 0, errs.ErrSegmentOffsetNotFound
		}
		pos += int64(record.HeaderWidth) + int64(length)
	}
	return 0, errs.ErrSegmentOffsetNotFound
}

// Seal flushes and syncs the segment and marks it immutable.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	if err := s.bufWriter.Flush(); err != nil {
		return err
	}
	if err := s.logFile.Sync(); err != nil {
		return err
	}
	if err := s.offsetIndex.Sync(); err != nil {
		return err
	}
	if err := s.timeIndex.Sync(); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

func (s *Segment) IsSealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// NextOffset is the offset the next appended record will be assigned.
func (s *Segment) NextOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset
}

// Size is the current byte size of the records file, buffered writes included.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePos
}

func (s *Segment) RecordCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset - s.BaseOffset
}

// MaxTimestamp is the largest record timestamp seen in the segment.
func (s *Segment) MaxTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTimestamp
}

func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufWriter.Flush()
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bufWriter.Flush(); err != nil {
		return err
	}
	if err := s.logFile.Close(); err != nil {
		return err
	}
	if err := s.offsetIndex.Close(); err != nil {
		return err
	}
	return s.timeIndex.Close()
}

// Remove closes the segment and deletes its files.
func (s *Segment) Remove() error {
	logName := s.logFile.Name()
	idxName := s.offsetIndex.Name()
	timeName := s.timeIndex.Name()
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(logName); err != nil {
		return err
	}
	if err := os.Remove(idxName); err != nil {
		return err
	}
	return os.Remove(timeName)
}
