// Package log implements the partition log: an ordered sequence of segments
// with exactly one active (appendable) segment at the tail, plus truncation,
// retention, and crash recovery.
package log

import (
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/record"
	"github.com/semioz/rafka/segment"
)

// Config bounds segments and retention for one partition log.
type Config struct {
	Segment   segment.Config
	Retention RetentionConfig
}

// RetentionConfig limits how much history a partition keeps. Zero values mean
// unlimited. Retention never deletes data above the high-watermark; the caller
// supplies the watermark on each pass.
type RetentionConfig struct {
	MaxLogBytes int64
	MaxLogAge   time.Duration
}

// Log is one partition's full history. Appends are single-writer (serialized
// by mu); reads run concurrently against any segment.
type Log struct {
	mu            sync.RWMutex
	dir           string
	cfg           Config
	logger        *zap.Logger
	segments      []*segment.Segment
	activeSegment *segment.Segment
	startOffset   uint64 // logStartOffset: first retained offset
	endOffset     uint64 // logEndOffset: next offset to assign
}

// Open loads the partition log in dir, recovering the active segment's tail,
// or creates an empty log with a segment at base offset 0.
func Open(dir string, cfg Config, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var baseOffsets []uint64
	for _, entry := range entries {
		if baseOffset, ok := segment.ParseLogFileName(entry.Name()); ok {
			baseOffsets = append(baseOffsets, baseOffset)
		}
	}

	if len(baseOffsets) == 0 {
		active, err := segment.New(dir, 0, cfg.Segment)
		if err != nil {
			return nil, err
		}
		l.segments = []*segment.Segment{active}
		l.activeSegment = active
		return l, nil
	}

	sort.Slice(baseOffsets, func(i, j int) bool { return baseOffsets[i] < baseOffsets[j] })
	for i, baseOffset := range baseOffsets {
		seg, err := segment.Load(dir, baseOffset, cfg.Segment)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			if prev := l.segments[i-1]; prev.NextOffset() != seg.BaseOffset {
				return nil, errs.ErrSegmentDiscontinuityf(prev.NextOffset(), seg.BaseOffset)
			}
		}
		l.segments = append(l.segments, seg)
	}
	for _, seg := range l.segments[:len(l.segments)-1] {
		if err := seg.Seal(); err != nil {
			return nil, err
		}
	}
	l.activeSegment = l.segments[len(l.segments)-1]
	l.startOffset = l.segments[0].BaseOffset
	l.endOffset = l.activeSegment.NextOffset()

	if l.endOffset > 0 {
		logger.Info("partition log recovered",
			zap.String("dir", dir),
			zap.Int("segments", len(l.segments)),
			zap.Uint64("start_offset", l.startOffset),
			zap.Uint64("end_offset", l.endOffset),
		)
	}
	return l, nil
}

// Append assigns contiguous offsets starting at the current log end offset and
// writes the batch to the active segment, rolling first when the active
// segment would exceed its size, record count, or age threshold. Returns the
// base offset assigned to the batch.
func (l *Log) Append(batch []record.Record) (uint64, error) {
	if len(batch) == 0 {
		return 0, errs.ErrEmptyBatch
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	baseOffset := l.endOffset
	now := time.Now()
	for i := range batch {
		batch[i].Offset = l.endOffset
		if l.activeSegment.WouldExceed(batch[i], now) {
			if err := l.rollLocked(); err != nil {
				return 0, err
			}
		}
		if _, err := l.activeSegment.Append(batch[i]); err != nil {
			return 0, err
		}
		l.endOffset++
	}
	return baseOffset, nil
}

// AppendReplicated appends records carrying offsets assigned by a leader. The
// first record must continue exactly at the local log end offset.
func (l *Log) AppendReplicated(batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if batch[0].Offset != l.endOffset {
		return errs.ErrIndexOutOfOrderf(batch[0].Offset, l.endOffset)
	}
	now := time.Now()
	for _, rec := range batch {
		if rec.Offset != l.endOffset {
			return errs.ErrIndexOutOfOrderf(rec.Offset, l.endOffset)
		}
		if l.activeSegment.WouldExceed(rec, now) {
			if err := l.rollLocked(); err != nil {
				return err
			}
		}
		if _, err := l.activeSegment.Append(rec); err != nil {
			return err
		}
		l.endOffset++
	}
	return nil
}

// rollLocked seals the active segment and opens a new one at the current end
// offset. Holding the write lock only for the swap is enough: appends are
// already serialized by the same lock.
func (l *Log) rollLocked() error {
	if err := l.activeSegment.Seal(); err != nil {
		return err
	}
	next, err := segment.New(l.dir, l.endOffset, l.cfg.Segment)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, next)
	l.activeSegment = next
	l.logger.Debug("rolled segment",
		zap.String("dir", l.dir),
		zap.Uint64("base_offset", l.endOffset),
	)
	return nil
}

// Read returns records from fromOffset onward, up to maxBytes of encoded
// data, spanning segments as needed. Reading exactly at the log end offset
// returns an empty batch; anything outside [startOffset, endOffset] fails
// with ErrOffsetOutOfRange. maxBytes == 0 means unlimited.
func (l *Log) Read(fromOffset uint64, maxBytes uint32) ([]record.Record, error) {
	l.mu.RLock()
	segments, start, end := l.segments, l.startOffset, l.endOffset
	l.mu.RUnlock()

	if fromOffset < start || fromOffset > end {
		return nil, errs.ErrOffsetOutOfRangef(fromOffset, start, end)
	}
	if fromOffset == end {
		return nil, nil
	}

	idx := sort.Search(len(segments), func(i int) bool {
		return segments[i].BaseOffset > fromOffset
	}) - 1
	if idx < 0 {
		return nil, errs.ErrOffsetOutOfRangef(fromOffset, start, end)
	}

	var (
		out   []record.Record
		total uint32
	)
	next := fromOffset
	for i := idx; i < len(segments); i++ {
		if next >= segments[i].NextOffset() {
			continue
		}
		remaining := uint32(0)
		if maxBytes > 0 {
			if total >= maxBytes {
				break
			}
			remaining = maxBytes - total
		}
		recs, err := segments[i].Read(next, remaining)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			total += uint32(record.EncodedSize(rec))
		}
		out = append(out, recs...)
		next = recs[len(recs)-1].Offset + 1
		if maxBytes > 0 && total >= maxBytes {
			break
		}
		// The byte budget stopped the read inside this segment; the next
		// segment starts beyond next and must not be consulted.
		if next < segments[i].NextOffset() {
			break
		}
	}
	return out, nil
}

// ReaderFrom streams raw framed records from startOffset to the current end
// of log, spanning all following segments, without decoding them. Suited to
// bulk export and offline inspection.
func (l *Log) ReaderFrom(startOffset uint64) (io.Reader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if startOffset >= l.endOffset {
		return io.MultiReader(), nil
	}
	if startOffset < l.startOffset {
		return nil, errs.ErrOffsetOutOfRangef(startOffset, l.startOffset, l.endOffset)
	}

	idx := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].BaseOffset > startOffset
	}) - 1
	if idx < 0 {
		return nil, errs.ErrOffsetOutOfRangef(startOffset, l.startOffset, l.endOffset)
	}

	first, err := l.segments[idx].ReadFrom(startOffset)
	if err != nil {
		return nil, err
	}
	readers := []io.Reader{first}
	for i := idx + 1; i < len(l.segments); i++ {
		readers = append(readers, l.segments[i].Reader())
	}
	return io.MultiReader(readers...), nil
}

// LookupTime returns the offset of the first record with timestamp >= ts, or
// false when the whole log is older.
func (l *Log) LookupTime(ts int64) (uint64, bool, error) {
	l.mu.RLock()
	segments := l.segments
	l.mu.RUnlock()

	for _, seg := range segments {
		if seg.MaxTimestamp() < ts {
			continue
		}
		off, ok, err := seg.LookupTime(ts)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return off, true, nil
		}
	}
	return 0, false, nil
}

// TruncateTo discards every record with offset >= offset: whole segments above
// it are deleted and the straddling segment's tail is cut and its indices
// trimmed. Used only during follower reconciliation after a leader change.
func (l *Log) TruncateTo(offset uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if offset >= l.endOffset {
		return nil
	}
	if offset < l.startOffset {
		return errs.ErrOffsetOutOfRangef(offset, l.startOffset, l.endOffset)
	}

	kept := l.segments[:0]
	for _, seg := range l.segments {
		if seg.BaseOffset >= offset {
			if err := seg.Remove(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept

	if len(l.segments) == 0 {
		active, err := segment.New(l.dir, offset, l.cfg.Segment)
		if err != nil {
			return err
		}
		l.segments = []*segment.Segment{active}
		l.startOffset = offset
	} else if last := l.segments[len(l.segments)-1]; last.NextOffset() > offset {
		if err := last.TruncateTo(offset); err != nil {
			return err
		}
	}

	l.activeSegment = l.segments[len(l.segments)-1]
	l.endOffset = offset
	l.logger.Info("log truncated",
		zap.String("dir", l.dir),
		zap.Uint64("offset", offset),
	)
	return nil
}

// ApplyRetention deletes the oldest sealed segments once the partition's
// cumulative size or the segment's age exceeds the configured limits. A
// segment is deleted only when every record in it is below highWatermark, so
// unacknowledged data is never dropped. Returns the number of segments
// removed.
func (l *Log) ApplyRetention(now time.Time, highWatermark uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.cfg.Retention
	if cfg.MaxLogBytes == 0 && cfg.MaxLogAge == 0 {
		return 0, nil
	}

	totalBytes := int64(0)
	for _, seg := range l.segments {
		totalBytes += seg.Size()
	}

	removed := 0
	for len(l.segments) > 1 {
		oldest := l.segments[0]
		if !oldest.IsSealed() || oldest.NextOffset() > highWatermark {
			break
		}
		expired := cfg.MaxLogAge > 0 && oldest.MaxTimestamp() > 0 &&
			now.Sub(time.UnixMilli(oldest.MaxTimestamp())) > cfg.MaxLogAge
		oversize := cfg.MaxLogBytes > 0 && totalBytes > cfg.MaxLogBytes
		if !expired && !oversize {
			break
		}

		totalBytes -= oldest.Size()
		if err := oldest.Remove(); err != nil {
			return removed, err
		}
		l.segments = l.segments[1:]
		l.startOffset = l.segments[0].BaseOffset
		removed++
		l.logger.Info("retention removed segment",
			zap.String("dir", l.dir),
			zap.Uint64("base_offset", oldest.BaseOffset),
			zap.Uint64("new_start_offset", l.startOffset),
		)
	}
	return removed, nil
}

// Dir returns the directory the partition log lives in.
func (l *Log) Dir() string {
	return l.dir
}

// StartOffset is the first retained offset (logStartOffset).
func (l *Log) StartOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startOffset
}

// EndOffset is the next offset to assign (logEndOffset, LEO).
func (l *Log) EndOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.endOffset
}

func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// SegmentBaseOffsets returns the base offset of each segment in order.
func (l *Log) SegmentBaseOffsets() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]uint64, len(l.segments))
	for i, seg := range l.segments {
		out[i] = seg.BaseOffset
	}
	return out
}

func (l *Log) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.Flush()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Delete closes the log and removes its directory.
func (l *Log) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}
