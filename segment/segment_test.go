package segment

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/record"
)

func testRecord(offset uint64, value string) record.Record {
	return record.Record{
		Offset:    offset,
		Timestamp: time.Now().UnixMilli(),
		Value:     []byte(value),
	}
}

func setupTestSegment(t *testing.T) (*Segment, string) {
	t.Helper()
	dir := t.TempDir()
	seg, err := New(dir, 0, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg, dir
}

func TestSegmentAppendRead(t *testing.T) {
	seg, _ := setupTestSegment(t)

	values := []string{"first record", "second record", "third record"}
	for i, v := range values {
		off, err := seg.Append(testRecord(uint64(i), v))
		require.NoError(t, err)
		require.Equal(t, uint64(i), off)
	}

	recs, err := seg.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, len(values))
	for i, rec := range recs {
		require.Equal(t, uint64(i), rec.Offset)
		require.Equal(t, values[i], string(rec.Value))
	}
}

func TestSegmentAppendNonContiguousOffset(t *testing.T) {
	seg, _ := setupTestSegment(t)

	_, err := seg.Append(testRecord(0, "a"))
	require.NoError(t, err)

	_, err = seg.Append(testRecord(5, "skip"))
	require.ErrorIs(t, err, errs.ErrOutOfOrder)
}

func TestSegmentReadFromMiddle(t *testing.T) {
	seg, _ := setupTestSegment(t)

	numRecords := 10000
	for i := 0; i < numRecords; i++ {
		_, err := seg.Append(testRecord(uint64(i), "record number "+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	recs, err := seg.Read(7500, 0)
	require.NoError(t, err)
	require.Len(t, recs, numRecords-7500)
	require.Equal(t, uint64(7500), recs[0].Offset)
	require.Equal(t, "record number 7500", string(recs[0].Value))
}

func TestSegmentReadMaxBytes(t *testing.T) {
	seg, _ := setupTestSegment(t)

	for i := 0; i < 100; i++ {
		_, err := seg.Append(testRecord(uint64(i), "0123456789"))
		require.NoError(t, err)
	}

	size := uint32(record.EncodedSize(testRecord(0, "0123456789")))
	recs, err := seg.Read(0, size*3)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// A cap smaller than one record still returns the first record.
	recs, err = seg.Read(0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestSegmentOutOfRangeRead(t *testing.T) {
	seg, _ := setupTestSegment(t)

	_, err := seg.Append(testRecord(0, "only"))
	require.NoError(t, err)

	_, err = seg.Read(1, 0)
	require.ErrorIs(t, err, errs.ErrSegmentOffsetNotFound)
}

func TestSegmentSealRejectsAppend(t *testing.T) {
	seg, _ := setupTestSegment(t)

	_, err := seg.Append(testRecord(0, "a"))
	require.NoError(t, err)
	require.NoError(t, seg.Seal())

	_, err = seg.Append(testRecord(1, "b"))
	require.ErrorIs(t, err, errs.ErrSegmentSealed)

	// Sealed segments stay readable.
	recs, err := seg.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestSegmentRecoverTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, 0, Config{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := seg.Append(testRecord(uint64(i), "record number "+strconv.Itoa(i)))
		require.NoError(t, err)
	}
	require.NoError(t, seg.Close())

	// Simulate a crash mid-append: chop bytes off the last record.
	path := filepath.Join(dir, "00000000000000000000.log")
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-5))

	reopened, err := Load(dir, 0, Config{})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(99), reopened.NextOffset())
	recs, err := reopened.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 99)

	// The log stays appendable at the recovered offset.
	_, err = reopened.Append(testRecord(99, "after recovery"))
	require.NoError(t, err)
}

func TestSegmentRecoverCorruptTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, 0, Config{})
	require.NoError(t, err)

	var lastSize int64
	for i := 0; i < 10; i++ {
		_, err := seg.Append(testRecord(uint64(i), "record number "+strconv.Itoa(i)))
		require.NoError(t, err)
		if i == 8 {
			lastSize = seg.Size()
		}
	}
	require.NoError(t, seg.Close())

	// Flip a byte inside the last record's payload.
	path := filepath.Join(dir, "00000000000000000000.log")
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, lastSize+record.HeaderWidth+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Load(dir, 0, Config{})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(9), reopened.NextOffset())
	recs, err := reopened.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 9)
}

func TestSegmentCrashRecoveryTrimsIndexTail(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{IndexIntervalBytes: 1}
	seg, err := New(dir, 0, cfg)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := seg.Append(testRecord(uint64(i), "record number "+strconv.Itoa(i)))
		require.NoError(t, err)
	}
	require.NoError(t, seg.Flush())

	// No Close: the index files keep the preallocated zero tail beyond the
	// written entries, exactly as they look after a crash.
	reopened, err := Load(dir, 0, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, int64(50*offsetEntrySize), reopened.offsetIndex.Size())
	last, ok := reopened.offsetIndex.Last()
	require.True(t, ok)
	require.Equal(t, uint32(49), last.RelativeOffset)

	require.Equal(t, uint64(50), reopened.NextOffset())
	recs, err := reopened.Read(49, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(49), recs[0].Offset)

	// The index stays appendable in order.
	_, err = reopened.Append(testRecord(50, "after crash"))
	require.NoError(t, err)
	last, ok = reopened.offsetIndex.Last()
	require.True(t, ok)
	require.Equal(t, uint32(50), last.RelativeOffset)
}

func TestSegmentRebuildMissingIndex(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, 0, Config{})
	require.NoError(t, err)

	numRecords := 5000
	for i := 0; i < numRecords; i++ {
		_, err := seg.Append(testRecord(uint64(i), "record number "+strconv.Itoa(i)))
		require.NoError(t, err)
	}
	require.NoError(t, seg.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "00000000000000000000.idx")))
	require.NoError(t, os.Remove(filepath.Join(dir, "00000000000000000000.timeidx")))

	reopened, err := Load(dir, 0, Config{})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(numRecords), reopened.NextOffset())
	recs, err := reopened.Read(4321, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(4321), recs[0].Offset)
	require.Equal(t, "record number 4321", string(recs[0].Value))
}

func TestSegmentTruncateTo(t *testing.T) {
	seg, _ := setupTestSegment(t)

	for i := 0; i < 100; i++ {
		_, err := seg.Append(testRecord(uint64(i), "record number "+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	require.NoError(t, seg.TruncateTo(40))
	require.Equal(t, uint64(40), seg.NextOffset())

	_, err := seg.Read(40, 0)
	require.ErrorIs(t, err, errs.ErrSegmentOffsetNotFound)

	recs, err := seg.Read(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 40)

	// Appends continue at the cut point.
	off, err := seg.Append(testRecord(40, "replacement"))
	require.NoError(t, err)
	require.Equal(t, uint64(40), off)
}

func TestSegmentLookupTime(t *testing.T) {
	seg, _ := setupTestSegment(t)

	base := int64(1_700_000_000_000)
	for i := 0; i < 1000; i++ {
		rec := record.Record{
			Offset:    uint64(i),
			Timestamp: base + int64(i)*10,
			Value:     []byte("v" + strconv.Itoa(i)),
		}
		_, err := seg.Append(rec)
		require.NoError(t, err)
	}

	off, ok, err := seg.LookupTime(base + 5000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(500), off)

	// A timestamp between records resolves to the next one.
	off, ok, err = seg.LookupTime(base + 5001)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(501), off)

	_, ok, err = seg.LookupTime(base + 1_000_000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSegmentWouldExceedRecordCount(t *testing.T) {
	dir := t.TempDir()
	seg, err := New(dir, 0, Config{MaxSegmentRecords: 10})
	require.NoError(t, err)
	defer seg.Close()

	now := time.Now()
	for i := 0; i < 10; i++ {
		rec := testRecord(uint64(i), "v")
		require.False(t, seg.WouldExceed(rec, now))
		_, err := seg.Append(rec)
		require.NoError(t, err)
	}
	require.True(t, seg.WouldExceed(testRecord(10, "v"), now))
}
