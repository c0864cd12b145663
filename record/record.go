// Package record defines the immutable log record and its binary framing.
// A record on disk (and on the replication stream) is laid out as:
//
//	+--------+--------+--------+-----------------------------------+
//	| Offset | Length |  CRC   |              Payload              |
//	+--------+--------+--------+-----------------------------------+
//	| 8 bytes| 4 bytes| 4 bytes| Length bytes                      |
//	+--------+--------+--------+-----------------------------------+
//
// where Payload is [Timestamp i64][KeyLen i32][Key][Value]. KeyLen -1 means
// a nil key. CRC is crc32 IEEE over the payload only.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/semioz/rafka/errs"
)

const (
	offWidth    = 8
	lenWidth    = 4
	crcWidth    = 4
	HeaderWidth = offWidth + lenWidth + crcWidth

	tsWidth     = 8
	keyLenWidth = 4
)

var endian = binary.BigEndian

// Record is a single immutable message in a partition log.
type Record struct {
	Offset    uint64
	Timestamp int64
	Key       []byte // nil when the record has no key
	Value     []byte
}

func payloadSize(r Record) int {
	return tsWidth + keyLenWidth + len(r.Key) + len(r.Value)
}

// EncodedSize returns the number of bytes Encode produces for r.
func EncodedSize(r Record) int {
	return HeaderWidth + payloadSize(r)
}

// Encode serializes r into the on-disk framing.
func Encode(r Record) []byte {
	buf := make([]byte, EncodedSize(r))
	payload := buf[HeaderWidth:]

	endian.PutUint64(payload[0:tsWidth], uint64(r.Timestamp))
	keyLen := int32(-1)
	if r.Key != nil {
		keyLen = int32(len(r.Key))
	}
	endian.PutUint32(payload[tsWidth:tsWidth+keyLenWidth], uint32(keyLen))
	p := tsWidth + keyLenWidth
	p += copy(payload[p:], r.Key)
	copy(payload[p:], r.Value)

	endian.PutUint64(buf[0:offWidth], r.Offset)
	endian.PutUint32(buf[offWidth:offWidth+lenWidth], uint32(len(payload)))
	endian.PutUint32(buf[offWidth+lenWidth:HeaderWidth], crc32.ChecksumIEEE(payload))
	return buf
}

// Decode parses one record from the start of data and returns it along with
// the number of bytes consumed. It fails with ErrCorruptRecord when the frame
// is truncated or the checksum does not match.
func Decode(data []byte) (Record, int, error) {
	if len(data) < HeaderWidth {
		return Record{}, 0, errs.ErrCorruptRecord
	}
	offset := endian.Uint64(data[0:offWidth])
	length := endian.Uint32(data[offWidth : offWidth+lenWidth])
	storedCRC := endian.Uint32(data[offWidth+lenWidth : HeaderWidth])

	if length < tsWidth+keyLenWidth || int(length) > len(data)-HeaderWidth {
		return Record{}, 0, errs.ErrCorruptRecordAt(offset)
	}
	payload := data[HeaderWidth : HeaderWidth+int(length)]
	if crc := crc32.ChecksumIEEE(payload); crc != storedCRC {
		return Record{}, 0, errs.ErrRecordCRCMismatch(offset, storedCRC, crc)
	}
	rec, err := decodePayload(offset, payload)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, HeaderWidth + int(length), nil
}

func decodePayload(offset uint64, payload []byte) (Record, error) {
	ts := int64(endian.Uint64(payload[0:tsWidth]))
	keyLen := int32(endian.Uint32(payload[tsWidth : tsWidth+keyLenWidth]))
	p := tsWidth + keyLenWidth

	var key []byte
	if keyLen >= 0 {
		if int(keyLen) > len(payload)-p {
			return Record{}, errs.ErrCorruptRecordAt(offset)
		}
		key = make([]byte, keyLen)
		copy(key, payload[p:p+int(keyLen)])
		p += int(keyLen)
	}
	value := make([]byte, len(payload)-p)
	copy(value, payload[p:])
	return Record{Offset: offset, Timestamp: ts, Key: key, Value: value}, nil
}

// ReadFrom reads exactly one framed record from r. io.EOF at a frame boundary
// means the stream is exhausted; a torn frame surfaces as io.ErrUnexpectedEOF.
func ReadFrom(r io.Reader) (Record, error) {
	header := make([]byte, HeaderWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, err
	}
	length := endian.Uint32(header[offWidth : offWidth+lenWidth])
	buf := make([]byte, HeaderWidth+int(length))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[HeaderWidth:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	rec, _, err := Decode(buf)
	return rec, err
}

// PeekHeader reads the header fields without validating the payload.
// Used by recovery and catch-up scans that must inspect offsets cheaply.
func PeekHeader(data []byte) (offset uint64, length uint32, crc uint32, ok bool) {
	if len(data) < HeaderWidth {
		return 0, 0, 0, false
	}
	return endian.Uint64(data[0:offWidth]),
		endian.Uint32(data[offWidth : offWidth+lenWidth]),
		endian.Uint32(data[offWidth+lenWidth : HeaderWidth]),
		true
}

// VerifyPayload reports whether crc matches the payload checksum.
func VerifyPayload(payload []byte, crc uint32) bool {
	return crc32.ChecksumIEEE(payload) == crc
}
