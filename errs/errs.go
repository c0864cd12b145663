// Package errs provides shared errors for rafka, grouped by layer (record, segment,
// log, partition, replication, protocol). Check errors with errors.Is(err, errs.ErrX).
// RPC code mapping lives in rpc.CodeFor.
package errs

import (
	"errors"
	"fmt"
)

// Record errors (corrupt framing or checksum).

var ErrCorruptRecord = errors.New("record: corrupt record")

func ErrCorruptRecordAt(offset uint64) error {
	return fmt.Errorf("corrupt record at offset %d: %w", offset, ErrCorruptRecord)
}

func ErrRecordCRCMismatch(offset uint64, stored, computed uint32) error {
	return fmt.Errorf("record at offset %d: crc mismatch (stored %08x, computed %08x): %w",
		offset, stored, computed, ErrCorruptRecord)
}

// Segment errors (range checks, sealed segment).

var (
	ErrSegmentOffsetNotFound = errors.New("segment: offset not found")
	ErrSegmentSealed         = errors.New("segment: sealed")
)

func ErrSegmentOffsetOutOfRange(offset, base, next uint64) error {
	return fmt.Errorf("offset %d out of range [%d, %d): %w", offset, base, next, ErrSegmentOffsetNotFound)
}

func ErrSeekFailed(err error) error     { return fmt.Errorf("failed to seek: %w", err) }
func ErrTruncateFailed(err error) error { return fmt.Errorf("truncate failed: %w", err) }
func ErrIndexSyncFailed(err error) error {
	return fmt.Errorf("index sync failed: %w", err)
}

// Index invariant violation: entries must be appended in strictly increasing key order.

var ErrOutOfOrder = errors.New("index: out of order append")

func ErrIndexOutOfOrderf(key, last uint64) error {
	return fmt.Errorf("index key %d not greater than last %d: %w", key, last, ErrOutOfOrder)
}

// Log errors (offset range, contiguity).

var (
	ErrOffsetOutOfRange  = errors.New("log: offset out of range")
	ErrSegmentDiscontinuity = errors.New("log: segment discontinuity")
)

func ErrOffsetOutOfRangef(offset, start, end uint64) error {
	return fmt.Errorf("offset %d outside [%d, %d]: %w", offset, start, end, ErrOffsetOutOfRange)
}

func ErrSegmentDiscontinuityf(prevNext, base uint64) error {
	return fmt.Errorf("segment base %d does not follow previous end %d: %w", base, prevNext, ErrSegmentDiscontinuity)
}

// Partition errors (role, epoch, acks, offline).

var (
	ErrNotLeader        = errors.New("partition: not leader")
	ErrNotFollower      = errors.New("partition: not follower")
	ErrPartitionOffline = errors.New("partition: offline")
	ErrStaleEpoch       = errors.New("partition: stale leader epoch")
	ErrInvalidAcks      = errors.New("partition: invalid acks mode")
	ErrTimeoutCatchUp   = errors.New("partition: timeout before ISR caught up")
	ErrEmptyBatch       = errors.New("partition: record batch is empty")
	ErrUnknownReplica   = errors.New("partition: replica not in assignment")
)

func ErrNotLeaderf(id string, epoch uint32) error {
	return fmt.Errorf("partition %s: not leader (epoch %d): %w", id, epoch, ErrNotLeader)
}

func ErrPartitionOfflinef(id string) error {
	return fmt.Errorf("partition %s: offline: %w", id, ErrPartitionOffline)
}

func ErrStaleEpochf(got, have uint32) error {
	return fmt.Errorf("epoch %d not greater than current %d: %w", got, have, ErrStaleEpoch)
}

func ErrInvalidAcksf(acks int32) error {
	return fmt.Errorf("invalid acks mode %d: %w", acks, ErrInvalidAcks)
}

func ErrUnknownReplicaf(replicaID, id string) error {
	return fmt.Errorf("replica %s not assigned to partition %s: %w", replicaID, id, ErrUnknownReplica)
}

var ErrMetadataCorrupt = errors.New("partition: metadata file corrupt")

func ErrCorruptMetadata(err error) error {
	return fmt.Errorf("decode partition metadata: %v: %w", err, ErrMetadataCorrupt)
}

// Broker errors.

var (
	ErrPartitionNotFound = errors.New("broker: partition not found")
	ErrPeerNotFound      = errors.New("broker: peer not found")
)

func ErrPartitionNotFoundf(id string) error {
	return fmt.Errorf("partition %s not found: %w", id, ErrPartitionNotFound)
}

func ErrPeerNotFoundf(nodeID string) error {
	return fmt.Errorf("peer %s not found: %w", nodeID, ErrPeerNotFound)
}

// Replication errors.

var ErrLeaderUnreachable = errors.New("replication: leader unreachable")

func ErrLeaderUnreachablef(addr string, err error) error {
	return fmt.Errorf("leader %s unreachable: %v: %w", addr, err, ErrLeaderUnreachable)
}
