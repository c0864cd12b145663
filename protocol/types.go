// Package protocol defines the broker's wire messages and their framing.
// Every frame is a 2-byte message type, a 4-byte big-endian payload length,
// and a JSON payload.
package protocol

import (
	"fmt"

	"github.com/semioz/rafka/record"
)

type MessageType uint16

const (
	MsgProduce        MessageType = 1
	MsgProduceResp    MessageType = 2
	MsgFetch          MessageType = 3
	MsgFetchResp      MessageType = 4
	MsgEpochQuery     MessageType = 5
	MsgEpochQueryResp MessageType = 6
	MsgRPCError       MessageType = 7
)

// RPC error codes carried in RPCError responses.
const (
	CodeUnknown           int32 = 0
	CodeNotLeader         int32 = 1
	CodeOffsetOutOfRange  int32 = 2
	CodeOutOfOrder        int32 = 3
	CodeCorruptRecord     int32 = 4
	CodePartitionOffline  int32 = 5
	CodeTimeout           int32 = 6
	CodePartitionNotFound int32 = 7
	CodeInvalidAcks       int32 = 8
)

// RPCError is the error envelope a broker sends instead of a normal response.
// LeaderEpoch is set on CodeNotLeader so followers can detect epoch changes
// without a separate round trip.
type RPCError struct {
	Code        int32  `json:"code"`
	Message     string `json:"message"`
	LeaderEpoch uint32 `json:"leader_epoch,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (code %d): %s", e.Code, e.Message)
}

// RecordData is the wire form of one record. Offset is leader-assigned and
// only meaningful in responses and replica traffic.
type RecordData struct {
	Offset    uint64 `json:"offset"`
	Timestamp int64  `json:"timestamp"`
	Key       []byte `json:"key,omitempty"`
	Value     []byte `json:"value"`
}

type ProduceRequest struct {
	Partition string       `json:"partition"`
	Acks      int8         `json:"acks"`
	Records   []RecordData `json:"records"`
}

type ProduceResponse struct {
	Partition  string `json:"partition"`
	BaseOffset uint64 `json:"base_offset"`
	Count      uint32 `json:"count"`
}

// FetchRequest reads records starting at Offset. ReplicaID is set on fetches
// from follower brokers; consumer fetches leave it empty and only see
// committed records.
type FetchRequest struct {
	Partition string `json:"partition"`
	ReplicaID string `json:"replica_id,omitempty"`
	Offset    uint64 `json:"offset"`
	MaxBytes  uint32 `json:"max_bytes,omitempty"`
}

type FetchResponse struct {
	Partition     string       `json:"partition"`
	Records       []RecordData `json:"records,omitempty"`
	HighWatermark uint64       `json:"high_watermark"`
	LeaderEpoch   uint32       `json:"leader_epoch"`
}

// EpochQueryRequest asks a leader where the follower's epoch ended, used to
// find the truncation point after a leadership change.
type EpochQueryRequest struct {
	Partition   string `json:"partition"`
	LeaderEpoch uint32 `json:"leader_epoch"`
}

type EpochQueryResponse struct {
	Partition   string `json:"partition"`
	EndOffset   uint64 `json:"end_offset"`
	LeaderEpoch uint32 `json:"leader_epoch"`
}

// ToRecordData converts records to their wire form.
func ToRecordData(recs []record.Record) []RecordData {
	if len(recs) == 0 {
		return nil
	}
	out := make([]RecordData, len(recs))
	for i, rec := range recs {
		out[i] = RecordData{
			Offset:    rec.Offset,
			Timestamp: rec.Timestamp,
			Key:       rec.Key,
			Value:     rec.Value,
		}
	}
	return out
}

// FromRecordData converts wire records back to storage records.
func FromRecordData(data []RecordData) []record.Record {
	if len(data) == 0 {
		return nil
	}
	out := make([]record.Record, len(data))
	for i, rd := range data {
		out[i] = record.Record{
			Offset:    rd.Offset,
			Timestamp: rd.Timestamp,
			Key:       rd.Key,
			Value:     rd.Value,
		}
	}
	return out
}
