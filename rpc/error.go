package rpc

import (
	"errors"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/protocol"
)

// CodeFor returns the protocol RPC code for the given error.
func CodeFor(err error) int32 {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, errs.ErrNotLeader):
		return protocol.CodeNotLeader
	case errors.Is(err, errs.ErrOffsetOutOfRange), errors.Is(err, errs.ErrSegmentOffsetNotFound):
		return protocol.CodeOffsetOutOfRange
	case errors.Is(err, errs.ErrOutOfOrder):
		return protocol.CodeOutOfOrder
	case errors.Is(err, errs.ErrCorruptRecord):
		return protocol.CodeCorruptRecord
	case errors.Is(err, errs.ErrPartitionOffline):
		return protocol.CodePartitionOffline
	case errors.Is(err, errs.ErrTimeoutCatchUp):
		return protocol.CodeTimeout
	case errors.Is(err, errs.ErrPartitionNotFound):
		return protocol.CodePartitionNotFound
	case errors.Is(err, errs.ErrInvalidAcks), errors.Is(err, errs.ErrEmptyBatch):
		return protocol.CodeInvalidAcks
	default:
		return protocol.CodeUnknown
	}
}

// FromError maps an error to the RPCError envelope sent to clients.
// leaderEpoch rides along on NotLeader so followers learn the current epoch
// without another round trip.
func FromError(err error, leaderEpoch uint32) *protocol.RPCError {
	if err == nil {
		return nil
	}
	rpcErr := &protocol.RPCError{Code: CodeFor(err), Message: err.Error()}
	if rpcErr.Code == protocol.CodeNotLeader {
		rpcErr.LeaderEpoch = leaderEpoch
	}
	return rpcErr
}
