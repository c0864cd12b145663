package client

import (
	"fmt"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/protocol"
)

// errorFromRPC converts an RPCError envelope back into a sentinel-wrapped
// error so callers can use errors.Is, keeping the epoch from NotLeader
// responses in the message.
func errorFromRPC(rpcErr *protocol.RPCError) error {
	var sentinel error
	switch rpcErr.Code {
	case protocol.CodeNotLeader:
		return &NotLeaderError{LeaderEpoch: rpcErr.LeaderEpoch, Message: rpcErr.Message}
	case protocol.CodeOffsetOutOfRange:
		sentinel = errs.ErrOffsetOutOfRange
	case protocol.CodeOutOfOrder:
		sentinel = errs.ErrOutOfOrder
	case protocol.CodeCorruptRecord:
		sentinel = errs.ErrCorruptRecord
	case protocol.CodePartitionOffline:
		sentinel = errs.ErrPartitionOffline
	case protocol.CodeTimeout:
		sentinel = errs.ErrTimeoutCatchUp
	case protocol.CodePartitionNotFound:
		sentinel = errs.ErrPartitionNotFound
	case protocol.CodeInvalidAcks:
		sentinel = errs.ErrInvalidAcks
	default:
		return rpcErr
	}
	return fmt.Errorf("%s: %w", rpcErr.Message, sentinel)
}

// NotLeaderError is returned when the remote broker is not the partition
// leader. LeaderEpoch is the remote's current epoch, which a follower
// compares against its own to detect a leadership change.
type NotLeaderError struct {
	LeaderEpoch uint32
	Message     string
}

func (e *NotLeaderError) Error() string {
	return e.Message
}

func (e *NotLeaderError) Is(target error) bool {
	return target == errs.ErrNotLeader
}
