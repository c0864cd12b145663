package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Sentinels local to this package so it stays free of broker-side imports.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")

func ErrUnknownMessageType(mType MessageType) error {
	return fmt.Errorf("protocol: unknown message type: %d", mType)
}

func ErrUnknownMessage(msg any) error {
	return fmt.Errorf("protocol: no message type for %T", msg)
}

// ShouldReconnect reports whether the error means the connection is unusable
// and the caller should dial again rather than retry on the same conn. An
// oversized frame counts: its body is never read, leaving the stream out of
// sync.
func ShouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, ErrFrameTooLarge) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
