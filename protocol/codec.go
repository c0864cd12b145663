package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

var byteOrder = binary.BigEndian

const (
	messageTypeSize = 2
	lengthSize      = 4
	frameHeaderSize = messageTypeSize + lengthSize
)

// MaxFrameSize caps a single frame payload at 4MB.
const MaxFrameSize = 4 * 1024 * 1024

// Codec encodes and decodes typed messages as framed JSON.
type Codec struct{}

func (c *Codec) Encode(w io.Writer, msg any) error {
	var mType MessageType
	switch msg.(type) {
	case ProduceRequest, *ProduceRequest:
		mType = MsgProduce
	case ProduceResponse, *ProduceResponse:
		mType = MsgProduceResp
	case FetchRequest, *FetchRequest:
		mType = MsgFetch
	case FetchResponse, *FetchResponse:
		mType = MsgFetchResp
	case EpochQueryRequest, *EpochQueryRequest:
		mType = MsgEpochQuery
	case EpochQueryResponse, *EpochQueryResponse:
		mType = MsgEpochQueryResp
	case RPCError, *RPCError:
		mType = MsgRPCError
	default:
		return ErrUnknownMessage(msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.encodeFrame(w, mType, payload)
}

func (c *Codec) Decode(r io.Reader) (MessageType, any, error) {
	mType, payload, err := c.decodeFrame(r)
	if err != nil {
		return 0, nil, err
	}
	var msg any
	switch mType {
	case MsgProduce:
		msg = &ProduceRequest{}
	case MsgProduceResp:
		msg = &ProduceResponse{}
	case MsgFetch:
		msg = &FetchRequest{}
	case MsgFetchResp:
		msg = &FetchResponse{}
	case MsgEpochQuery:
		msg = &EpochQueryRequest{}
	case MsgEpochQueryResp:
		msg = &EpochQueryResponse{}
	case MsgRPCError:
		msg = &RPCError{}
	default:
		return 0, nil, ErrUnknownMessageType(mType)
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return 0, nil, err
	}
	return mType, msg, nil
}

func (c *Codec) encodeFrame(w io.Writer, mType MessageType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	header := make([]byte, frameHeaderSize)
	byteOrder.PutUint16(header, uint16(mType))
	byteOrder.PutUint32(header[messageTypeSize:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (c *Codec) decodeFrame(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	mType := MessageType(byteOrder.Uint16(header))
	length := byteOrder.Uint32(header[messageTypeSize:])
	if length > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return mType, payload, nil
}
