// Package rpc exposes the broker's partition operations over the framed TCP
// transport and maps storage errors onto wire error codes.
package rpc

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/semioz/rafka/broker"
	"github.com/semioz/rafka/partition"
	"github.com/semioz/rafka/protocol"
	"github.com/semioz/rafka/transport"
)

type Server struct {
	broker    *broker.Broker
	transport *transport.Server
	logger    *zap.Logger
}

func NewServer(b *broker.Broker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broker:    b,
		transport: transport.NewServer(logger),
		logger:    logger.Named("rpc"),
	}
	s.transport.RegisterHandler(protocol.MsgProduce, s.handleProduce)
	s.transport.RegisterHandler(protocol.MsgFetch, s.handleFetch)
	s.transport.RegisterHandler(protocol.MsgEpochQuery, s.handleEpochQuery)
	return s
}

func (s *Server) Listen(addr string) (net.Listener, error) {
	return s.transport.Listen(addr)
}

func (s *Server) Serve(ln net.Listener) {
	s.transport.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	return s.transport.ListenAndServe(addr)
}

func (s *Server) Addr() string {
	return s.transport.Addr()
}

func (s *Server) Close() error {
	return s.transport.Close()
}

func (s *Server) handleProduce(ctx context.Context, msg any) (any, error) {
	req := msg.(*protocol.ProduceRequest)
	base, err := s.broker.Produce(ctx, req.Partition, protocol.FromRecordData(req.Records), partition.Acks(req.Acks))
	if err != nil {
		if req.Acks == 0 {
			// Fire-and-forget: the client is not waiting for an answer.
			s.logger.Warn("acks=0 produce failed",
				zap.String("partition", req.Partition),
				zap.Error(err),
			)
			return nil, nil
		}
		return nil, s.rpcError(req.Partition, err)
	}
	if req.Acks == 0 {
		return nil, nil
	}
	return &protocol.ProduceResponse{
		Partition:  req.Partition,
		BaseOffset: base,
		Count:      uint32(len(req.Records)),
	}, nil
}

func (s *Server) handleFetch(ctx context.Context, msg any) (any, error) {
	req := msg.(*protocol.FetchRequest)
	res, err := s.broker.Fetch(req.Partition, req.ReplicaID, req.Offset, req.MaxBytes)
	if err != nil {
		return nil, s.rpcError(req.Partition, err)
	}
	return &protocol.FetchResponse{
		Partition:     req.Partition,
		Records:       protocol.ToRecordData(res.Records),
		HighWatermark: res.HighWatermark,
		LeaderEpoch:   res.LeaderEpoch,
	}, nil
}

func (s *Server) handleEpochQuery(ctx context.Context, msg any) (any, error) {
	req := msg.(*protocol.EpochQueryRequest)
	endOffset, leaderEpoch, err := s.broker.EpochEndOffset(req.Partition, req.LeaderEpoch)
	if err != nil {
		return nil, s.rpcError(req.Partition, err)
	}
	return &protocol.EpochQueryResponse{
		Partition:   req.Partition,
		EndOffset:   endOffset,
		LeaderEpoch: leaderEpoch,
	}, nil
}

// rpcError wraps err into the wire envelope, attaching the partition's
// current epoch so NotLeader responses let followers detect epoch changes.
func (s *Server) rpcError(partitionID string, err error) error {
	var epoch uint32
	if p, perr := s.broker.Partition(partitionID); perr == nil {
		epoch = p.LeaderEpoch()
	}
	return FromError(err, epoch)
}
