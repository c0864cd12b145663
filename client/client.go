// Package client implements the broker RPC client used by producers,
// consumers, and the follower replication fetcher.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/protocol"
	"github.com/semioz/rafka/record"
	"github.com/semioz/rafka/transport"
)

// PartitionClient talks to one broker. The connection is dialed lazily on the
// first call and redialed after connection-level failures. Calls are
// serialized; use one client per goroutine for concurrency.
type PartitionClient struct {
	mu   sync.Mutex
	addr string
	conn *transport.Conn
}

func NewPartitionClient(addr string) *PartitionClient {
	return &PartitionClient{addr: addr}
}

func (c *PartitionClient) Addr() string {
	return c.addr
}

// Produce appends records to the partition's leader and returns the base
// offset assigned to the batch. With acks=0 the call returns after the
// request is written, without waiting for a broker response.
func (c *PartitionClient) Produce(ctx context.Context, partition string, recs []record.Record, acks int8) (uint64, error) {
	req := &protocol.ProduceRequest{
		Partition: partition,
		Acks:      acks,
		Records:   protocol.ToRecordData(recs),
	}

	if acks == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		conn, err := c.connLocked()
		if err != nil {
			return 0, err
		}
		if err := conn.Send(req); err != nil {
			c.maybeDropLocked(err)
			return 0, err
		}
		return 0, nil
	}

	resp, err := c.call(ctx, req)
	if err != nil {
		return 0, err
	}
	produceResp, ok := resp.(*protocol.ProduceResponse)
	if !ok {
		return 0, fmt.Errorf("client: unexpected response type %T", resp)
	}
	return produceResp.BaseOffset, nil
}

// Fetch reads records starting at offset. A non-empty replicaID identifies
// the caller as a follower broker, exempting the read from the
// high-watermark cap.
func (c *PartitionClient) Fetch(ctx context.Context, partition, replicaID string, offset uint64, maxBytes uint32) (*protocol.FetchResponse, error) {
	resp, err := c.call(ctx, &protocol.FetchRequest{
		Partition: partition,
		ReplicaID: replicaID,
		Offset:    offset,
		MaxBytes:  maxBytes,
	})
	if err != nil {
		return nil, err
	}
	fetchResp, ok := resp.(*protocol.FetchResponse)
	if !ok {
		return nil, fmt.Errorf("client: unexpected response type %T", resp)
	}
	return fetchResp, nil
}

// EpochEndOffset asks the leader where the given epoch ended, for follower
// truncation after a leadership change.
func (c *PartitionClient) EpochEndOffset(ctx context.Context, partition string, leaderEpoch uint32) (*protocol.EpochQueryResponse, error) {
	resp, err := c.call(ctx, &protocol.EpochQueryRequest{
		Partition:   partition,
		LeaderEpoch: leaderEpoch,
	})
	if err != nil {
		return nil, err
	}
	queryResp, ok := resp.(*protocol.EpochQueryResponse)
	if !ok {
		return nil, fmt.Errorf("client: unexpected response type %T", resp)
	}
	return queryResp, nil
}

func (c *PartitionClient) call(ctx context.Context, req any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked()
	if err != nil {
		return nil, err
	}
	resp, err := conn.Call(req)
	if err != nil {
		c.maybeDropLocked(err)
		return nil, err
	}
	if rpcErr, ok := resp.(*protocol.RPCError); ok {
		return nil, errorFromRPC(rpcErr)
	}
	return resp, nil
}

func (c *PartitionClient) connLocked() (*transport.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := transport.Dial(c.addr)
	if err != nil {
		return nil, errs.ErrLeaderUnreachablef(c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

// maybeDropLocked discards the connection after transport-level failures so
// the next call redials. Errors that leave the stream in sync keep it.
func (c *PartitionClient) maybeDropLocked(err error) {
	if protocol.ShouldReconnect(err) {
		c.dropLocked()
	}
}

func (c *PartitionClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *PartitionClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
