// Package broker ties the node together: it owns the partition registry, the
// peer table, follower fetchers, and the background retention and ISR
// maintenance loops. Leadership assignments arrive from outside via
// ApplyAssignment; the broker never elects leaders itself.
package broker

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semioz/rafka/client"
	"github.com/semioz/rafka/config"
	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/log"
	"github.com/semioz/rafka/partition"
	"github.com/semioz/rafka/record"
	"github.com/semioz/rafka/replication"
	"github.com/semioz/rafka/segment"
)

// Assignment is an externally supplied leadership decision for one partition.
type Assignment struct {
	// Partition names the partition, e.g. "orders-0".
	Partition string
	// LeaderEpoch is the epoch of this assignment; must increase on every
	// leadership change.
	LeaderEpoch uint32
	// Leader is the broker ID of the new leader.
	Leader string
	// LeaderAddr is the leader's RPC address, used when this broker becomes
	// a follower and has no peer entry yet.
	LeaderAddr string
	// Replicas is the assigned replica set including the leader.
	Replicas []string
}

type partitionEntry struct {
	p       *partition.Partition
	fetcher *replication.Fetcher
}

type Broker struct {
	cfg    config.Config
	logger *zap.Logger

	mu         sync.RWMutex
	partitions map[string]*partitionEntry
	peers      *PeerManager

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg config.Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:        cfg,
		logger:     logger.Named("broker").With(zap.String("node", cfg.NodeID)),
		partitions: make(map[string]*partitionEntry),
		peers:      NewPeerManager(),
	}
}

// Start launches the retention and ISR maintenance loops.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		return
	}
	b.stop = make(chan struct{})
	b.wg.Add(2)
	go b.runRetention()
	go b.runISRMaintenance()
}

// AddPeer registers a peer broker address for fetchers to dial.
func (b *Broker) AddPeer(nodeID, addr string) {
	b.peers.Add(nodeID, addr)
}

// ApplyAssignment transitions the named partition per the assignment,
// creating it on first reference. Becoming a follower starts a fetch loop
// against the leader; becoming a leader stops any running fetcher first.
func (b *Broker) ApplyAssignment(a Assignment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, err := b.entryLocked(a.Partition)
	if err != nil {
		return err
	}
	if entry.fetcher != nil {
		entry.fetcher.Stop()
		entry.fetcher = nil
	}

	if a.Leader == b.cfg.NodeID {
		return entry.p.BecomeLeader(a.LeaderEpoch, a.Replicas)
	}

	if err := entry.p.BecomeFollower(a.LeaderEpoch, a.Leader); err != nil {
		return err
	}
	addr := a.LeaderAddr
	if peer := b.peers.Get(a.Leader); peer != nil {
		addr = peer.Addr
	} else if addr != "" {
		b.peers.Add(a.Leader, addr)
	}
	if addr == "" {
		return errs.ErrPeerNotFoundf(a.Leader)
	}

	// Each fetch loop owns its connection to the leader; the fetcher closes
	// it on Stop.
	entry.fetcher = replication.NewFetcher(entry.p, client.NewPartitionClient(addr), replication.Config{
		NodeID:        b.cfg.NodeID,
		FetchMaxBytes: b.cfg.Replication.FetchMaxBytes,
		PollInterval:  b.cfg.Replication.PollInterval,
		BackoffMin:    b.cfg.Replication.BackoffMin,
		BackoffMax:    b.cfg.Replication.BackoffMax,
	}, b.logger)
	entry.fetcher.Start()
	return nil
}

func (b *Broker) entryLocked(id string) (*partitionEntry, error) {
	if entry, ok := b.partitions[id]; ok {
		return entry, nil
	}
	p, err := partition.Open(id, filepath.Join(b.cfg.DataDir, id), partition.Config{
		NodeID:            b.cfg.NodeID,
		ReplicaLagTimeout: b.cfg.Replication.ReplicaLagTimeout,
		AcksTimeout:       b.cfg.AcksTimeout,
		Log: log.Config{
			Segment: segment.Config{
				MaxSegmentBytes:    int64(b.cfg.Segment.MaxSegmentBytes),
				MaxSegmentAge:      b.cfg.Segment.MaxSegmentAge,
				IndexIntervalBytes: uint64(b.cfg.Segment.IndexIntervalBytes),
			},
			Retention: log.RetentionConfig{
				MaxLogBytes: int64(b.cfg.Retention.MaxLogBytes),
				MaxLogAge:   b.cfg.Retention.MaxLogAge,
			},
		},
	}, b.logger)
	if err != nil {
		return nil, err
	}
	entry := &partitionEntry{p: p}
	b.partitions[id] = entry
	b.logger.Info("partition opened", zap.String("partition", id))
	return entry, nil
}

// Partition returns the controller for id.
func (b *Broker) Partition(id string) (*partition.Partition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.partitions[id]
	if !ok {
		return nil, errs.ErrPartitionNotFoundf(id)
	}
	return entry.p, nil
}

// Produce appends to the partition's leader replica on this broker.
func (b *Broker) Produce(ctx context.Context, id string, recs []record.Record, acks partition.Acks) (uint64, error) {
	p, err := b.Partition(id)
	if err != nil {
		return 0, err
	}
	return p.Produce(ctx, recs, acks)
}

// Fetch serves a consumer or replica fetch from the partition's leader
// replica on this broker.
func (b *Broker) Fetch(id, replicaID string, offset uint64, maxBytes uint32) (partition.FetchResult, error) {
	p, err := b.Partition(id)
	if err != nil {
		return partition.FetchResult{}, err
	}
	if maxBytes == 0 || maxBytes > b.cfg.Replication.FetchMaxBytes {
		maxBytes = b.cfg.Replication.FetchMaxBytes
	}
	return p.Fetch(replicaID, offset, maxBytes)
}

// EpochEndOffset answers a follower's epoch reconciliation query.
func (b *Broker) EpochEndOffset(id string, followerEpoch uint32) (uint64, uint32, error) {
	p, err := b.Partition(id)
	if err != nil {
		return 0, 0, err
	}
	off, err := p.EpochEndOffset(followerEpoch)
	if err != nil {
		return 0, p.LeaderEpoch(), err
	}
	return off, p.LeaderEpoch(), nil
}

func (b *Broker) runRetention() {
	defer b.wg.Done()
	interval := b.cfg.Retention.CheckInterval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			for _, p := range b.snapshotPartitions() {
				if removed, err := p.ApplyRetention(now); err != nil {
					b.logger.Warn("retention pass failed",
						zap.String("partition", p.ID),
						zap.Error(err),
					)
				} else if removed > 0 {
					b.logger.Info("retention removed segments",
						zap.String("partition", p.ID),
						zap.Int("segments", removed),
					)
				}
			}
		}
	}
}

func (b *Broker) runISRMaintenance() {
	defer b.wg.Done()
	interval := b.cfg.Replication.ISRCheckInterval
	if interval == 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			for _, p := range b.snapshotPartitions() {
				p.MaintainISR(now)
			}
		}
	}
}

func (b *Broker) snapshotPartitions() []*partition.Partition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*partition.Partition, 0, len(b.partitions))
	for _, entry := range b.partitions {
		out = append(out, entry.p)
	}
	return out
}

// Close stops background loops and fetchers, then flushes and closes every
// partition.
func (b *Broker) Close() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		if b.stop != nil {
			close(b.stop)
		}
		b.mu.Unlock()
		b.wg.Wait()
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for id, entry := range b.partitions {
		if entry.fetcher != nil {
			entry.fetcher.Stop()
			entry.fetcher = nil
		}
		if err := entry.p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.partitions, id)
	}
	return firstErr
}
