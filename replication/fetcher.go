// Package replication runs the follower side of partition replication: a
// fetch loop per partition that pulls records from the leader, reconciles
// divergent log tails across leadership changes, and tracks the leader's
// high-watermark.
package replication

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semioz/rafka/client"
	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/partition"
	"github.com/semioz/rafka/protocol"
)

// LeaderClient is the subset of client.PartitionClient the fetcher needs.
type LeaderClient interface {
	Fetch(ctx context.Context, partition, replicaID string, offset uint64, maxBytes uint32) (*protocol.FetchResponse, error)
	EpochEndOffset(ctx context.Context, partition string, leaderEpoch uint32) (*protocol.EpochQueryResponse, error)
}

// Config carries the fetch loop knobs.
type Config struct {
	// NodeID identifies this broker in replica fetches.
	NodeID string
	// FetchMaxBytes caps the record bytes requested per fetch.
	FetchMaxBytes uint32
	// PollInterval is the wait after an empty fetch (caught up).
	PollInterval time.Duration
	// BackoffMin and BackoffMax bound the retry backoff when the leader is
	// unreachable or failing.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c *Config) setDefaults() {
	if c.FetchMaxBytes == 0 {
		c.FetchMaxBytes = 1 << 20
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 50 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = time.Second
	}
}

// Fetcher replicates one partition from its leader. Fetchers for different
// partitions are fully independent.
type Fetcher struct {
	p      *partition.Partition
	client LeaderClient
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFetcher(p *partition.Partition, cl LeaderClient, cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	return &Fetcher{
		p:      p,
		client: cl,
		cfg:    cfg,
		logger: logger.Named("replication").With(zap.String("partition", p.ID)),
	}
}

// Start launches the fetch loop. No-op if already running.
func (f *Fetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop cancels the loop, waits for it to exit, and closes the leader client
// if it owns a connection. Cancellation is observed between fetches, never
// mid-append.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if closer, ok := f.client.(io.Closer); ok {
		closer.Close()
	}
}

func (f *Fetcher) run(ctx context.Context) {
	defer close(f.done)
	backoff := f.cfg.BackoffMin

	// Before the first fetch the local tail may hold records from an older
	// leadership that the current leader never committed. The role transition
	// already adopted the leader's epoch, so no fetch response would ever
	// reveal the divergence; reconcile explicitly against the epoch that
	// wrote the tail.
	synced := false

	for {
		if ctx.Err() != nil {
			return
		}

		var progressed bool
		var err error
		if !synced {
			if err = f.reconcile(ctx, f.p.LeaderEpoch()); err == nil {
				synced = true
				continue
			}
		} else {
			progressed, err = f.fetchOnce(ctx)
		}
		switch {
		case err == nil && progressed:
			backoff = f.cfg.BackoffMin
			continue
		case err == nil:
			// Caught up with the leader.
			backoff = f.cfg.BackoffMin
			if !f.sleep(ctx, f.cfg.PollInterval) {
				return
			}
		case errors.Is(err, errs.ErrPartitionOffline):
			f.logger.Error("partition offline, stopping fetch loop", zap.Error(err))
			return
		default:
			f.logger.Warn("fetch failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !f.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > f.cfg.BackoffMax {
				backoff = f.cfg.BackoffMax
			}
		}
	}
}

// fetchOnce performs one fetch round trip. It reports whether new records
// were appended.
func (f *Fetcher) fetchOnce(ctx context.Context) (bool, error) {
	leo := f.p.LogEndOffset()
	resp, err := f.client.Fetch(ctx, f.p.ID, f.cfg.NodeID, leo, f.cfg.FetchMaxBytes)
	if err != nil {
		var notLeader *client.NotLeaderError
		if errors.As(err, &notLeader) && notLeader.LeaderEpoch > f.p.LeaderEpoch() {
			return false, f.reconcile(ctx, notLeader.LeaderEpoch)
		}
		return false, err
	}

	// The leader moved to a newer epoch; our tail may diverge from it.
	if resp.LeaderEpoch > f.p.LeaderEpoch() {
		return false, f.reconcile(ctx, resp.LeaderEpoch)
	}

	if len(resp.Records) > 0 {
		if err := f.p.AppendAsFollower(protocol.FromRecordData(resp.Records)); err != nil {
			return false, err
		}
	}
	f.p.SetHighWatermark(resp.HighWatermark)
	return len(resp.Records) > 0, nil
}

// reconcile truncates the local tail to where the epoch that wrote it ended
// on the leader, then adopts the leader's epoch. After this the local log is
// a prefix of the leader's and normal fetching resumes.
func (f *Fetcher) reconcile(ctx context.Context, leaderEpoch uint32) error {
	localEpoch := f.p.TailEpoch()
	resp, err := f.client.EpochEndOffset(ctx, f.p.ID, localEpoch)
	if err != nil {
		return err
	}

	truncateAt := resp.EndOffset
	if leo := f.p.LogEndOffset(); leo < truncateAt {
		truncateAt = leo
	}
	if truncateAt < f.p.LogEndOffset() {
		if err := f.p.TruncateTo(truncateAt); err != nil {
			return err
		}
		f.logger.Info("reconciled divergent tail",
			zap.Uint32("local_epoch", localEpoch),
			zap.Uint32("leader_epoch", leaderEpoch),
			zap.Uint64("truncated_to", truncateAt),
		)
	}
	return f.p.AdoptEpoch(leaderEpoch)
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
