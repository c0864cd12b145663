package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/record"
)

func setupTestPartition(t *testing.T, cfg Config) *Partition {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "broker-1"
	}
	p, err := Open("orders-0", t.TempDir(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func batch(values ...string) []record.Record {
	out := make([]record.Record, len(values))
	now := time.Now().UnixMilli()
	for i, v := range values {
		out[i] = record.Record{Timestamp: now, Value: []byte(v)}
	}
	return out
}

func TestPartitionProduceRequiresLeadership(t *testing.T) {
	p := setupTestPartition(t, Config{})

	_, err := p.Produce(context.Background(), batch("a"), AcksLeader)
	require.ErrorIs(t, err, errs.ErrNotLeader)

	require.NoError(t, p.BecomeFollower(1, "broker-2"))
	_, err = p.Produce(context.Background(), batch("a"), AcksLeader)
	require.ErrorIs(t, err, errs.ErrNotLeader)

	require.NoError(t, p.BecomeLeader(2, []string{"broker-1"}))
	base, err := p.Produce(context.Background(), batch("a", "b", "c"), AcksLeader)
	require.NoError(t, err)
	require.Equal(t, uint64(0), base)
	require.Equal(t, uint64(3), p.LogEndOffset())
}

func TestPartitionRejectsStaleEpoch(t *testing.T) {
	p := setupTestPartition(t, Config{})

	require.NoError(t, p.BecomeLeader(3, []string{"broker-1"}))
	require.ErrorIs(t, p.BecomeLeader(3, []string{"broker-1"}), errs.ErrStaleEpoch)
	require.ErrorIs(t, p.BecomeFollower(2, "broker-2"), errs.ErrStaleEpoch)
	require.NoError(t, p.BecomeFollower(4, "broker-2"))
}

func TestPartitionInvalidAcks(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1"}))

	_, err := p.Produce(context.Background(), batch("a"), Acks(7))
	require.ErrorIs(t, err, errs.ErrInvalidAcks)
}

func TestPartitionAcksAllSingleReplica(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1"}))

	// With the leader as the only ISR member, the high-watermark covers the
	// batch immediately.
	base, err := p.Produce(context.Background(), batch("a", "b"), AcksAll)
	require.NoError(t, err)
	require.Equal(t, uint64(0), base)
	require.Equal(t, uint64(2), p.HighWatermark())
}

func TestPartitionAcksAllWaitsForISR(t *testing.T) {
	p := setupTestPartition(t, Config{AcksTimeout: 200 * time.Millisecond})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))

	// broker-2 starts in the ISR and reports progress at offset 0.
	_, err := p.Fetch("broker-2", 0, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"broker-1", "broker-2"}, p.ISR())

	done := make(chan error, 1)
	go func() {
		_, err := p.Produce(context.Background(), batch("a", "b", "c"), AcksAll)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("produce returned before follower caught up: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Follower fetches at the new log end, HW advances, produce unblocks.
	_, err = p.Fetch("broker-2", 3, 0)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, uint64(3), p.HighWatermark())
}

func TestPartitionAcksAllTimeout(t *testing.T) {
	p := setupTestPartition(t, Config{AcksTimeout: 50 * time.Millisecond})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))

	_, err := p.Fetch("broker-2", 0, 0)
	require.NoError(t, err)

	_, err = p.Produce(context.Background(), batch("a"), AcksAll)
	require.ErrorIs(t, err, errs.ErrTimeoutCatchUp)
}

func TestPartitionAcksAllContextCancel(t *testing.T) {
	p := setupTestPartition(t, Config{AcksTimeout: 10 * time.Second})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))

	_, err := p.Fetch("broker-2", 0, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Produce(ctx, batch("a"), AcksAll)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPartitionHighWatermarkMinOverISR(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2", "broker-3"}))

	_, err := p.Produce(context.Background(), batch("a", "b", "c", "d", "e"), AcksLeader)
	require.NoError(t, err)
	require.Zero(t, p.HighWatermark())

	// Both assigned followers sit in the ISR with no reported progress, so
	// the high-watermark waits for them. It moves once both reach 5.
	_, err = p.Fetch("broker-2", 5, 0)
	require.NoError(t, err)
	_, err = p.Fetch("broker-3", 5, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), p.HighWatermark())

	_, err = p.Produce(context.Background(), batch("f", "g"), AcksLeader)
	require.NoError(t, err)
	_, err = p.Fetch("broker-2", 7, 0)
	require.NoError(t, err)
	_, err = p.Fetch("broker-3", 5, 0)
	require.NoError(t, err)

	// HW held back by broker-3 at 5.
	require.Equal(t, uint64(5), p.HighWatermark())
}

func TestPartitionHighWatermarkMonotonic(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))

	_, err := p.Produce(context.Background(), batch("a", "b", "c"), AcksLeader)
	require.NoError(t, err)
	_, err = p.Fetch("broker-2", 3, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), p.HighWatermark())

	// A replica re-fetching from an older offset must not move HW backward.
	_, err = p.Fetch("broker-2", 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), p.HighWatermark())
}

func TestPartitionISRShrinkAndRejoin(t *testing.T) {
	p := setupTestPartition(t, Config{ReplicaLagTimeout: 100 * time.Millisecond})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2", "broker-3"}))

	_, err := p.Produce(context.Background(), batch("a", "b", "c", "d", "e"), AcksLeader)
	require.NoError(t, err)
	_, err = p.Fetch("broker-2", 5, 0)
	require.NoError(t, err)
	_, err = p.Fetch("broker-3", 5, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"broker-1", "broker-2", "broker-3"}, p.ISR())
	require.Equal(t, uint64(5), p.HighWatermark())

	// broker-3 stops fetching. Once its last fetch ages past the lag
	// timeout it leaves the ISR and stops holding back the high-watermark.
	_, err = p.Produce(context.Background(), batch("f", "g"), AcksLeader)
	require.NoError(t, err)
	_, err = p.Fetch("broker-2", 7, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), p.HighWatermark())

	p.mu.Lock()
	p.replicas["broker-3"].LastFetchTime = time.Now().Add(-time.Second)
	p.mu.Unlock()
	p.MaintainISR(time.Now())
	require.ElementsMatch(t, []string{"broker-1", "broker-2"}, p.ISR())
	require.Equal(t, uint64(7), p.HighWatermark())

	// broker-3 resumes and catches up to the log end: re-admitted.
	_, err = p.Fetch("broker-3", 7, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"broker-1", "broker-2", "broker-3"}, p.ISR())
}

func TestPartitionLeaderInheritsAssignedISR(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2", "broker-3"}))
	require.ElementsMatch(t, []string{"broker-1", "broker-2", "broker-3"}, p.ISR())

	// No follower has reported progress: the high-watermark cannot move.
	_, err := p.Produce(context.Background(), batch("a", "b"), AcksLeader)
	require.NoError(t, err)
	require.Zero(t, p.HighWatermark())
}

func TestPartitionReplicaFetchBeyondLogEnd(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))
	_, err := p.Produce(context.Background(), batch("a", "b", "c", "d", "e"), AcksLeader)
	require.NoError(t, err)

	p.mu.Lock()
	p.replicas["broker-2"].LastFetchTime = time.Now().Add(-time.Minute)
	p.mu.Unlock()
	p.MaintainISR(time.Now())
	require.ElementsMatch(t, []string{"broker-1"}, p.ISR())
	require.Equal(t, uint64(5), p.HighWatermark())

	// A replica whose log diverged past ours is refused and must not count
	// as in sync.
	_, err = p.Fetch("broker-2", 50, 0)
	require.ErrorIs(t, err, errs.ErrOffsetOutOfRange)
	require.ElementsMatch(t, []string{"broker-1"}, p.ISR())

	// After reconciling to a real offset it rejoins.
	_, err = p.Fetch("broker-2", 5, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"broker-1", "broker-2"}, p.ISR())
}

func TestPartitionFetchUnknownReplica(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))

	_, err := p.Fetch("broker-9", 0, 0)
	require.ErrorIs(t, err, errs.ErrUnknownReplica)
}

func TestPartitionConsumerFetchCappedAtHW(t *testing.T) {
	p := setupTestPartition(t, Config{})
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1", "broker-2"}))

	_, err := p.Produce(context.Background(), batch("a", "b", "c", "d", "e"), AcksLeader)
	require.NoError(t, err)
	_, err = p.Fetch("broker-2", 3, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), p.HighWatermark())

	// Consumers only see committed records.
	res, err := p.Fetch("", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Records, 3)
	require.Equal(t, uint64(3), res.HighWatermark)

	res, err = p.Fetch("", 3, 0)
	require.NoError(t, err)
	require.Empty(t, res.Records)

	_, err = p.Fetch("", 4, 0)
	require.ErrorIs(t, err, errs.ErrOffsetOutOfRange)

	// Replica fetches are not capped.
	res, err = p.Fetch("broker-2", 3, 0)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
}

func TestPartitionEpochEndOffset(t *testing.T) {
	p := setupTestPartition(t, Config{})

	// Epoch 1 covers offsets [0, 40), epoch 2 starts at 40.
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1"}))
	for i := 0; i < 40; i++ {
		_, err := p.Produce(context.Background(), batch("v"), AcksLeader)
		require.NoError(t, err)
	}
	require.NoError(t, p.BecomeLeader(2, []string{"broker-1"}))
	for i := 0; i < 10; i++ {
		_, err := p.Produce(context.Background(), batch("v"), AcksLeader)
		require.NoError(t, err)
	}

	off, err := p.EpochEndOffset(1)
	require.NoError(t, err)
	require.Equal(t, uint64(40), off)

	// Current epoch: answer is the leader's log end offset.
	off, err = p.EpochEndOffset(2)
	require.NoError(t, err)
	require.Equal(t, uint64(50), off)

	// An epoch older than any known one ends where the first known begins.
	off, err = p.EpochEndOffset(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
}

func TestPartitionMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{NodeID: "broker-1"}

	p, err := Open("orders-0", dir, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, p.BecomeLeader(1, []string{"broker-1"}))
	for i := 0; i < 40; i++ {
		_, err := p.Produce(context.Background(), batch("v"), AcksLeader)
		require.NoError(t, err)
	}
	require.NoError(t, p.BecomeLeader(2, []string{"broker-1"}))
	require.NoError(t, p.Close())

	reopened, err := Open("orders-0", dir, cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint32(2), reopened.LeaderEpoch())
	require.ErrorIs(t, reopened.BecomeLeader(2, []string{"broker-1"}), errs.ErrStaleEpoch)
	require.NoError(t, reopened.BecomeLeader(3, []string{"broker-1"}))

	off, err := reopened.EpochEndOffset(1)
	require.NoError(t, err)
	require.Equal(t, uint64(40), off)
}

func TestPartitionFollowerAppendAndTruncate(t *testing.T) {
	p := setupTestPartition(t, Config{NodeID: "broker-2"})
	require.NoError(t, p.BecomeFollower(1, "broker-1"))

	recs := make([]record.Record, 50)
	for i := range recs {
		recs[i] = record.Record{
			Offset:    uint64(i),
			Timestamp: time.Now().UnixMilli(),
			Value:     []byte("v"),
		}
	}
	require.NoError(t, p.AppendAsFollower(recs))
	require.Equal(t, uint64(50), p.LogEndOffset())

	p.SetHighWatermark(45)
	require.Equal(t, uint64(45), p.HighWatermark())

	// Leader HW past the local log end clamps to the local LEO.
	p.SetHighWatermark(80)
	require.Equal(t, uint64(50), p.HighWatermark())

	// Divergent tail: truncate back to 40, HW follows.
	require.NoError(t, p.TruncateTo(40))
	require.Equal(t, uint64(40), p.LogEndOffset())
	require.Equal(t, uint64(40), p.HighWatermark())

	// Offsets resume at the truncation point.
	require.NoError(t, p.AppendAsFollower([]record.Record{{
		Offset:    40,
		Timestamp: time.Now().UnixMilli(),
		Value:     []byte("w"),
	}}))
	require.Equal(t, uint64(41), p.LogEndOffset())
}

func TestPartitionFollowerGapMarksOffline(t *testing.T) {
	p := setupTestPartition(t, Config{NodeID: "broker-2"})
	require.NoError(t, p.BecomeFollower(1, "broker-1"))

	err := p.AppendAsFollower([]record.Record{{
		Offset:    7,
		Timestamp: time.Now().UnixMilli(),
		Value:     []byte("v"),
	}})
	require.ErrorIs(t, err, errs.ErrOutOfOrder)
	require.True(t, p.IsOffline())

	_, err = p.Produce(context.Background(), batch("a"), AcksLeader)
	require.ErrorIs(t, err, errs.ErrPartitionOffline)
	require.ErrorIs(t, p.BecomeLeader(5, []string{"broker-2"}), errs.ErrPartitionOffline)
}

func TestPartitionAdoptEpoch(t *testing.T) {
	p := setupTestPartition(t, Config{NodeID: "broker-2"})
	require.NoError(t, p.BecomeFollower(1, "broker-1"))

	require.NoError(t, p.AdoptEpoch(3))
	require.Equal(t, uint32(3), p.LeaderEpoch())

	// Lower or equal epochs are ignored.
	require.NoError(t, p.AdoptEpoch(2))
	require.Equal(t, uint32(3), p.LeaderEpoch())
}
