package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/semioz/rafka/client"
	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/partition"
	"github.com/semioz/rafka/protocol"
	"github.com/semioz/rafka/record"
)

// fakeLeader serves fetches from an in-memory record slice.
type fakeLeader struct {
	mu        sync.Mutex
	epoch     uint32
	records   []protocol.RecordData
	hw        uint64
	epochEnds map[uint32]uint64
	batchMax  int
	fetchErr  error
}

func (f *fakeLeader) Fetch(ctx context.Context, part, replicaID string, offset uint64, maxBytes uint32) (*protocol.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	resp := &protocol.FetchResponse{
		Partition:     part,
		HighWatermark: f.hw,
		LeaderEpoch:   f.epoch,
	}
	if offset < uint64(len(f.records)) {
		recs := f.records[offset:]
		if f.batchMax > 0 && len(recs) > f.batchMax {
			recs = recs[:f.batchMax]
		}
		resp.Records = recs
	}
	return resp, nil
}

func (f *fakeLeader) EpochEndOffset(ctx context.Context, part string, leaderEpoch uint32) (*protocol.EpochQueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end, ok := f.epochEnds[leaderEpoch]
	if !ok {
		end = uint64(len(f.records))
	}
	return &protocol.EpochQueryResponse{Partition: part, EndOffset: end, LeaderEpoch: f.epoch}, nil
}

func leaderRecords(n int) []protocol.RecordData {
	out := make([]protocol.RecordData, n)
	for i := range out {
		out[i] = protocol.RecordData{
			Offset:    uint64(i),
			Timestamp: int64(1000 + i),
			Value:     []byte("v"),
		}
	}
	return out
}

func setupFollower(t *testing.T, epoch uint32, localRecords int) *partition.Partition {
	t.Helper()
	p, err := partition.Open("orders-0", t.TempDir(), partition.Config{NodeID: "broker-2"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.BecomeFollower(epoch, "broker-1"))
	if localRecords > 0 {
		require.NoError(t, p.AppendAsFollower(protocol.FromRecordData(leaderRecords(localRecords))))
	}
	return p
}

func TestFetcherAppendsAndTracksHW(t *testing.T) {
	p := setupFollower(t, 1, 0)
	leader := &fakeLeader{epoch: 1, records: leaderRecords(20), hw: 15}
	f := NewFetcher(p, leader, Config{NodeID: "broker-2"}, nil)

	progressed, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, uint64(20), p.LogEndOffset())
	require.Equal(t, uint64(15), p.HighWatermark())

	// Caught up: the next fetch is empty and changes nothing.
	progressed, err = f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.False(t, progressed)
	require.Equal(t, uint64(20), p.LogEndOffset())
}

func TestFetcherReconcilesDivergentTail(t *testing.T) {
	// Follower wrote 50 records under epoch 1, but the new leader's epoch 1
	// ended at offset 40: offsets 40-49 never committed and must go.
	p := setupFollower(t, 1, 50)

	leader := &fakeLeader{
		epoch:     2,
		records:   leaderRecords(60),
		hw:        60,
		epochEnds: map[uint32]uint64{1: 40},
	}
	f := NewFetcher(p, leader, Config{NodeID: "broker-2"}, nil)

	// First round trip detects the epoch change and truncates.
	progressed, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.False(t, progressed)
	require.Equal(t, uint64(40), p.LogEndOffset())
	require.Equal(t, uint32(2), p.LeaderEpoch())

	// Next round trip resumes from the truncation point.
	progressed, err = f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, uint64(60), p.LogEndOffset())
	require.Equal(t, uint64(60), p.HighWatermark())
}

func TestFetcherReconcileFollowerBehind(t *testing.T) {
	// Epoch 1 ended at 45 on the leader but this follower only reached 30:
	// nothing to truncate, just adopt the new epoch.
	p := setupFollower(t, 1, 30)

	leader := &fakeLeader{
		epoch:     2,
		records:   leaderRecords(50),
		hw:        50,
		epochEnds: map[uint32]uint64{1: 45},
	}
	f := NewFetcher(p, leader, Config{NodeID: "broker-2"}, nil)

	_, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(30), p.LogEndOffset())
	require.Equal(t, uint32(2), p.LeaderEpoch())

	_, err = f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(50), p.LogEndOffset())
}

func TestFetcherNotLeaderError(t *testing.T) {
	p := setupFollower(t, 1, 10)

	// The remote answers NotLeader with a higher epoch: treat it like an
	// epoch change and reconcile against the same endpoint.
	leader := &fakeLeader{
		epoch:     3,
		records:   leaderRecords(10),
		hw:        10,
		epochEnds: map[uint32]uint64{1: 10},
		fetchErr:  &client.NotLeaderError{LeaderEpoch: 3, Message: "not leader"},
	}
	f := NewFetcher(p, leader, Config{NodeID: "broker-2"}, nil)

	_, err := f.fetchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(3), p.LeaderEpoch())
}

func TestFetcherInitialSyncTruncatesStaleTail(t *testing.T) {
	// Demoted ex-leader: it wrote offsets 40-49 under epoch 1 that the new
	// leader never committed, and the role transition already adopted epoch
	// 2, so fetch responses alone would never reveal the divergence. The
	// loop must reconcile before its first fetch.
	p, err := partition.Open("orders-0", t.TempDir(), partition.Config{NodeID: "broker-2"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.BecomeLeader(1, []string{"broker-2"}))
	stale := make([]record.Record, 50)
	for i := range stale {
		stale[i] = record.Record{Timestamp: int64(1000 + i), Value: []byte("stale")}
	}
	_, err = p.Produce(context.Background(), stale, partition.AcksLeader)
	require.NoError(t, err)
	require.NoError(t, p.BecomeFollower(2, "broker-1"))

	leader := &fakeLeader{
		epoch:     2,
		records:   leaderRecords(60),
		hw:        60,
		epochEnds: map[uint32]uint64{1: 40},
	}
	f := NewFetcher(p, leader, Config{
		NodeID:       "broker-2",
		PollInterval: 10 * time.Millisecond,
	}, nil)
	f.Start()
	defer f.Stop()

	require.Eventually(t, func() bool {
		return p.LogEndOffset() == 60 && p.HighWatermark() == 60
	}, 5*time.Second, 10*time.Millisecond)

	// The stale tail was cut before the leader's records came in.
	recs, err := p.ReadLocal(40, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(40), recs[0].Offset)
	require.Equal(t, "v", string(recs[0].Value))
}

func TestFetcherPropagatesFetchError(t *testing.T) {
	p := setupFollower(t, 1, 0)
	leader := &fakeLeader{epoch: 1, fetchErr: errs.ErrLeaderUnreachable}
	f := NewFetcher(p, leader, Config{NodeID: "broker-2"}, nil)

	_, err := f.fetchOnce(context.Background())
	require.ErrorIs(t, err, errs.ErrLeaderUnreachable)
}

func TestFetcherLoopCatchesUp(t *testing.T) {
	p := setupFollower(t, 1, 0)
	leader := &fakeLeader{epoch: 1, records: leaderRecords(500), hw: 500, batchMax: 64}
	f := NewFetcher(p, leader, Config{
		NodeID:       "broker-2",
		PollInterval: 10 * time.Millisecond,
	}, nil)

	f.Start()
	defer f.Stop()

	require.Eventually(t, func() bool {
		return p.LogEndOffset() == 500 && p.HighWatermark() == 500
	}, 5*time.Second, 10*time.Millisecond)

	recs := make([]record.Record, 0, 500)
	for next := uint64(0); next < 500; {
		res, err := fetchLocal(p, next)
		require.NoError(t, err)
		recs = append(recs, res...)
		next = res[len(res)-1].Offset + 1
	}
	require.Len(t, recs, 500)
}

// fetchLocal reads the follower's log directly through the partition, using
// a replica-style read since the partition is not a leader.
func fetchLocal(p *partition.Partition, offset uint64) ([]record.Record, error) {
	return p.ReadLocal(offset, 4096)
}
