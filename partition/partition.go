// Package partition implements the per-partition replication controller: role
// transitions driven by external leadership assignments, ISR tracking and
// high-watermark advancement on the leader, and epoch bookkeeping used by
// followers to reconcile divergent log tails.
package partition

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/semioz/rafka/errs"
	"github.com/semioz/rafka/log"
	"github.com/semioz/rafka/record"
)

// Role is the partition's current replication role.
type Role int32

const (
	RoleNone Role = iota
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "none"
	}
}

// Acks is the producer durability mode.
type Acks int8

const (
	// AcksNone acknowledges before any durability guarantee.
	AcksNone Acks = 0
	// AcksLeader acknowledges once the leader has appended locally.
	AcksLeader Acks = 1
	// AcksAll acknowledges once the high-watermark covers the batch, i.e.
	// every in-sync replica has it.
	AcksAll Acks = -1
)

const hwWaitTickInterval = 10 * time.Millisecond

// ReplicaState is the leader's view of one follower, refreshed on every
// replica fetch.
type ReplicaState struct {
	BrokerID      string
	LogEndOffset  uint64
	LastFetchTime time.Time
}

// Config carries the replication knobs for a single partition.
type Config struct {
	// NodeID is this broker's ID, used for ISR membership of the leader.
	NodeID string
	// ReplicaLagTimeout is how long a follower may go without fetching
	// before it is dropped from the ISR.
	ReplicaLagTimeout time.Duration
	// AcksTimeout bounds how long AcksAll produces wait for the ISR.
	AcksTimeout time.Duration
	// Log configures the underlying segmented log.
	Log log.Config
}

func (c *Config) setDefaults() {
	if c.ReplicaLagTimeout == 0 {
		c.ReplicaLagTimeout = 10 * time.Second
	}
	if c.AcksTimeout == 0 {
		c.AcksTimeout = 5 * time.Second
	}
}

// FetchResult is what a fetch returns alongside the records: the committed
// frontier and the leader's current epoch, both needed by followers.
type FetchResult struct {
	Records       []record.Record
	HighWatermark uint64
	LeaderEpoch   uint32
}

// Partition is the controller for one replica of one partition. All state
// transitions and replica bookkeeping happen under a single lock so the
// ISR set and the high-watermark can never be observed mid-update.
type Partition struct {
	ID string

	mu     sync.RWMutex
	log    *log.Log
	logger *zap.Logger
	cfg    Config

	role        Role
	leaderEpoch uint32
	leaderID    string
	assigned    map[string]struct{}
	isr         map[string]struct{}
	replicas    map[string]*ReplicaState
	epochStarts []EpochStart

	highWatermark uint64
	offline       bool
}

// Open creates or recovers the partition at dir, replaying the segmented log
// and loading persisted epoch metadata. The partition starts with no role;
// the broker assigns one via BecomeLeader or BecomeFollower.
func Open(id, dir string, cfg Config, logger *zap.Logger) (*Partition, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	logger = logger.Named("partition").With(zap.String("partition", id))

	l, err := log.Open(dir, cfg.Log, logger)
	if err != nil {
		return nil, err
	}
	md, err := loadMetadata(dir)
	if err != nil {
		l.Close()
		return nil, err
	}

	p := &Partition{
		ID:          id,
		log:         l,
		logger:      logger,
		cfg:         cfg,
		leaderEpoch: md.LeaderEpoch,
		epochStarts: md.EpochStartOffsets,
		assigned:    make(map[string]struct{}),
		isr:         make(map[string]struct{}),
		replicas:    make(map[string]*ReplicaState),
	}
	return p, nil
}

// BecomeLeader transitions this replica to leader for the given epoch.
// The epoch and its start offset are persisted before the role takes effect,
// so a crash after the call never resurrects an older epoch. The ISR starts
// as the full assigned set: a replica that has not reported progress holds
// the high-watermark at its last known position until it fetches or falls
// out via the lag timeout.
func (p *Partition) BecomeLeader(epoch uint32, assigned []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.offline {
		return errs.ErrPartitionOfflinef(p.ID)
	}
	if epoch <= p.leaderEpoch {
		return errs.ErrStaleEpochf(epoch, p.leaderEpoch)
	}

	starts := append(append([]EpochStart(nil), p.epochStarts...), EpochStart{
		Epoch:       epoch,
		StartOffset: p.log.EndOffset(),
	})
	if err := saveMetadata(p.log.Dir(), metadata{
		LeaderEpoch:       epoch,
		EpochStartOffsets: starts,
	}); err != nil {
		return err
	}

	p.role = RoleLeader
	p.leaderEpoch = epoch
	p.leaderID = p.cfg.NodeID
	p.epochStarts = starts
	p.assigned = make(map[string]struct{}, len(assigned)+1)
	p.isr = make(map[string]struct{}, len(assigned)+1)
	p.replicas = make(map[string]*ReplicaState, len(assigned))
	now := time.Now()
	for _, id := range assigned {
		p.assigned[id] = struct{}{}
		p.isr[id] = struct{}{}
		if id != p.cfg.NodeID {
			p.replicas[id] = &ReplicaState{BrokerID: id, LastFetchTime: now}
		}
	}
	p.assigned[p.cfg.NodeID] = struct{}{}
	p.isr[p.cfg.NodeID] = struct{}{}

	p.logger.Info("became leader",
		zap.Uint32("epoch", epoch),
		zap.Strings("assigned", assigned),
		zap.Uint64("log_end_offset", p.log.EndOffset()),
	)
	return nil
}

// BecomeFollower transitions this replica to follower of leaderID for the
// given epoch. The epoch joins the local history at the current log end, so
// a later EpochEndOffset query or TailEpoch call can attribute records to the
// epoch that wrote them. Metadata is persisted before the role change.
func (p *Partition) BecomeFollower(epoch uint32, leaderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.offline {
		return errs.ErrPartitionOfflinef(p.ID)
	}
	if epoch <= p.leaderEpoch {
		return errs.ErrStaleEpochf(epoch, p.leaderEpoch)
	}

	starts := append(append([]EpochStart(nil), p.epochStarts...), EpochStart{
		Epoch:       epoch,
		StartOffset: p.log.EndOffset(),
	})
	if err := saveMetadata(p.log.Dir(), metadata{
		LeaderEpoch:       epoch,
		EpochStartOffsets: starts,
	}); err != nil {
		return err
	}

	p.role = RoleFollower
	p.leaderEpoch = epoch
	p.leaderID = leaderID
	p.epochStarts = starts
	p.isr = make(map[string]struct{})
	p.replicas = make(map[string]*ReplicaState)

	p.logger.Info("became follower",
		zap.Uint32("epoch", epoch),
		zap.String("leader", leaderID),
	)
	return nil
}

// Produce appends a batch as leader and waits according to acks. The returned
// offset is the base offset assigned to the first record.
func (p *Partition) Produce(ctx context.Context, batch []record.Record, acks Acks) (uint64, error) {
	switch acks {
	case AcksNone, AcksLeader, AcksAll:
	default:
		return 0, errs.ErrInvalidAcksf(int32(acks))
	}

	p.mu.Lock()
	if p.offline {
		p.mu.Unlock()
		return 0, errs.ErrPartitionOfflinef(p.ID)
	}
	if p.role != RoleLeader {
		p.mu.Unlock()
		return 0, errs.ErrNotLeaderf(p.ID, p.leaderEpoch)
	}
	base, err := p.log.Append(batch)
	if err != nil {
		p.maybeMarkOfflineLocked(err)
		p.mu.Unlock()
		return 0, err
	}
	p.maybeAdvanceHWLocked()
	p.mu.Unlock()

	if acks != AcksAll {
		return base, nil
	}
	last := base + uint64(len(batch)) - 1
	if err := p.waitForHighWatermark(ctx, last); err != nil {
		return 0, err
	}
	return base, nil
}

// waitForHighWatermark blocks until the high-watermark covers offset, the
// context is cancelled, or the acks timeout elapses.
func (p *Partition) waitForHighWatermark(ctx context.Context, offset uint64) error {
	required := offset + 1

	ticker := time.NewTicker(hwWaitTickInterval)
	defer ticker.Stop()
	timeout := time.After(p.cfg.AcksTimeout)

	for {
		p.mu.RLock()
		hw := p.highWatermark
		p.mu.RUnlock()
		if hw >= required {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errs.ErrTimeoutCatchUp
		}
	}
}

// Fetch serves records starting at fetchOffset. A non-empty replicaID marks a
// follower fetch: the follower's progress is recorded and the high-watermark
// recomputed under the same lock, and the read is not capped at the
// high-watermark. Consumer fetches (empty replicaID) only see committed
// records.
func (p *Partition) Fetch(replicaID string, fetchOffset uint64, maxBytes uint32) (FetchResult, error) {
	p.mu.Lock()
	if p.offline {
		p.mu.Unlock()
		return FetchResult{}, errs.ErrPartitionOfflinef(p.ID)
	}
	if p.role != RoleLeader {
		p.mu.Unlock()
		return FetchResult{}, errs.ErrNotLeaderf(p.ID, p.leaderEpoch)
	}

	if replicaID != "" {
		if _, ok := p.assigned[replicaID]; !ok {
			p.mu.Unlock()
			return FetchResult{}, errs.ErrUnknownReplicaf(replicaID, p.ID)
		}
		// A fetch offset past the log end means the replica's log diverged
		// from ours; it must reconcile before it counts as in sync.
		if leo := p.log.EndOffset(); fetchOffset > leo {
			start := p.log.StartOffset()
			p.mu.Unlock()
			return FetchResult{}, errs.ErrOffsetOutOfRangef(fetchOffset, start, leo)
		}
		state, ok := p.replicas[replicaID]
		if !ok {
			state = &ReplicaState{BrokerID: replicaID}
			p.replicas[replicaID] = state
		}
		state.LogEndOffset = fetchOffset
		state.LastFetchTime = time.Now()
		p.maybeExpandISRLocked(replicaID)
		p.maybeAdvanceHWLocked()
	}
	hw := p.highWatermark
	epoch := p.leaderEpoch
	p.mu.Unlock()

	if replicaID == "" && fetchOffset >= hw {
		if fetchOffset > hw {
			return FetchResult{}, errs.ErrOffsetOutOfRangef(fetchOffset, p.log.StartOffset(), hw)
		}
		return FetchResult{HighWatermark: hw, LeaderEpoch: epoch}, nil
	}

	recs, err := p.log.Read(fetchOffset, maxBytes)
	if err != nil {
		return FetchResult{}, err
	}
	if replicaID == "" {
		for i, rec := range recs {
			if rec.Offset >= hw {
				recs = recs[:i]
				break
			}
		}
	}
	return FetchResult{Records: recs, HighWatermark: hw, LeaderEpoch: epoch}, nil
}

// AppendAsFollower applies records replicated from the leader. Offsets are
// leader-assigned and must continue exactly at the local log end.
func (p *Partition) AppendAsFollower(batch []record.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.offline {
		return errs.ErrPartitionOfflinef(p.ID)
	}
	if p.role != RoleFollower {
		return errs.ErrNotFollower
	}
	if err := p.log.AppendReplicated(batch); err != nil {
		p.maybeMarkOfflineLocked(err)
		return err
	}
	return nil
}

// ReadLocal reads records straight from the local log regardless of role,
// without the high-watermark cap. Used for verification and local tooling;
// client-facing reads go through Fetch.
func (p *Partition) ReadLocal(offset uint64, maxBytes uint32) ([]record.Record, error) {
	return p.log.Read(offset, maxBytes)
}

// SetHighWatermark installs the committed frontier learned from the leader,
// clamped to the local log end offset.
func (p *Partition) SetHighWatermark(hw uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if leo := p.log.EndOffset(); hw > leo {
		hw = leo
	}
	p.highWatermark = hw
}

// TruncateTo discards the local log tail from offset onward during follower
// reconciliation, pulling the high-watermark back if it pointed past the new
// end.
func (p *Partition) TruncateTo(offset uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != RoleFollower {
		return errs.ErrNotFollower
	}
	if err := p.log.TruncateTo(offset); err != nil {
		return err
	}
	if leo := p.log.EndOffset(); p.highWatermark > leo {
		p.highWatermark = leo
	}

	// Epoch boundaries beyond the new end collapse onto it: records appended
	// from here on belong to the epochs that start at or before them.
	clamped := false
	starts := append([]EpochStart(nil), p.epochStarts...)
	for i := range starts {
		if starts[i].StartOffset > offset {
			starts[i].StartOffset = offset
			clamped = true
		}
	}
	if clamped {
		if err := saveMetadata(p.log.Dir(), metadata{
			LeaderEpoch:       p.leaderEpoch,
			EpochStartOffsets: starts,
		}); err != nil {
			return err
		}
		p.epochStarts = starts
	}
	p.logger.Info("truncated log tail",
		zap.Uint64("offset", offset),
		zap.Uint64("log_end_offset", p.log.EndOffset()),
	)
	return nil
}

// AdoptEpoch records that the leader has moved to a higher epoch, extending
// the local history so a later leadership of this node answers epoch queries
// correctly. No-op if the epoch is already known.
func (p *Partition) AdoptEpoch(epoch uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if epoch <= p.leaderEpoch {
		return nil
	}
	starts := append(append([]EpochStart(nil), p.epochStarts...), EpochStart{
		Epoch:       epoch,
		StartOffset: p.log.EndOffset(),
	})
	if err := saveMetadata(p.log.Dir(), metadata{
		LeaderEpoch:       epoch,
		EpochStartOffsets: starts,
	}); err != nil {
		return err
	}
	p.leaderEpoch = epoch
	p.epochStarts = starts
	return nil
}

// EpochEndOffset answers a follower's reconciliation query: the offset where
// the follower's epoch ended on this leader, i.e. the start offset of the
// first later epoch, or the leader's log end if the epoch is still current.
func (p *Partition) EpochEndOffset(followerEpoch uint32) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.offline {
		return 0, errs.ErrPartitionOfflinef(p.ID)
	}
	if p.role != RoleLeader {
		return 0, errs.ErrNotLeaderf(p.ID, p.leaderEpoch)
	}
	for _, es := range p.epochStarts {
		if es.Epoch > followerEpoch {
			return es.StartOffset, nil
		}
	}
	return p.log.EndOffset(), nil
}

// MaintainISR drops followers that have not fetched within the lag timeout.
// Called from a broker ticker. Shrinking the ISR can advance the
// high-watermark, since the laggard no longer holds it back.
func (p *Partition) MaintainISR(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != RoleLeader {
		return
	}
	for id := range p.isr {
		if id == p.cfg.NodeID {
			continue
		}
		state := p.replicas[id]
		if state == nil || now.Sub(state.LastFetchTime) > p.cfg.ReplicaLagTimeout {
			delete(p.isr, id)
			p.logger.Info("follower dropped from isr",
				zap.String("replica", id),
				zap.Duration("lag_timeout", p.cfg.ReplicaLagTimeout),
			)
		}
	}
	p.maybeAdvanceHWLocked()
}

// maybeExpandISRLocked re-admits a follower once it has caught up to the
// leader's log end offset.
func (p *Partition) maybeExpandISRLocked(replicaID string) {
	if _, ok := p.isr[replicaID]; ok {
		return
	}
	state := p.replicas[replicaID]
	if state == nil || state.LogEndOffset < p.log.EndOffset() {
		return
	}
	p.isr[replicaID] = struct{}{}
	p.logger.Info("follower joined isr",
		zap.String("replica", replicaID),
		zap.Uint64("log_end_offset", state.LogEndOffset),
	)
}

// maybeAdvanceHWLocked recomputes the high-watermark as the minimum log end
// offset across the ISR. The high-watermark never moves backward on the
// leader.
func (p *Partition) maybeAdvanceHWLocked() {
	min := p.log.EndOffset()
	for id := range p.isr {
		if id == p.cfg.NodeID {
			continue
		}
		leo := uint64(0)
		if state := p.replicas[id]; state != nil {
			leo = state.LogEndOffset
		}
		if leo < min {
			min = leo
		}
	}
	if min > p.highWatermark {
		p.highWatermark = min
	}
}

// maybeMarkOfflineLocked takes the partition offline on storage invariant
// violations. Transient errors leave it online.
func (p *Partition) maybeMarkOfflineLocked(err error) {
	if errors.Is(err, errs.ErrOutOfOrder) ||
		errors.Is(err, errs.ErrSegmentDiscontinuity) ||
		errors.Is(err, errs.ErrCorruptRecord) {
		p.offline = true
		p.logger.Error("partition marked offline", zap.Error(err))
	}
}

// ApplyRetention deletes committed history per the log's retention config.
func (p *Partition) ApplyRetention(now time.Time) (int, error) {
	p.mu.RLock()
	hw := p.highWatermark
	p.mu.RUnlock()
	return p.log.ApplyRetention(now, hw)
}

func (p *Partition) Role() Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

func (p *Partition) LeaderEpoch() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderEpoch
}

// TailEpoch returns the epoch that wrote the last local record, which may lag
// the current leader epoch when no record has arrived under it yet. Zero for
// an empty log.
func (p *Partition) TailEpoch() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	leo := p.log.EndOffset()
	if leo == 0 {
		return 0
	}
	var epoch uint32
	for _, es := range p.epochStarts {
		if es.StartOffset <= leo-1 {
			epoch = es.Epoch
		}
	}
	return epoch
}

func (p *Partition) LeaderID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderID
}

func (p *Partition) HighWatermark() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.highWatermark
}

func (p *Partition) LogEndOffset() uint64 {
	return p.log.EndOffset()
}

func (p *Partition) LogStartOffset() uint64 {
	return p.log.StartOffset()
}

// ISR returns the current in-sync replica IDs in no particular order.
func (p *Partition) ISR() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.isr))
	for id := range p.isr {
		out = append(out, id)
	}
	return out
}

func (p *Partition) IsOffline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offline
}

func (p *Partition) Flush() error {
	return p.log.Flush()
}

func (p *Partition) Close() error {
	return p.log.Close()
}
