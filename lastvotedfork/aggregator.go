package lastvotedfork

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/metrics"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/werrors"
)

var log = logrus.WithField("prefix", "lastvotedfork")

var (
	repairListSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "repair_list_size",
		Help:      "Number of slots currently published to the repair sink.",
	})
	minActivePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "min_active_percent",
		Help:      "Minimum active-stake percent across relevant epochs.",
	})
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "last_voted_fork_slots_conflicts_total",
		Help:      "Number of peer records discarded due to a conflicting resend.",
	})
)

// Aggregator is the LastVotedForkSlotsAggregator of spec.md §4.2.
type Aggregator struct {
	mu sync.Mutex

	root                          uint64
	stakes                        EpochStakeProvider
	repairThreshold               float64
	supermajorityThresholdPercent float64

	received      map[string]progress.LastVotedForkSlotsRecord
	slotsStake    map[uint64]uint64
	touchedEpochs map[string]map[uint64]struct{}
	conflicts     map[string]progress.ConflictPair

	final *progress.LastVotedForkSlotsAggregateFinal
}

// New returns an Aggregator rooted at root, using stakes for epoch/stake
// lookups and supermajorityThresholdPercent (e.g. 80) as the
// wait_for_supermajority_threshold_percent config value.
func New(root uint64, stakes EpochStakeProvider, supermajorityThresholdPercent float64) *Aggregator {
	return &Aggregator{
		root:                          root,
		stakes:                        stakes,
		repairThreshold:               RepairThreshold,
		supermajorityThresholdPercent: supermajorityThresholdPercent,
		received:                      map[string]progress.LastVotedForkSlotsRecord{},
		slotsStake:                    map[uint64]uint64{},
		touchedEpochs:                 map[string]map[uint64]struct{}{},
		conflicts:                     map[string]progress.ConflictPair{},
	}
}

// Aggregate accepts one peer's gossip message (spec.md §4.2 step 1,
// invariant 1). A conflicting resend is logged and discarded, never
// aborting the aggregator.
func (a *Aggregator) Aggregate(msg Message) InsertResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aggregateLocked(msg)
}

func (a *Aggregator) aggregateLocked(msg Message) InsertResult {
	rec := progress.LastVotedForkSlotsRecord{
		LastVotedForkSlots: msg.LastVotedForkSlots,
		LastVoteBankhash:   msg.LastVoteBankHash,
		ShredVersion:       msg.ShredVersion,
		Wallclock:          msg.Wallclock,
	}
	existing, ok := a.received[msg.From]
	if ok {
		if recordsEqual(existing, rec) {
			return AlreadyExists
		}
		old := existing
		a.conflicts[msg.From] = progress.ConflictPair{
			OldLastVotedForkSlots: &old,
			NewLastVotedForkSlots: &rec,
		}
		conflictsTotal.Inc()
		log.WithFields(logrus.Fields{"peer": msg.From}).Warn("Discarding conflicting RestartLastVotedForkSlots")
		return DifferentVersionExists
	}

	a.received[msg.From] = rec
	touched := map[uint64]struct{}{}
	for _, slot := range rec.LastVotedForkSlots {
		epoch := a.stakes.EpochAt(slot)
		touched[epoch] = struct{}{}
		a.slotsStake[slot] += a.stakes.StakeOf(epoch, msg.From)
	}
	a.touchedEpochs[msg.From] = touched
	return Inserted
}

// AggregateFromRecord replays a persisted peer record on resume. It is
// idempotent with Aggregate: replaying the same (peer, record) pair twice
// has no additional effect (spec.md §4.2's aggregate_from_record).
func (a *Aggregator) AggregateFromRecord(peer string, rec progress.LastVotedForkSlotsRecord) {
	a.Aggregate(Message{
		From:               peer,
		Wallclock:          rec.Wallclock,
		LastVotedForkSlots: rec.LastVotedForkSlots,
		LastVoteBankHash:   rec.LastVoteBankhash,
		ShredVersion:       rec.ShredVersion,
	})
}

func recordsEqual(a, b progress.LastVotedForkSlotsRecord) bool {
	if a.LastVoteBankhash != b.LastVoteBankhash || a.ShredVersion != b.ShredVersion {
		return false
	}
	if len(a.LastVotedForkSlots) != len(b.LastVotedForkSlots) {
		return false
	}
	for i := range a.LastVotedForkSlots {
		if a.LastVotedForkSlots[i] != b.LastVotedForkSlots[i] {
			return false
		}
	}
	return true
}

// relevantEpochsLocked returns the root epoch plus every epoch any
// participant's vote chain has touched, ascending.
func (a *Aggregator) relevantEpochsLocked() []uint64 {
	set := map[uint64]struct{}{a.stakes.EpochAt(a.root): {}}
	for _, touched := range a.touchedEpochs {
		for e := range touched {
			set[e] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// epochInfosLocked computes the per-epoch summary of spec.md §3 /
// supplemented feature 3.
func (a *Aggregator) epochInfosLocked() []progress.EpochInfoRecord {
	epochs := a.relevantEpochsLocked()
	out := make([]progress.EpochInfoRecord, 0, len(epochs))
	for _, epoch := range epochs {
		var activelyVoting, activelyVotingForThisEpoch uint64
		for peer, touched := range a.touchedEpochs {
			stake := a.stakes.StakeOf(epoch, peer)
			activelyVoting += stake
			if _, ok := touched[epoch]; ok {
				activelyVotingForThisEpoch += stake
			}
		}
		out = append(out, progress.EpochInfoRecord{
			Epoch:                           epoch,
			TotalStake:                      a.stakes.TotalStake(epoch),
			ActivelyVotingStake:              activelyVoting,
			ActivelyVotingForThisEpochStake: activelyVotingForThisEpoch,
		})
	}
	return out
}

// MinActivePercent returns the minimum, across relevant epochs, of
// (actively_voting_stake / total_stake) — spec.md §4.2.
func (a *Aggregator) MinActivePercent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minActivePercentLocked()
}

func (a *Aggregator) minActivePercentLocked() float64 {
	min := 100.0
	for _, ei := range a.epochInfosLocked() {
		if ei.TotalStake == 0 {
			continue
		}
		pct := 100.0 * float64(ei.ActivelyVotingStake) / float64(ei.TotalStake)
		if pct < min {
			min = pct
		}
	}
	return min
}

// SlotsToRepair returns the ascending, root-and-full filtered list of
// slots whose cumulative stake crosses RepairThreshold (spec.md §4.2
// steps 1-2).
func (a *Aggregator) SlotsToRepair(bs blockstore.Blockstore) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uint64
	for slot, stake := range a.slotsStake {
		if slot <= a.root {
			continue
		}
		epoch := a.stakes.EpochAt(slot)
		total := a.stakes.TotalStake(epoch)
		if total == 0 {
			continue
		}
		if float64(stake)/float64(total) < a.repairThreshold {
			continue
		}
		if bs != nil && bs.SlotFull(slot) {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckNoBackwardStakes enforces invariant 2: for any slot present in the
// aggregate along with its parent, the slot's stake must not exceed its
// parent's.
func (a *Aggregator) CheckNoBackwardStakes(bs blockstore.Blockstore) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for slot, stake := range a.slotsStake {
		block, ok := bs.Block(slot)
		if !ok {
			continue
		}
		parentStake, ok := a.slotsStake[block.ParentSlot]
		if !ok {
			continue
		}
		if stake > parentStake {
			return &werrors.ChildStakeLargerThanParent{
				Slot:        slot,
				ChildStake:  stake,
				Parent:      block.ParentSlot,
				ParentStake: parentStake,
			}
		}
	}
	return nil
}

// Tick drains newMessages, republishes the repair list, and reports
// whether the aggregator has finalized (spec.md §4.2's per-tick
// behavior). sink may be nil in tests that don't care about repair
// publication.
func (a *Aggregator) Tick(newMessages []Message, sink RepairSink, bs blockstore.Blockstore) (final *progress.LastVotedForkSlotsAggregateFinal, changed bool, err error) {
	a.mu.Lock()
	for _, msg := range newMessages {
		if a.aggregateLocked(msg) == Inserted {
			changed = true
		}
	}
	a.mu.Unlock()

	if err := a.CheckNoBackwardStakes(bs); err != nil {
		return nil, changed, err
	}

	repair := a.SlotsToRepair(bs)
	repairListSize.Set(float64(len(repair)))
	if sink != nil {
		sink.PublishRepairSlots(repair)
	}

	pct := a.MinActivePercent()
	minActivePercent.Set(pct)

	if len(repair) == 0 && pct >= a.supermajorityThresholdPercent {
		a.mu.Lock()
		slotsStakeMap := make(map[uint64]uint64, len(a.slotsStake))
		for s, v := range a.slotsStake {
			slotsStakeMap[s] = v
		}
		a.final = &progress.LastVotedForkSlotsAggregateFinal{
			SlotsStakeMap: slotsStakeMap,
			EpochInfos:    a.epochInfosLocked(),
		}
		final = a.final
		a.mu.Unlock()
		changed = true
	}
	return final, changed, nil
}

// Snapshot returns the persistable progress record for the current
// aggregator state (spec.md §4.2 step 4).
func (a *Aggregator) Snapshot() *progress.LastVotedForkSlotsAggregateRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := &progress.LastVotedForkSlotsAggregateRecord{
		ReceivedRecords: make(map[string]progress.LastVotedForkSlotsRecord, len(a.received)),
		Final:           a.final,
	}
	for k, v := range a.received {
		out.ReceivedRecords[k] = v
	}
	return out
}

// Conflicts returns a copy of the conflicts observed so far, keyed by
// peer.
func (a *Aggregator) Conflicts() map[string]progress.ConflictPair {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]progress.ConflictPair, len(a.conflicts))
	for k, v := range a.conflicts {
		out[k] = v
	}
	return out
}

// ErrNilStakeProvider names the construction-time error of a missing
// EpochStakeProvider; kept here rather than in werrors since it's a
// programmer error, not a protocol error. New does not check for a nil
// provider and nothing in this package returns it.
var ErrNilStakeProvider = errors.New("lastvotedfork: nil EpochStakeProvider")
