package heaviestfork

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/wenrestart/core/metrics"
	"github.com/wenrestart/core/progress"
)

// CoordinatorStatPrintInterval is COORDINATOR_STAT_PRINT_INTERVAL_SECONDS
// (spec.md §4.4, supplemented feature 4): how often the coordinator logs a
// per-(slot,hash) stake breakdown for operator diagnostics.
const CoordinatorStatPrintInterval = 10 * time.Second

var (
	heaviestForkActiveStake = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "heaviest_fork_active_stake",
		Help:      "Total active stake agreeing with the coordinator's heaviest fork.",
	})
	heaviestForkConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "heaviest_fork_conflicts_total",
		Help:      "Number of peer heaviest-fork records discarded due to a conflicting resend.",
	})
)

// AggregateResult classifies the outcome of accepting one peer's
// RestartHeaviestFork message (spec.md §4.4).
type AggregateResult int

const (
	// ResultInserted means the message matched (slot, hash) and this is the
	// first record received from that peer.
	ResultInserted AggregateResult = iota
	// ResultAlreadyExists means an identical record was already recorded
	// for that peer.
	ResultAlreadyExists
	// ResultDifferentVersionExists means a conflicting record was
	// discarded (invariant 1).
	ResultDifferentVersionExists
	// ResultZeroStakeIgnored means the sender holds no stake for the
	// relevant epoch and is not counted.
	ResultZeroStakeIgnored
	// ResultWrongForkIgnored means the message's (slot, hash) does not
	// match the coordinator's chosen fork and is not counted.
	ResultWrongForkIgnored
)

// HeaviestForkMessage is one peer's RestartHeaviestFork gossip value
// (spec.md §6).
type HeaviestForkMessage struct {
	From         string
	Wallclock    uint64
	LastSlot     uint64
	LastSlotHash string
	ShredVersion uint32
}

// StakeProvider answers the per-peer stake question the aggregator needs
// from the epoch stakes of the agreed heaviest-fork slot.
type StakeProvider interface {
	StakeOf(peer string) uint64
}

// Aggregator is the coordinator-only HeaviestForkAggregator of spec.md
// §4.4: counts active stake from heaviest-fork gossip messages whose
// (slot, hash) matches the coordinator's, and periodically logs per-
// (slot, hash) stake breakdowns for operator diagnostics.
type Aggregator struct {
	mu sync.Mutex

	shredVersion uint32
	stakes       StakeProvider
	slot         uint64
	hash         string
	self         string

	received         map[string]progress.HeaviestForkRecord
	conflicts        map[string]progress.ConflictPair
	totalActiveStake uint64
	stakeBySlotHash  map[slotHashKey]uint64
}

type slotHashKey struct {
	slot uint64
	hash string
}

// New returns an Aggregator that only counts stake for messages agreeing
// with (slot, hash), the coordinator's own chosen heaviest fork.
func New(shredVersion uint32, stakes StakeProvider, slot uint64, hash string, self string) *Aggregator {
	return &Aggregator{
		shredVersion:    shredVersion,
		stakes:          stakes,
		slot:            slot,
		hash:            hash,
		self:            self,
		received:        map[string]progress.HeaviestForkRecord{},
		conflicts:       map[string]progress.ConflictPair{},
		stakeBySlotHash: map[slotHashKey]uint64{},
	}
}

// Aggregate accepts one peer's RestartHeaviestFork message.
func (a *Aggregator) Aggregate(msg HeaviestForkMessage) AggregateResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	stake := a.stakes.StakeOf(msg.From)
	if stake == 0 {
		return ResultZeroStakeIgnored
	}

	rec := progress.HeaviestForkRecord{
		Slot:             msg.LastSlot,
		BankHash:         msg.LastSlotHash,
		TotalActiveStake: stake,
		ShredVersion:     msg.ShredVersion,
		Wallclock:        msg.Wallclock,
		From:             msg.From,
	}

	if existing, ok := a.received[msg.From]; ok {
		if existing.Slot == rec.Slot && existing.BankHash == rec.BankHash {
			return ResultAlreadyExists
		}
		old := existing
		a.conflicts[msg.From] = progress.ConflictPair{OldHeaviestFork: &old, NewHeaviestFork: &rec}
		heaviestForkConflicts.Inc()
		log.WithFields(logrus.Fields{"peer": msg.From}).Warn("Discarding conflicting RestartHeaviestFork")
		return ResultDifferentVersionExists
	}

	key := slotHashKey{slot: msg.LastSlot, hash: msg.LastSlotHash}
	a.stakeBySlotHash[key] += stake
	if msg.LastSlot != a.slot || msg.LastSlotHash != a.hash {
		return ResultWrongForkIgnored
	}

	a.received[msg.From] = rec
	a.totalActiveStake += stake
	heaviestForkActiveStake.Set(float64(a.totalActiveStake))
	return ResultInserted
}

// AggregateFromRecord replays a persisted peer record on resume.
func (a *Aggregator) AggregateFromRecord(rec progress.HeaviestForkRecord) AggregateResult {
	return a.Aggregate(HeaviestForkMessage{
		From:         rec.From,
		Wallclock:    rec.Wallclock,
		LastSlot:     rec.Slot,
		LastSlotHash: rec.BankHash,
		ShredVersion: rec.ShredVersion,
	})
}

// TotalActiveStake returns the running total of stake agreeing with the
// coordinator's (slot, hash).
func (a *Aggregator) TotalActiveStake() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalActiveStake
}

// Snapshot returns the persistable progress record for the current
// aggregator state.
func (a *Aggregator) Snapshot() *progress.HeaviestForkAggregateRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := &progress.HeaviestForkAggregateRecord{TotalActiveStake: a.totalActiveStake}
	for _, r := range a.received {
		out.Received = append(out.Received, r)
	}
	return out
}

// Conflicts returns a copy of the conflicts observed so far, keyed by peer.
func (a *Aggregator) Conflicts() map[string]progress.ConflictPair {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]progress.ConflictPair, len(a.conflicts))
	for k, v := range a.conflicts {
		out[k] = v
	}
	return out
}

// PrintBlockStakeMap logs the per-(slot,hash) stake breakdown, the
// operator diagnostic the original prints every
// CoordinatorStatPrintInterval (spec.md §4.4, supplemented feature 4).
func (a *Aggregator) PrintBlockStakeMap() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, stake := range a.stakeBySlotHash {
		log.WithFields(logrus.Fields{
			"slot":  key.slot,
			"hash":  key.hash,
			"stake": stake,
		}).Info("Heaviest fork stake breakdown")
	}
}

// GossipSource is the inbound half of the RestartHeaviestFork gossip
// message family (spec.md §6).
type GossipSource interface {
	// ReceiveHeaviestForks returns any new RestartHeaviestFork messages
	// observed since the last call; implementations own their own cursor.
	ReceiveHeaviestForks() []HeaviestForkMessage
}

// ExitSignal is the external cancellation flag of spec.md §5.
type ExitSignal interface {
	Exited() bool
}

// Run drives the coordinator-only aggregation loop of spec.md §4.4 and
// §4.7's Done state: drain gossip, aggregate, persist on change, print
// stats every CoordinatorStatPrintInterval, and check the exit flag at
// every tick boundary. It runs until exit fires.
func (a *Aggregator) Run(source GossipSource, persist func(*progress.HeaviestForkAggregateRecord) error, exit ExitSignal, tick time.Duration) {
	lastPrint := time.Now()
	for {
		if exit.Exited() {
			return
		}
		for _, msg := range source.ReceiveHeaviestForks() {
			switch a.Aggregate(msg) {
			case ResultInserted, ResultDifferentVersionExists:
				if persist != nil {
					if err := persist(a.Snapshot()); err != nil {
						log.WithError(err).Error("Failed to persist heaviest fork aggregate")
					}
				}
			}
		}
		if time.Since(lastPrint) > CoordinatorStatPrintInterval {
			a.PrintBlockStakeMap()
			lastPrint = time.Now()
		}
		time.Sleep(tick)
	}
}
