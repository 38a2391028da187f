// Package lastvotedfork implements the LastVotedForkSlotsAggregator of
// spec.md §4.2: stake-weighted aggregation of peers' pre-restart vote
// chains, exposing a repair list and a finalization threshold.
package lastvotedfork

// T_REPAIR: if at least this fraction of a slot's epoch stake has voted
// for it, repair it locally (spec.md §4.2, §6).
const RepairThreshold = 0.42

// DefaultSupermajorityThresholdPercent is the operator-configurable
// default for wait_for_supermajority_threshold_percent (spec.md §6).
const DefaultSupermajorityThresholdPercent = 80.0

// InsertResult classifies the outcome of accepting one peer's gossip
// message (spec.md §4.2 step 1).
type InsertResult int

const (
	// Inserted means this is the first record received from that peer.
	Inserted InsertResult = iota
	// AlreadyExists means an identical record was already recorded for
	// that peer; the message is a harmless duplicate.
	AlreadyExists
	// DifferentVersionExists means a record was already recorded for that
	// peer and this one disagrees with it; the conflict is logged and the
	// new message is discarded (invariant 1).
	DifferentVersionExists
)

// Message is one peer's RestartLastVotedForkSlots gossip value (spec.md
// §6).
type Message struct {
	From               string
	Wallclock          uint64
	LastVotedForkSlots []uint64
	LastVoteBankHash   string
	ShredVersion       uint32
}

// EpochStakeProvider answers the epoch-schedule and stake questions the
// aggregator needs from the root bank (spec.md §4.2's inputs). It is the
// narrow slice of the excluded BankForks/Bank contract this component
// actually touches.
type EpochStakeProvider interface {
	// EpochAt returns the epoch slot belongs to.
	EpochAt(slot uint64) uint64
	// TotalStake returns the total stake for epoch.
	TotalStake(epoch uint64) uint64
	// StakeOf returns peer's stake in epoch, or 0 if peer holds none.
	StakeOf(epoch uint64, peer string) uint64
}

// RepairSink is the shared, concurrently-readable write location the
// repair subsystem reads from (spec.md §5's "global mutable state"):
// last-writer-wins, full replacement on every publish.
type RepairSink interface {
	PublishRepairSlots(slots []uint64)
}
