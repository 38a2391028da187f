// Package progress implements the crash-safe, persisted progress record
// described in spec.md §3 and §4.1: a tagged union whose tag is the state
// machine's current phase, carrying the accumulated result of every phase
// that has already completed.
package progress

// State is the wen-restart state machine's current phase (spec.md §2).
type State int32

const (
	StateInit State = iota
	StateLastVotedForkSlots
	StateFindHeaviestFork
	StateHeaviestFork
	StateGenerateSnapshot
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateLastVotedForkSlots:
		return "LastVotedForkSlots"
	case StateFindHeaviestFork:
		return "FindHeaviestFork"
	case StateHeaviestFork:
		return "HeaviestFork"
	case StateGenerateSnapshot:
		return "GenerateSnapshot"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// LastVotedForkSlotsRecord is this validator's own pre-restart vote chain:
// the sequence of slots it last voted on, the bank hash of the latest of
// those, the shred version in effect, and a wallclock timestamp (spec.md
// §3, supplemented feature 2).
type LastVotedForkSlotsRecord struct {
	LastVotedForkSlots []uint64
	LastVoteBankhash   string
	ShredVersion       uint32
	Wallclock          uint64
}

// EpochInfoRecord is the per-epoch stake summary spec.md §3 and
// supplemented feature 3 describe: total stake, stake actively voting
// (anywhere), and stake actively voting specifically for this epoch's
// slots.
type EpochInfoRecord struct {
	Epoch                             uint64
	TotalStake                        uint64
	ActivelyVotingStake               uint64
	ActivelyVotingForThisEpochStake   uint64
}

// LastVotedForkSlotsAggregateFinal is the finalized result of §4.2's
// aggregator: a slot→stake map plus per-epoch totals.
type LastVotedForkSlotsAggregateFinal struct {
	SlotsStakeMap map[uint64]uint64
	EpochInfos    []EpochInfoRecord
}

// LastVotedForkSlotsAggregateRecord is the in-progress aggregator state:
// every peer's most-recently-accepted record, plus the finalized result
// once the aggregator has converged.
type LastVotedForkSlotsAggregateRecord struct {
	ReceivedRecords map[string]LastVotedForkSlotsRecord
	Final           *LastVotedForkSlotsAggregateFinal
}

// HeaviestForkRecord is the `{slot, bank_hash, total_active_stake,
// shred_version, wallclock, from}` shape spec.md §3 describes for both
// `my_heaviest_fork` and `coordinator_heaviest_fork`.
type HeaviestForkRecord struct {
	Slot             uint64
	BankHash         string
	TotalActiveStake uint64
	ShredVersion     uint32
	Wallclock        uint64
	From             string
}

// HeaviestForkAggregateRecord is the coordinator-only running tally of
// received heaviest-fork records (spec.md §3, §4.4).
type HeaviestForkAggregateRecord struct {
	Received         []HeaviestForkRecord
	TotalActiveStake uint64
}

// GenerateSnapshotRecord is `my_snapshot`: the produced snapshot's
// identity (spec.md §3, §4.6).
type GenerateSnapshotRecord struct {
	Slot         uint64
	BankHash     string
	Path         string
	ShredVersion uint32
}

// ConflictPair captures both the previously accepted record and the newly
// rejected one for a peer, for forensic purposes (spec.md §9,
// supplemented feature 1). Exactly one of LastVotedForkSlots or
// HeaviestFork is populated in each half, depending on which aggregate
// detected the conflict.
type ConflictPair struct {
	OldLastVotedForkSlots *LastVotedForkSlotsRecord
	NewLastVotedForkSlots *LastVotedForkSlotsRecord
	OldHeaviestFork       *HeaviestForkRecord
	NewHeaviestFork       *HeaviestForkRecord
}

// Progress is the full persisted record (spec.md §3). Only the fields
// relevant to the current State (and earlier states) are expected to be
// populated; invariant 3 (on-disk state is a prefix of the linear
// progression) means later fields are simply absent, never stale.
type Progress struct {
	State State

	MyLastVotedForkSlots        *LastVotedForkSlotsRecord
	LastVotedForkSlotsAggregate *LastVotedForkSlotsAggregateRecord
	MyHeaviestFork              *HeaviestForkRecord
	CoordinatorHeaviestFork     *HeaviestForkRecord
	HeaviestForkAggregate       *HeaviestForkAggregateRecord
	MySnapshot                  *GenerateSnapshotRecord
	ConflictMessage             map[string]ConflictPair
}

// NewInit returns a fresh progress record in the Init state, the value
// ProgressStore.Load returns when no file exists yet (spec.md §4.1).
func NewInit() *Progress {
	return &Progress{State: StateInit}
}
