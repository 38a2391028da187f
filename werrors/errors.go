// Package werrors defines the typed error taxonomy shared by every
// phase of the wen-restart protocol. Each error carries the
// distinguishing slot/hash/context named in its constructor so a
// caller can recover structured detail with errors.As instead of
// parsing a message string.
package werrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Exiting is returned by the state machine's phase loops and the
// follower's gossip and repair loops when they observe the external
// cancellation flag go true. The coordinator-side heaviest-fork
// aggregation loop stops on the flag without returning an error.
var Exiting = errors.New("exiting")

// MissingLastVotedForkSlots is returned when the caller-provided last-vote
// vector is empty; the protocol has nothing to publish.
var MissingLastVotedForkSlots = errors.New("missing last voted fork slots")

// MissingSnapshotInProtobuf is returned when the persisted progress claims
// state Done but carries no my_snapshot record.
var MissingSnapshotInProtobuf = errors.New("missing snapshot in persisted progress")

// NotEnoughStakeAgreeingWithUs describes a coordinator (slot, hash) that too
// little active stake agreed with, along with the per-(slot, hash) stake
// breakdown. Nothing in this module returns it: the coordinator-side
// aggregator's Run stops on the exit flag without reporting an error.
type NotEnoughStakeAgreeingWithUs struct {
	Slot   uint64
	Hash   string
	Stakes map[SlotHash]uint64
}

// SlotHash is the aggregation key used by the heaviest-fork aggregator.
type SlotHash struct {
	Slot uint64
	Hash string
}

func (e *NotEnoughStakeAgreeingWithUs) Error() string {
	return fmt.Sprintf("not enough stake agreeing with us on slot %d hash %s: %v", e.Slot, e.Hash, e.Stakes)
}

// BankHashMismatch is returned when a recomputed bank hash does not match an
// expected one (the coordinator's broadcast, in the follower's
// verification).
type BankHashMismatch struct {
	Slot     uint64
	Expected string
	Actual   string
}

func (e *BankHashMismatch) Error() string {
	return fmt.Sprintf("bank hash mismatch for slot %d: expected %s actual %s", e.Slot, e.Expected, e.Actual)
}

// BlockNotFound is returned when a slot has no corresponding block in the
// blockstore.
type BlockNotFound struct {
	Slot uint64
}

func (e *BlockNotFound) Error() string { return fmt.Sprintf("block not found: %d", e.Slot) }

// BlockNotFull is returned when a slot's block is present but incomplete
// (missing a trailing shred/tick).
type BlockNotFull struct {
	Slot uint64
}

func (e *BlockNotFull) Error() string { return fmt.Sprintf("block not full: %d", e.Slot) }

// BlockNotFrozenAfterReplay is returned when replay of a slot does not yield
// a frozen bank.
type BlockNotFrozenAfterReplay struct {
	Slot uint64
	Err  string
}

func (e *BlockNotFrozenAfterReplay) Error() string {
	return fmt.Sprintf("block not frozen after replay: %d (%s)", e.Slot, e.Err)
}

// BlockNotLinkedToExpectedParent is returned when a candidate slot's actual
// parent in the blockstore does not match the previous candidate in the
// heaviest-fork chain walk.
type BlockNotLinkedToExpectedParent struct {
	Slot           uint64
	ActualParent   *uint64
	ExpectedParent uint64
}

func (e *BlockNotLinkedToExpectedParent) Error() string {
	return fmt.Sprintf("block %d is not linked to expected parent %d but to %v", e.Slot, e.ExpectedParent, e.ActualParent)
}

// ChildStakeLargerThanParent reports invariant 2 of the aggregate state: a
// slot's stake must never exceed its parent's.
type ChildStakeLargerThanParent struct {
	Slot        uint64
	ChildStake  uint64
	Parent      uint64
	ParentStake uint64
}

func (e *ChildStakeLargerThanParent) Error() string {
	return fmt.Sprintf("block %d has more stake %d than its parent %d with stake %d", e.Slot, e.ChildStake, e.Parent, e.ParentStake)
}

// HeaviestForkOnLeaderOnDifferentFork is returned when the coordinator's
// chosen slot and the follower's local choice cannot be reconciled by
// ancestry in either direction.
type HeaviestForkOnLeaderOnDifferentFork struct {
	CoordinatorSlot uint64
	LocalSlot       uint64
}

func (e *HeaviestForkOnLeaderOnDifferentFork) Error() string {
	return fmt.Sprintf("heaviest fork on coordinator (%d) is on a different fork than local choice (%d)", e.CoordinatorSlot, e.LocalSlot)
}

// MalformedProgress is returned when a persisted progress record is missing
// a field required by its own state.
type MalformedProgress struct {
	State        string
	MissingField string
}

func (e *MalformedProgress) Error() string {
	return fmt.Sprintf("malformed progress in state %s: missing %s", e.State, e.MissingField)
}

// MalformedLastVotedForkSlotsProtobuf describes a persisted
// last-voted-fork-slots record that fails to round-trip. Nothing in this
// module returns it; decode failures in progress surface as wrapped
// parser errors.
type MalformedLastVotedForkSlotsProtobuf struct {
	Record interface{}
}

func (e *MalformedLastVotedForkSlotsProtobuf) Error() string {
	return fmt.Sprintf("malformed last voted fork slots protobuf: %+v", e.Record)
}

// UnexpectedState is returned when the state machine encounters a state tag
// it does not know how to advance from.
type UnexpectedState struct {
	State string
}

func (e *UnexpectedState) Error() string { return fmt.Sprintf("unexpected state: %s", e.State) }

// Snapshot lifecycle errors (§4.6).

// FutureSnapshotExists is returned when an existing full snapshot is already
// ahead of the agreed restart slot.
type FutureSnapshotExists struct {
	Slot        uint64
	HighestSlot uint64
	Directory   string
}

func (e *FutureSnapshotExists) Error() string {
	return fmt.Sprintf("future snapshot exists for slot %d, highest slot %d in directory %s", e.Slot, e.HighestSlot, e.Directory)
}

// GenerateSnapshotWhenOneExists is returned when a snapshot already covers
// exactly the agreed restart slot.
type GenerateSnapshotWhenOneExists struct {
	Slot      uint64
	Directory string
}

func (e *GenerateSnapshotWhenOneExists) Error() string {
	return fmt.Sprintf("generate snapshot when one exists for slot %d in directory %s", e.Slot, e.Directory)
}

// GenerateSnapshotWhenDisabled is returned when snapshot generation is
// disabled: the snapshot controller is absent or reports Enabled() false.
// It is returned whether or not a base snapshot exists.
var GenerateSnapshotWhenDisabled = errors.New("generate snapshot when disabled")

// Wrap is a thin re-export of github.com/pkg/errors.Wrap so callers in this
// module only need one errors import.
func Wrap(err error, msg string) error { return errors.Wrap(err, msg) }

// Wrapf is a thin re-export of github.com/pkg/errors.Wrapf.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
