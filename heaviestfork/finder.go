// Package heaviestfork implements spec.md §4.3 (HeaviestForkFinder) and
// §4.4 (HeaviestForkAggregator, coordinator-only).
package heaviestfork

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/werrors"
)

var log = logrus.WithField("prefix", "heaviestfork")

// HeaviestForkThresholdDelta: only count a slot toward the heaviest-fork
// candidate set if its stake is at least
// active_stake - HeaviestForkThresholdDelta*total_stake for its epoch
// (spec.md §4.3, §6).
const HeaviestForkThresholdDelta = 0.38

// EpochActiveStakeProvider supplies, per epoch, the active stake and total
// stake the candidate-selection threshold needs.
type EpochActiveStakeProvider interface {
	ActiveStake(epoch uint64) uint64
	TotalStake(epoch uint64) uint64
	EpochAt(slot uint64) uint64
}

// Find selects the heaviest slot that forms a single chain from root and
// computes its bank hash, replaying any missing ancestors along the way
// (spec.md §4.3).
func Find(ctx context.Context, final *progress.LastVotedForkSlotsAggregateFinal, stakes EpochActiveStakeProvider, bf blockstore.BankForks, bs blockstore.Blockstore) (*progress.HeaviestForkRecord, error) {
	root := bf.Root()

	candidates := candidateSlots(final, stakes, root)
	if len(candidates) == 0 {
		rootBank, ok := bf.Bank(root)
		if !ok {
			return nil, &werrors.BlockNotFound{Slot: root}
		}
		return &progress.HeaviestForkRecord{Slot: root, BankHash: rootBank.Hash}, nil
	}

	heaviest := candidates[len(candidates)-1]

	if err := verifyChain(candidates, root, bs); err != nil {
		return nil, err
	}

	hash, err := bankHash(ctx, candidates, root, bf)
	if err != nil {
		return nil, err
	}

	return &progress.HeaviestForkRecord{Slot: heaviest, BankHash: hash}, nil
}

// candidateSlots implements spec.md §4.3 step 1: candidates are slots
// above root whose stake clears the supermajority-minus-tolerance floor
// for their epoch, sorted ascending.
func candidateSlots(final *progress.LastVotedForkSlotsAggregateFinal, stakes EpochActiveStakeProvider, root uint64) []uint64 {
	var out []uint64
	for slot, stake := range final.SlotsStakeMap {
		if slot <= root {
			continue
		}
		epoch := stakes.EpochAt(slot)
		active := stakes.ActiveStake(epoch)
		total := stakes.TotalStake(epoch)
		floor := 0.0
		if active > uint64(HeaviestForkThresholdDelta*float64(total)) {
			floor = float64(active) - HeaviestForkThresholdDelta*float64(total)
		}
		if float64(stake) >= floor {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// verifyChain implements spec.md §4.3 step 3: each candidate's parent in
// the blockstore must be the previous candidate (or root, for the first),
// and every candidate's block must be complete and present.
func verifyChain(candidates []uint64, root uint64, bs blockstore.Blockstore) error {
	expectedParent := root
	for _, slot := range candidates {
		block, ok := bs.Block(slot)
		if !ok {
			return &werrors.BlockNotFound{Slot: slot}
		}
		if block.ParentSlot != expectedParent {
			actual := block.ParentSlot
			return &werrors.BlockNotLinkedToExpectedParent{
				Slot:           slot,
				ActualParent:   &actual,
				ExpectedParent: expectedParent,
			}
		}
		if !block.Complete {
			return &werrors.BlockNotFull{Slot: slot}
		}
		expectedParent = slot
	}
	return nil
}

// bankHash implements spec.md §4.3 step 4: reuse a frozen bank's hash if
// one already exists, otherwise replay missing ancestors in order. Replay
// is inherently sequential — each slot needs its parent's frozen bank
// first — so candidates are walked one at a time rather than fanned out.
func bankHash(ctx context.Context, candidates []uint64, root uint64, bf blockstore.BankForks) (string, error) {
	heaviest := candidates[len(candidates)-1]
	if b, ok := bf.Bank(heaviest); ok && b.Frozen {
		return b.Hash, nil
	}

	parent := root
	for _, slot := range candidates {
		if b, ok := bf.Bank(slot); ok && b.Frozen {
			parent = slot
			continue
		}
		if _, err := bf.ReplaySlot(ctx, parent, slot); err != nil {
			return "", &werrors.BlockNotFrozenAfterReplay{Slot: slot, Err: err.Error()}
		}
		parent = slot
	}
	b, ok := bf.Bank(heaviest)
	if !ok || !b.Frozen {
		return "", &werrors.BlockNotFrozenAfterReplay{Slot: heaviest}
	}
	return b.Hash, nil
}
