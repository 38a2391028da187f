package heaviestfork

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/werrors"
)

// ReplayChain replays any missing banks along slots (ascending, each one
// the previous's child) and returns the frozen hash of the last slot in
// the list. It is the same replay path Find's bankHash step uses, exposed
// for the coordinator/follower verification sub-protocol (spec.md §4.5
// step 4), which needs to recompute a bank hash for an already-verified
// ancestor chain rather than re-derive and re-verify candidates.
func ReplayChain(ctx context.Context, slots []uint64, bf blockstore.BankForks) (string, error) {
	if len(slots) == 0 {
		return "", errors.New("heaviestfork: empty replay chain")
	}
	target := slots[len(slots)-1]
	if b, ok := bf.Bank(target); ok && b.Frozen {
		return b.Hash, nil
	}
	parent := bf.Root()
	for _, slot := range slots {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		if b, ok := bf.Bank(slot); ok && b.Frozen {
			parent = slot
			continue
		}
		if _, err := bf.ReplaySlot(ctx, parent, slot); err != nil {
			return "", &werrors.BlockNotFrozenAfterReplay{Slot: slot, Err: err.Error()}
		}
		parent = slot
	}
	b, ok := bf.Bank(target)
	if !ok || !b.Frozen {
		return "", &werrors.BlockNotFrozenAfterReplay{Slot: target}
	}
	return b.Hash, nil
}
