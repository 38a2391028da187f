package heaviestfork

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/werrors"
)

var errReplay = errors.New("synthetic replay failure")

type fakeActiveStake struct {
	active, total uint64
}

func (f fakeActiveStake) EpochAt(slot uint64) uint64      { return 0 }
func (f fakeActiveStake) ActiveStake(epoch uint64) uint64 { return f.active }
func (f fakeActiveStake) TotalStake(epoch uint64) uint64  { return f.total }

// fakeReplayFailBankForks wraps a real BankForks and fails ReplaySlot for a
// single targeted slot, so bankHash's replay path can be exercised without
// verifyChain ever seeing anything wrong with the chain itself.
type fakeReplayFailBankForks struct {
	*blockstore.MemoryBankForks
	failSlot uint64
}

func (f *fakeReplayFailBankForks) ReplaySlot(ctx context.Context, parentSlot, slot uint64) (blockstore.Bank, error) {
	if slot == f.failSlot {
		return blockstore.Bank{}, errReplay
	}
	return f.MemoryBankForks.ReplaySlot(ctx, parentSlot, slot)
}

func TestFind_NoCandidates_ReturnsRoot(t *testing.T) {
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bf := blockstore.NewMemoryBankForks(0, bs)

	final := &progress.LastVotedForkSlotsAggregateFinal{SlotsStakeMap: map[uint64]uint64{}}
	rec, err := Find(context.Background(), final, fakeActiveStake{}, bf, bs)
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.Slot)
	require.Equal(t, "root-0", rec.BankHash)
}

func TestFind_MultiCandidateChainWithReplayGap(t *testing.T) {
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 1, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 2, ParentSlot: 1, Complete: true})
	bs.Insert(blockstore.Block{Slot: 3, ParentSlot: 2, Complete: true})
	bf := blockstore.NewMemoryBankForks(0, bs)

	final := &progress.LastVotedForkSlotsAggregateFinal{SlotsStakeMap: map[uint64]uint64{
		1: 10, 2: 10, 3: 10,
	}}

	rec, err := Find(context.Background(), final, fakeActiveStake{}, bf, bs)
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Slot)
	require.Equal(t, "root-0/1/2/3", rec.BankHash)

	b, ok := bf.Bank(2)
	require.True(t, ok)
	require.True(t, b.Frozen)
}

func TestFind_UnlinkedCandidate(t *testing.T) {
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 1, ParentSlot: 0, Complete: true})
	// Slot 2 claims parent 99, not the previous candidate (1).
	bs.Insert(blockstore.Block{Slot: 2, ParentSlot: 99, Complete: true})
	bf := blockstore.NewMemoryBankForks(0, bs)

	final := &progress.LastVotedForkSlotsAggregateFinal{SlotsStakeMap: map[uint64]uint64{
		1: 10, 2: 10,
	}}

	_, err := Find(context.Background(), final, fakeActiveStake{}, bf, bs)
	require.Error(t, err)
	var linkErr *werrors.BlockNotLinkedToExpectedParent
	require.ErrorAs(t, err, &linkErr)
	require.Equal(t, uint64(2), linkErr.Slot)
	require.Equal(t, uint64(1), linkErr.ExpectedParent)
}

func TestFind_IncompleteCandidate(t *testing.T) {
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 1, ParentSlot: 0, Complete: false})
	bf := blockstore.NewMemoryBankForks(0, bs)

	final := &progress.LastVotedForkSlotsAggregateFinal{SlotsStakeMap: map[uint64]uint64{
		1: 10,
	}}

	_, err := Find(context.Background(), final, fakeActiveStake{}, bf, bs)
	require.Error(t, err)
	var fullErr *werrors.BlockNotFull
	require.ErrorAs(t, err, &fullErr)
	require.Equal(t, uint64(1), fullErr.Slot)
}

func TestFind_ReplayFailure(t *testing.T) {
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 1, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 2, ParentSlot: 1, Complete: true})
	bf := &fakeReplayFailBankForks{
		MemoryBankForks: blockstore.NewMemoryBankForks(0, bs),
		failSlot:        2,
	}

	final := &progress.LastVotedForkSlotsAggregateFinal{SlotsStakeMap: map[uint64]uint64{
		1: 10, 2: 10,
	}}

	_, err := Find(context.Background(), final, fakeActiveStake{}, bf, bs)
	require.Error(t, err)
	var replayErr *werrors.BlockNotFrozenAfterReplay
	require.ErrorAs(t, err, &replayErr)
	require.Equal(t, uint64(2), replayErr.Slot)
}
