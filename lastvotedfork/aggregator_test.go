package lastvotedfork

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/progress"
)

type fakeStakes struct {
	epochOf map[uint64]uint64
	total   map[uint64]uint64
	stake   map[uint64]map[string]uint64
}

func (f *fakeStakes) EpochAt(slot uint64) uint64 { return f.epochOf[slot] }
func (f *fakeStakes) TotalStake(epoch uint64) uint64 { return f.total[epoch] }
func (f *fakeStakes) StakeOf(epoch uint64, peer string) uint64 { return f.stake[epoch][peer] }

func newFakeStakes(epoch uint64, total uint64, perPeer uint64, peers ...string) *fakeStakes {
	stakeMap := map[string]uint64{}
	for _, p := range peers {
		stakeMap[p] = perPeer
	}
	return &fakeStakes{
		epochOf: map[uint64]uint64{},
		total:   map[uint64]uint64{epoch: total},
		stake:   map[uint64]map[string]uint64{epoch: stakeMap},
	}
}

type fakeSink struct{ published []uint64 }

func (f *fakeSink) PublishRepairSlots(slots []uint64) { f.published = slots }

func TestAggregator_DuplicateAndConflict(t *testing.T) {
	stakes := newFakeStakes(0, 1000, 100, "peer-a")
	for slot := uint64(0); slot <= 10; slot++ {
		stakes.epochOf[slot] = 0
	}
	agg := New(0, stakes, DefaultSupermajorityThresholdPercent)

	msg := Message{From: "peer-a", LastVotedForkSlots: []uint64{5, 4, 0}}
	require.Equal(t, Inserted, agg.Aggregate(msg))
	require.Equal(t, AlreadyExists, agg.Aggregate(msg))

	conflicting := Message{From: "peer-a", LastVotedForkSlots: []uint64{6, 4, 0}}
	require.Equal(t, DifferentVersionExists, agg.Aggregate(conflicting))

	conflicts := agg.Conflicts()
	require.Len(t, conflicts, 1)
	require.NotNil(t, conflicts["peer-a"].OldLastVotedForkSlots)
	require.NotNil(t, conflicts["peer-a"].NewLastVotedForkSlots)
}

func TestAggregator_RepairListAndFinalization(t *testing.T) {
	stakes := newFakeStakes(0, 1000, 500, "peer-a", "peer-b")
	for slot := uint64(0); slot <= 10; slot++ {
		stakes.epochOf[slot] = 0
	}
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 4, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 5, ParentSlot: 4, Complete: false}) // not yet full -> needs repair

	agg := New(0, stakes, 80)
	sink := &fakeSink{}

	final, changed, err := agg.Tick([]Message{
		{From: "peer-a", LastVotedForkSlots: []uint64{5, 4, 0}},
	}, sink, bs)
	require.NoError(t, err)
	require.True(t, changed)
	require.Nil(t, final) // only one of two peers' stake (50%) < 80% active.
	require.Equal(t, []uint64{5}, sink.published)

	final, changed, err = agg.Tick([]Message{
		{From: "peer-b", LastVotedForkSlots: []uint64{5, 4, 0}},
	}, sink, bs)
	require.NoError(t, err)
	require.True(t, changed)
	// Slot 5 is still not full in the blockstore, so it stays in the
	// repair list and finalization has not happened yet.
	require.Nil(t, final)
	require.Equal(t, []uint64{5}, sink.published)

	// The repair subsystem finishes fetching slot 5.
	bs.Insert(blockstore.Block{Slot: 5, ParentSlot: 4, Complete: true})
	final, changed, err = agg.Tick(nil, sink, bs)
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, final)
	require.Empty(t, sink.published)
	require.Equal(t, uint64(1000), final.SlotsStakeMap[5])
	require.Equal(t, uint64(1000), final.SlotsStakeMap[4])
	require.Equal(t, uint64(1000), final.SlotsStakeMap[0])
}

func TestAggregator_ChildStakeLargerThanParent(t *testing.T) {
	stakes := newFakeStakes(0, 1000, 900, "peer-a")
	stakes.epochOf[0] = 0
	stakes.epochOf[1] = 0
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 1, ParentSlot: 0, Complete: true})

	agg := New(0, stakes, 80)
	// Manually construct an impossible state: slot 1 has more stake than
	// its parent slot 0.
	agg.slotsStake[0] = 100
	agg.slotsStake[1] = 900

	err := agg.CheckNoBackwardStakes(bs)
	require.Error(t, err)
}

func TestAggregator_AggregateFromRecordIsIdempotent(t *testing.T) {
	stakes := newFakeStakes(0, 1000, 500, "peer-a")
	stakes.epochOf[0] = 0
	stakes.epochOf[3] = 0
	agg := New(0, stakes, 80)

	rec := agg.Snapshot()
	require.Empty(t, rec.ReceivedRecords)

	rec2 := progress.LastVotedForkSlotsRecord{LastVotedForkSlots: []uint64{3, 0}}
	agg.AggregateFromRecord("peer-a", rec2)
	agg.AggregateFromRecord("peer-a", rec2)

	rec = agg.Snapshot()
	require.Len(t, rec.ReceivedRecords, 1)
}
