package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/config"
	"github.com/wenrestart/core/gossip"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/snapshotgen"
)

type fakeStakes struct{}

func (fakeStakes) EpochAt(slot uint64) uint64                   { return 0 }
func (fakeStakes) TotalStake(epoch uint64) uint64                { return 10 }
func (fakeStakes) StakeOf(epoch uint64, peer string) uint64 {
	if peer == "p1" {
		return 10
	}
	return 0
}

type fakeHeaviestStakes struct{}

func (fakeHeaviestStakes) StakeOf(peer string) uint64 { return 0 }

type fakeLastVotedSource struct {
	msgs [][]gossip.LastVotedForkSlotsMessage
	i    int
}

func (f *fakeLastVotedSource) ReceiveLastVotedForkSlots() []gossip.LastVotedForkSlotsMessage {
	if f.i >= len(f.msgs) {
		return nil
	}
	out := f.msgs[f.i]
	f.i++
	return out
}

type fakeLastVotedPublisher struct{ published []gossip.LastVotedForkSlotsMessage }

func (f *fakeLastVotedPublisher) PublishLastVotedForkSlots(msg gossip.LastVotedForkSlotsMessage) error {
	f.published = append(f.published, msg)
	return nil
}

type fakeHeaviestSource struct {
	msgs [][]gossip.HeaviestForkMessage
	i    int
}

func (f *fakeHeaviestSource) ReceiveHeaviestForks() []gossip.HeaviestForkMessage {
	if f.i >= len(f.msgs) {
		return nil
	}
	out := f.msgs[f.i]
	f.i++
	return out
}

type fakeHeaviestPublisher struct{ published []gossip.HeaviestForkMessage }

func (f *fakeHeaviestPublisher) PublishHeaviestFork(msg gossip.HeaviestForkMessage) error {
	f.published = append(f.published, msg)
	return nil
}

type fakeFlusher struct{}

func (fakeFlusher) FlushPushQueue() {}

type fakeRepairSink struct{}

func (fakeRepairSink) PublishRepairSlots(slots []uint64) {}

func newTestStore(t *testing.T) *progress.Store {
	t.Helper()
	store, err := progress.NewStore(t.TempDir() + "/progress.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMachine_FollowerRunThroughDone(t *testing.T) {
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: 0, ParentSlot: 0, Complete: true})
	bs.Insert(blockstore.Block{Slot: 1, ParentSlot: 0, Complete: true})
	bf := blockstore.NewMemoryBankForks(0, bs)
	snap := blockstore.NewMemorySnapshotController()
	abs := &blockstore.MemoryAccountsBackgroundService{}

	lastVotedSource := &fakeLastVotedSource{msgs: [][]gossip.LastVotedForkSlotsMessage{
		{{From: "p1", LastVotedForkSlots: []uint64{1, 0}, LastVoteBankHash: "p1-hash"}},
	}}
	lastVotedPub := &fakeLastVotedPublisher{}

	m := New(Config{
		Store: newTestStore(t),

		Self:         "follower",
		Coordinator:  "leader",
		ShredVersion: 42,

		SeedLastVotedForkSlots: []uint64{0},
		SeedLastVoteBankHash:   "root-0",

		SupermajorityThresholdPercent: 50,
		GossipSleep:                   time.Millisecond,

		LastVotedForkSlotsSource:    lastVotedSource,
		LastVotedForkSlotsPublisher: lastVotedPub,

		RepairSink: fakeRepairSink{},

		Blockstore: bs,
		BankForks:  bf,

		Stakes:             fakeStakes{},
		EpochAt:            func(uint64) uint64 { return 0 },
		HeaviestForkStakes: fakeHeaviestStakes{},

		SnapshotGenerator: &snapshotgen.Generator{
			BankForks:          bf,
			Snapshot:           snap,
			AccountsBackground: abs,
			GenesisConfigHash:  "genesis",
			ShredVersion:       func(string, []uint64) uint32 { return 7 },
		},

		Exit: &config.ExitFlag{},
	})

	p := progress.NewInit()
	require.NoError(t, m.runInit(p))
	require.Equal(t, progress.StateLastVotedForkSlots, p.State)
	require.Len(t, lastVotedPub.published, 1)

	require.NoError(t, m.runLastVotedForkSlots(context.Background(), p))
	require.Equal(t, progress.StateFindHeaviestFork, p.State)
	require.NotNil(t, p.LastVotedForkSlotsAggregate.Final)

	require.NoError(t, m.runFindHeaviestFork(context.Background(), p))
	require.Equal(t, progress.StateHeaviestFork, p.State)
	require.Equal(t, uint64(1), p.MyHeaviestFork.Slot)

	heaviestSource := &fakeHeaviestSource{msgs: [][]gossip.HeaviestForkMessage{
		{{From: "leader", LastSlot: 1, LastSlotHash: p.MyHeaviestFork.BankHash}},
	}}
	m.cfg.HeaviestForkSource = heaviestSource
	m.cfg.HeaviestForkPublisher = &fakeHeaviestPublisher{}
	m.cfg.Flusher = fakeFlusher{}

	require.NoError(t, m.runHeaviestFork(context.Background(), p))
	require.Equal(t, progress.StateGenerateSnapshot, p.State)
	require.Equal(t, uint64(1), p.CoordinatorHeaviestFork.Slot)

	require.NoError(t, m.runGenerateSnapshot(context.Background(), p))
	require.Equal(t, progress.StateDone, p.State)
	require.NotNil(t, p.MySnapshot)

	require.NoError(t, m.runDone(p))
}

func TestMachine_RunDone_MissingSnapshot(t *testing.T) {
	m := New(Config{Store: newTestStore(t)})
	p := progress.NewInit()
	p.State = progress.StateDone
	err := m.runDone(p)
	require.Error(t, err)
}

func TestMachine_RunFindHeaviestFork_MalformedProgress(t *testing.T) {
	m := New(Config{Store: newTestStore(t)})
	p := progress.NewInit()
	err := m.runFindHeaviestFork(context.Background(), p)
	require.Error(t, err)
}
