package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/gossip"
	"github.com/wenrestart/core/werrors"
)

type fakeSource struct {
	msgs [][]gossip.HeaviestForkMessage
	i    int
}

func (f *fakeSource) ReceiveHeaviestForks() []gossip.HeaviestForkMessage {
	if f.i >= len(f.msgs) {
		return nil
	}
	out := f.msgs[f.i]
	f.i++
	return out
}

type fakePublisher struct {
	published []gossip.HeaviestForkMessage
}

func (f *fakePublisher) PublishHeaviestFork(msg gossip.HeaviestForkMessage) error {
	f.published = append(f.published, msg)
	return nil
}

type fakeFlusher struct{ flushed bool }

func (f *fakeFlusher) FlushPushQueue() { f.flushed = true }

type fakeRepairSink struct{ published [][]uint64 }

func (f *fakeRepairSink) PublishRepairSlots(slots []uint64) { f.published = append(f.published, slots) }

type fakeExit struct{ exited bool }

func (f *fakeExit) Exited() bool { return f.exited }

func buildChain(t *testing.T, root uint64, slots ...uint64) (*blockstore.MemoryBlockstore, *blockstore.MemoryBankForks) {
	t.Helper()
	bs := blockstore.NewMemoryBlockstore()
	bs.Insert(blockstore.Block{Slot: root, ParentSlot: root, Complete: true})
	bf := blockstore.NewMemoryBankForks(root, bs)
	parent := root
	for _, s := range slots {
		bs.Insert(blockstore.Block{Slot: s, ParentSlot: parent, Complete: true})
		parent = s
	}
	return bs, bf
}

func TestRunFollower_HappyPath(t *testing.T) {
	bs, bf := buildChain(t, 0, 1, 2)
	_, err := bf.ReplaySlot(context.Background(), 0, 1)
	require.NoError(t, err)
	hash, err := bf.ReplaySlot(context.Background(), 1, 2)
	require.NoError(t, err)
	_ = hash

	src := &fakeSource{msgs: [][]gossip.HeaviestForkMessage{
		{{From: "coordinator", LastSlot: 2, LastSlotHash: hash.Hash}},
	}}
	pub := &fakePublisher{}
	flusher := &fakeFlusher{}
	repair := &fakeRepairSink{}
	exit := &fakeExit{}

	slot, bankHash, err := RunFollower(context.Background(), src, pub, flusher, repair, bf, bs, exit, "coordinator", 1, "unused", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, uint64(2), slot)
	require.Equal(t, hash.Hash, bankHash)
	require.False(t, flusher.flushed)
}

func TestRunFollower_BankHashMismatch(t *testing.T) {
	bs, bf := buildChain(t, 0, 1, 2)
	src := &fakeSource{msgs: [][]gossip.HeaviestForkMessage{
		{{From: "coordinator", LastSlot: 2, LastSlotHash: "wrong-hash"}},
	}}
	pub := &fakePublisher{}
	flusher := &fakeFlusher{}
	repair := &fakeRepairSink{}
	exit := &fakeExit{}

	_, _, err := RunFollower(context.Background(), src, pub, flusher, repair, bf, bs, exit, "coordinator", 1, "my-hash", time.Millisecond)
	require.Error(t, err)
	var mismatch *werrors.BankHashMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, uint64(2), mismatch.Slot)

	require.Len(t, pub.published, 1)
	require.Equal(t, uint64(1), pub.published[0].LastSlot)
	require.Equal(t, "my-hash", pub.published[0].LastSlotHash)
	require.True(t, flusher.flushed)
}

func TestRunFollower_IgnoresNonCoordinatorMessages(t *testing.T) {
	bs, bf := buildChain(t, 0, 1)
	src := &fakeSource{msgs: [][]gossip.HeaviestForkMessage{
		{{From: "not-the-coordinator", LastSlot: 1, LastSlotHash: "x"}},
		{{From: "coordinator", LastSlot: 0, LastSlotHash: rootHash(t, bf)}},
	}}
	pub := &fakePublisher{}
	flusher := &fakeFlusher{}
	repair := &fakeRepairSink{}
	exit := &fakeExit{}

	slot, _, err := RunFollower(context.Background(), src, pub, flusher, repair, bf, bs, exit, "coordinator", 0, "x", time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, uint64(0), slot)
}

func rootHash(t *testing.T, bf *blockstore.MemoryBankForks) string {
	t.Helper()
	b, ok := bf.Bank(bf.Root())
	require.True(t, ok)
	return b.Hash
}

func TestRunCoordinator_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	slot, hash, err := RunCoordinator(pub, "me", 7, 10, "hash-10")
	require.NoError(t, err)
	require.Equal(t, uint64(10), slot)
	require.Equal(t, "hash-10", hash)
	require.Len(t, pub.published, 1)
	require.Equal(t, "me", pub.published[0].From)
}

func TestRole(t *testing.T) {
	require.True(t, Role("a", "a"))
	require.False(t, Role("a", "b"))
}
