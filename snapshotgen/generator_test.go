package snapshotgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/werrors"
)

func shredVersionStub(genesisHash string, hardForks []uint64) uint32 {
	return uint32(len(genesisHash) + len(hardForks))
}

func newGenerator(t *testing.T) (*Generator, *blockstore.MemoryBankForks, *blockstore.MemorySnapshotController) {
	t.Helper()
	bs := blockstore.NewMemoryBlockstore()
	bf := blockstore.NewMemoryBankForks(0, bs)
	bf.InsertBank(blockstore.Bank{Slot: 5, Hash: "hash-5", Frozen: true})
	sc := blockstore.NewMemorySnapshotController()
	return &Generator{
		BankForks:          bf,
		Snapshot:           sc,
		AccountsBackground: &blockstore.MemoryAccountsBackgroundService{},
		GenesisConfigHash:  "genesis",
		ShredVersion:       shredVersionStub,
	}, bf, sc
}

func TestGenerate_FullSnapshotWhenNoneExists(t *testing.T) {
	g, bf, _ := newGenerator(t)
	rec, err := g.Generate(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), rec.Slot)
	require.Equal(t, "hash-5", rec.BankHash)
	require.Contains(t, rec.Path, "full")
	require.Contains(t, bf.HardForks(), uint64(5))
}

func TestGenerate_IncrementalSnapshotWhenFullExists(t *testing.T) {
	g, _, sc := newGenerator(t)
	sc.SeedFullSnapshot(2)
	rec, err := g.Generate(context.Background(), 5)
	require.NoError(t, err)
	require.Contains(t, rec.Path, "incremental")
}

func TestGenerate_FutureSnapshotExists(t *testing.T) {
	g, _, sc := newGenerator(t)
	sc.SeedFullSnapshot(10)
	_, err := g.Generate(context.Background(), 5)
	require.Error(t, err)
	var future *werrors.FutureSnapshotExists
	require.ErrorAs(t, err, &future)
}

func TestGenerate_SnapshotWhenOneExists(t *testing.T) {
	g, _, sc := newGenerator(t)
	sc.SeedFullSnapshot(5)
	_, err := g.Generate(context.Background(), 5)
	require.Error(t, err)
	var exists *werrors.GenerateSnapshotWhenOneExists
	require.ErrorAs(t, err, &exists)
}

func TestGenerate_WhenDisabledAndNoBase(t *testing.T) {
	g, _, sc := newGenerator(t)
	sc.SetEnabled(false)
	_, err := g.Generate(context.Background(), 5)
	require.ErrorIs(t, err, werrors.GenerateSnapshotWhenDisabled)
}

func TestGenerate_BlockNotFound(t *testing.T) {
	g, _, _ := newGenerator(t)
	_, err := g.Generate(context.Background(), 999)
	require.Error(t, err)
	var notFound *werrors.BlockNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestGenerate_HardForkIdempotent(t *testing.T) {
	g, bf, _ := newGenerator(t)
	bf.InsertHardFork(5)
	_, err := g.Generate(context.Background(), 5)
	require.NoError(t, err)
	count := 0
	for _, hf := range bf.HardForks() {
		if hf == 5 {
			count++
		}
	}
	require.Equal(t, 1, count)
}
