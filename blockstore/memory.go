package blockstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const blockCacheSize = 4096

// MemoryBlockstore is a small in-memory Blockstore used by tests and local
// single-node experimentation. Real deployments supply their own
// implementation backed by the actual ledger store.
type MemoryBlockstore struct {
	mu    sync.RWMutex
	cache *lru.Cache
}

// NewMemoryBlockstore returns an empty MemoryBlockstore.
func NewMemoryBlockstore() *MemoryBlockstore {
	c, err := lru.New(blockCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size, which blockCacheSize
		// never is.
		panic(err)
	}
	return &MemoryBlockstore{cache: c}
}

// Insert adds or replaces a block.
func (m *MemoryBlockstore) Insert(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(b.Slot, b)
}

// Block implements Blockstore.
func (m *MemoryBlockstore) Block(slot uint64) (Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cache.Get(slot)
	if !ok {
		return Block{}, false
	}
	return v.(Block), true
}

// SlotFull implements Blockstore.
func (m *MemoryBlockstore) SlotFull(slot uint64) bool {
	b, ok := m.Block(slot)
	return ok && b.Complete
}

// AncestorIterator implements Blockstore.
func (m *MemoryBlockstore) AncestorIterator(slot uint64) []uint64 {
	var out []uint64
	cur := slot
	seen := map[uint64]bool{}
	for {
		b, ok := m.Block(cur)
		if !ok || seen[cur] {
			break
		}
		seen[cur] = true
		if b.ParentSlot == cur {
			break
		}
		out = append(out, b.ParentSlot)
		cur = b.ParentSlot
	}
	return out
}

// MemoryBankForks is a small in-memory BankForks used by tests.
type MemoryBankForks struct {
	mu        sync.RWMutex
	root      uint64
	banks     map[uint64]Bank
	hardForks map[uint64]struct{}
	blocks    *MemoryBlockstore
}

// NewMemoryBankForks returns a BankForks rooted at root, backed by blocks
// for replay.
func NewMemoryBankForks(root uint64, blocks *MemoryBlockstore) *MemoryBankForks {
	bf := &MemoryBankForks{
		root:      root,
		banks:     map[uint64]Bank{},
		hardForks: map[uint64]struct{}{},
		blocks:    blocks,
	}
	bf.banks[root] = Bank{Slot: root, Hash: fmt.Sprintf("root-%d", root), Frozen: true}
	return bf
}

// Root implements BankForks.
func (bf *MemoryBankForks) Root() uint64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.root
}

// Bank implements BankForks.
func (bf *MemoryBankForks) Bank(slot uint64) (Bank, bool) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	b, ok := bf.banks[slot]
	return b, ok
}

// InsertBank is a test helper for pre-seeding a frozen bank without going
// through replay.
func (bf *MemoryBankForks) InsertBank(b Bank) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.banks[b.Slot] = b
}

// ReplaySlot implements BankForks by constructing a deterministic synthetic
// hash from (parent hash, slot); a real implementation replays transactions
// through the execution pipeline instead.
func (bf *MemoryBankForks) ReplaySlot(ctx context.Context, parentSlot, slot uint64) (Bank, error) {
	select {
	case <-ctx.Done():
		return Bank{}, ctx.Err()
	default:
	}
	parent, ok := bf.Bank(parentSlot)
	if !ok {
		return Bank{}, errors.Errorf("replay slot %d: parent %d not in bank forks", slot, parentSlot)
	}
	if bf.blocks != nil && !bf.blocks.SlotFull(slot) {
		return Bank{}, errors.Errorf("replay slot %d: block not full", slot)
	}
	b := Bank{
		Slot:       slot,
		ParentSlot: parentSlot,
		Hash:       fmt.Sprintf("%s/%d", parent.Hash, slot),
		Frozen:     true,
	}
	bf.mu.Lock()
	bf.banks[slot] = b
	bf.mu.Unlock()
	return b, nil
}

// InsertHardFork implements BankForks.
func (bf *MemoryBankForks) InsertHardFork(slot uint64) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.hardForks[slot] = struct{}{}
}

// HardForks implements BankForks.
func (bf *MemoryBankForks) HardForks() []uint64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := make([]uint64, 0, len(bf.hardForks))
	for s := range bf.hardForks {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemoryAccountsBackgroundService is a no-op AccountsBackgroundService for
// tests: it reports stopped immediately and never has anything to join.
type MemoryAccountsBackgroundService struct {
	mu      sync.Mutex
	stopped bool
}

// Stop implements AccountsBackgroundService.
func (s *MemoryAccountsBackgroundService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped implements AccountsBackgroundService.
func (s *MemoryAccountsBackgroundService) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// JoinAccountsHashVerification implements AccountsBackgroundService.
func (s *MemoryAccountsBackgroundService) JoinAccountsHashVerification(ctx context.Context) error {
	return nil
}

// MemorySnapshotController is a small in-memory SnapshotController used by
// tests: full/incremental archives are tracked as plain slot numbers
// rather than real archive files.
type MemorySnapshotController struct {
	mu               sync.Mutex
	enabled          bool
	fullSlot         uint64
	hasFull          bool
	incrementalBase  uint64
	incrementalSlot  uint64
	hasIncremental   bool
	purgedBeyond     uint64
}

// NewMemorySnapshotController returns a MemorySnapshotController with
// snapshot generation enabled and no archives on disk yet.
func NewMemorySnapshotController() *MemorySnapshotController {
	return &MemorySnapshotController{enabled: true}
}

// SetEnabled toggles whether this node is configured to generate
// snapshots at all.
func (c *MemorySnapshotController) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// SeedFullSnapshot pre-seeds a full snapshot archive at slot, as if
// produced by an earlier run.
func (c *MemorySnapshotController) SeedFullSnapshot(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fullSlot = slot
	c.hasFull = true
}

// SeedIncrementalSnapshot pre-seeds an incremental snapshot archive
// relative to base, at slot.
func (c *MemorySnapshotController) SeedIncrementalSnapshot(base, slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incrementalBase = base
	c.incrementalSlot = slot
	c.hasIncremental = true
}

// Enabled implements SnapshotController.
func (c *MemorySnapshotController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// HighestFullSnapshot implements SnapshotController.
func (c *MemorySnapshotController) HighestFullSnapshot() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullSlot, c.hasFull
}

// HighestIncrementalSnapshot implements SnapshotController.
func (c *MemorySnapshotController) HighestIncrementalSnapshot(base uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasIncremental || c.incrementalBase != base {
		return 0, false
	}
	return c.incrementalSlot, true
}

// GenerateFullSnapshot implements SnapshotController.
func (c *MemorySnapshotController) GenerateFullSnapshot(ctx context.Context, slot uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fullSlot = slot
	c.hasFull = true
	return fmt.Sprintf("/snapshots/full/snapshot-%d.tar.zst", slot), nil
}

// GenerateIncrementalSnapshot implements SnapshotController.
func (c *MemorySnapshotController) GenerateIncrementalSnapshot(ctx context.Context, base, slot uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incrementalBase = base
	c.incrementalSlot = slot
	c.hasIncremental = true
	return fmt.Sprintf("/snapshots/incremental/snapshot-%d-%d.tar.zst", base, slot), nil
}

// PurgeBankSnapshotsBeyond implements SnapshotController.
func (c *MemorySnapshotController) PurgeBankSnapshotsBeyond(slot uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgedBeyond = slot
	return nil
}
