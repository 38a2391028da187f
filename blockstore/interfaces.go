// Package blockstore defines the external collaborator contracts spec.md
// §1 places out of scope: ledger storage, bank construction/replay, and
// background account-store maintenance. The wen-restart core depends only
// on these interfaces; this package also ships a small in-memory
// implementation used by tests and local experimentation.
package blockstore

import "context"

// Block is the minimal per-slot metadata the heaviest-fork finder needs:
// parent linkage and completeness. Ledger storage itself is out of scope.
type Block struct {
	Slot       uint64
	ParentSlot uint64
	Complete   bool
}

// Blockstore is the read-only view onto ledger block metadata the finder
// and coordinator protocol need (spec.md §4.3, §4.5).
type Blockstore interface {
	// Block returns the metadata for slot, or ok=false if unknown.
	Block(slot uint64) (Block, bool)
	// SlotFull reports whether slot's block is complete.
	SlotFull(slot uint64) bool
	// AncestorIterator yields slot's ancestors, nearest first, including
	// the local root as the final element.
	AncestorIterator(slot uint64) []uint64
}

// Bank is the minimal frozen-bank shape the finder and snapshot generator
// need: a slot, its hash once frozen, and its parent.
type Bank struct {
	Slot       uint64
	ParentSlot uint64
	Hash       string
	Frozen     bool
}

// BankForks is the arena of banks keyed by slot (spec.md §9 — an arena
// whose parent links are indices, never ownership links).
type BankForks interface {
	// Root returns the local root slot.
	Root() uint64
	// Bank returns the bank at slot, or ok=false if it has not been
	// constructed.
	Bank(slot uint64) (Bank, bool)
	// ReplaySlot constructs a child bank of parentSlot at slot, replays its
	// block, and freezes it, returning the frozen bank. Replay uses the
	// same execution pipeline as normal consensus; this interface only
	// exposes the outcome.
	ReplaySlot(ctx context.Context, parentSlot, slot uint64) (Bank, error)
	// InsertHardFork registers slot as a hard fork on the root bank. It is
	// idempotent: inserting an already-registered slot is a no-op.
	InsertHardFork(slot uint64)
	// HardForks returns the accumulated hard-fork set, ascending.
	HardForks() []uint64
}

// AccountsBackgroundService models the background account-store
// maintenance the snapshot generator must quiesce before it can safely
// mutate bank-forks (spec.md §4.6 step 3, §5).
type AccountsBackgroundService interface {
	// Stop signals the background service to halt.
	Stop()
	// Stopped reports whether the service has fully halted.
	Stopped() bool
	// JoinAccountsHashVerification blocks until any in-flight startup
	// accounts-hash-verification completes. Only one such computation may
	// be in flight at a time (spec.md's supplemented feature 7).
	JoinAccountsHashVerification(ctx context.Context) error
}

// SnapshotController is the hook spec.md §6 says disables snapshot
// generation (§4.6) when absent.
type SnapshotController interface {
	// Enabled reports whether this node is configured to generate
	// snapshots at all.
	Enabled() bool
	// HighestFullSnapshot returns the slot of the highest full snapshot
	// archive on disk, if any.
	HighestFullSnapshot() (slot uint64, ok bool)
	// HighestIncrementalSnapshot returns the slot of the highest
	// incremental snapshot archive relative to base, if any.
	HighestIncrementalSnapshot(base uint64) (slot uint64, ok bool)
	// GenerateFullSnapshot produces a full snapshot archive at slot and
	// returns its path.
	GenerateFullSnapshot(ctx context.Context, slot uint64) (path string, err error)
	// GenerateIncrementalSnapshot produces an incremental snapshot archive
	// based on base, covering up to slot, and returns its path.
	GenerateIncrementalSnapshot(ctx context.Context, base, slot uint64) (path string, err error)
	// PurgeBankSnapshotsBeyond deletes any bank snapshot directories for
	// slots greater than slot.
	PurgeBankSnapshotsBeyond(slot uint64) error
}
