// Package snapshotgen implements the SnapshotGenerator of spec.md §4.6:
// hard-fork insertion, background account-store quiescing, and
// full/incremental snapshot dispatch for the agreed restart slot.
package snapshotgen

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/werrors"
)

var log = logrus.WithField("prefix", "snapshotgen")

// ShredVersionFunc computes the shred version from the genesis hash and
// the accumulated hard-fork set (spec.md glossary, §4.6 step 6).
type ShredVersionFunc func(genesisHash string, hardForks []uint64) uint32

// Generator produces the agreed-slot snapshot described by spec.md §4.6.
type Generator struct {
	BankForks          blockstore.BankForks
	Snapshot           blockstore.SnapshotController
	AccountsBackground blockstore.AccountsBackgroundService
	GenesisConfigHash  string
	ShredVersion       ShredVersionFunc
}

// Generate runs spec.md §4.6's full procedure for agreed slot s and
// returns the persistable my_snapshot record.
func (g *Generator) Generate(ctx context.Context, s uint64) (*progress.GenerateSnapshotRecord, error) {
	if g.Snapshot == nil {
		return nil, werrors.GenerateSnapshotWhenDisabled
	}

	// Step 1: register s as a hard fork, idempotently.
	alreadyHardFork := false
	for _, hf := range g.BankForks.HardForks() {
		if hf == s {
			alreadyHardFork = true
			break
		}
	}
	if !alreadyHardFork {
		g.BankForks.InsertHardFork(s)
	}

	// Step 2: the agreed slot must already have a bank (the heaviest-fork
	// finder is what guarantees this by the time we get here).
	bank, ok := g.BankForks.Bank(s)
	if !ok {
		return nil, &werrors.BlockNotFound{Slot: s}
	}

	// Step 3: quiesce background account-store maintenance. Snapshot
	// generation's own accounts-hash computation cannot run concurrently
	// with AccountsBackgroundService's flush/clean/shrink tasks, and only
	// one accounts-hash computation may be in flight at a time.
	g.AccountsBackground.Stop()
	log.Info("Waiting for AccountsBackgroundService to stop")
	for !g.AccountsBackground.Stopped() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if err := g.AccountsBackground.JoinAccountsHashVerification(ctx); err != nil {
		return nil, werrors.Wrap(err, "snapshotgen: join accounts hash verification")
	}

	// Steps 4-5: dispatch full or incremental snapshot generation.
	path, base, err := g.generateArchive(ctx, s)
	if err != nil {
		return nil, err
	}

	// Step 6: recompute the shred version from genesis + accumulated hard
	// forks.
	shredVersion := g.ShredVersion(g.GenesisConfigHash, g.BankForks.HardForks())

	// Step 7: purge bank snapshots beyond s.
	if err := g.Snapshot.PurgeBankSnapshotsBeyond(s); err != nil {
		return nil, werrors.Wrap(err, "snapshotgen: purge bank snapshots")
	}

	log.WithFields(logrus.Fields{
		"path":          path,
		"slot":          s,
		"base":          base,
		"shred_version": shredVersion,
	}).Info("Wen-restart snapshot generated")

	return &progress.GenerateSnapshotRecord{
		Slot:         s,
		BankHash:     bank.Hash,
		Path:         path,
		ShredVersion: shredVersion,
	}, nil
}

// generateArchive implements spec.md §4.6 steps 4-5: a full snapshot if
// no usable base exists, otherwise an incremental snapshot relative to
// the highest full snapshot, with the lifecycle errors each rule implies.
func (g *Generator) generateArchive(ctx context.Context, s uint64) (path string, base uint64, err error) {
	if !g.Snapshot.Enabled() {
		return "", 0, werrors.GenerateSnapshotWhenDisabled
	}

	full, hasFull := g.Snapshot.HighestFullSnapshot()
	if !hasFull {
		log.WithField("slot", s).Info("No full snapshot found, generating full snapshot")
		path, err = g.Snapshot.GenerateFullSnapshot(ctx, s)
		return path, 0, werrors.Wrap(err, "snapshotgen: generate full snapshot")
	}

	if err := checkSlotSmallerThanIntended(full, s, "full"); err != nil {
		return "", 0, err
	}
	if full == s {
		return "", 0, &werrors.GenerateSnapshotWhenOneExists{Slot: s, Directory: "full"}
	}

	if incremental, hasIncremental := g.Snapshot.HighestIncrementalSnapshot(full); hasIncremental {
		if err := checkSlotSmallerThanIntended(incremental, s, "incremental"); err != nil {
			return "", 0, err
		}
	}

	path, err = g.Snapshot.GenerateIncrementalSnapshot(ctx, full, s)
	if err != nil {
		return "", 0, werrors.Wrap(err, "snapshotgen: generate incremental snapshot")
	}
	log.WithFields(logrus.Fields{"base": full, "slot": s, "slot_distance": humanize.Comma(int64(s - full))}).
		Info("Generated incremental snapshot")
	return path, full, nil
}

// checkSlotSmallerThanIntended implements spec.md §4.6's ordering rules
// between an existing snapshot archive and the newly agreed slot.
func checkSlotSmallerThanIntended(existing, intended uint64, directory string) error {
	if existing > intended {
		return &werrors.FutureSnapshotExists{Slot: intended, HighestSlot: existing, Directory: directory}
	}
	if existing == intended {
		return &werrors.GenerateSnapshotWhenOneExists{Slot: intended, Directory: directory}
	}
	return nil
}
