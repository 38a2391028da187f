// Command wenrestartd runs the wen-restart coordination protocol as a
// standalone process: wire flags into a config.Config, assemble every
// collaborator the statemachine needs, and drive it to completion.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"github.com/urfave/cli/v2"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/config"
	"github.com/wenrestart/core/gossip"
	"github.com/wenrestart/core/heaviestfork"
	"github.com/wenrestart/core/lastvotedfork"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/snapshotgen"
	"github.com/wenrestart/core/statemachine"
)

func main() {
	logrus.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})

	app := cli.NewApp()
	app.Name = "wenrestartd"
	app.Usage = "Run the wen-restart cluster-recovery coordination protocol"
	app.Flags = config.Flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("wenrestartd exited with error")
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.FromCLI(cliCtx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exit := &config.ExitFlag{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Warn("Received shutdown signal, raising wen-restart exit flag")
		exit.Set()
		cancel()
	}()

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close progress store")
		}
	}()

	h, err := libp2p.New()
	if err != nil {
		return errors.Wrap(err, "wenrestartd: new libp2p host")
	}
	defer func() { _ = h.Close() }()

	svc, err := gossip.NewService(ctx, h)
	if err != nil {
		return errors.Wrap(err, "wenrestartd: new gossip service")
	}
	defer svc.Close()

	bs := blockstore.NewMemoryBlockstore()
	bf := blockstore.NewMemoryBankForks(0, bs)
	snap := blockstore.NewMemorySnapshotController()
	abs := &blockstore.MemoryAccountsBackgroundService{}

	stakes := newSingleValidatorStakes(cfg.SelfIdentity)

	machine := statemachine.New(statemachine.Config{
		Store: store,

		Self:         cfg.SelfIdentity,
		Coordinator:  cfg.Coordinator,
		ShredVersion: cfg.ShredVersion,

		SeedLastVotedForkSlots: cfg.SeedLastVoteSlots,
		SeedLastVoteBankHash:   cfg.SeedLastVoteBankHash,

		SupermajorityThresholdPercent: cfg.SupermajorityThresholdPercent,

		LastVotedForkSlotsSource:    svc,
		LastVotedForkSlotsPublisher: svc,
		HeaviestForkSource:          svc,
		HeaviestForkPublisher:       svc,
		Flusher:                     svc,

		RepairSink: &loggingRepairSink{},

		Blockstore: bs,
		BankForks:  bf,

		Stakes:             stakes,
		EpochAt:            func(uint64) uint64 { return 0 },
		HeaviestForkStakes: &singleValidatorHeaviestStakes{self: cfg.SelfIdentity},

		SnapshotGenerator: &snapshotgen.Generator{
			BankForks:          bf,
			Snapshot:           snap,
			AccountsBackground: abs,
			GenesisConfigHash:  cfg.GenesisConfigHash,
			ShredVersion:       computeShredVersion,
		},

		Exit: exit,
	})

	return machine.Run(ctx)
}

func newStore(cfg *config.Config) (*progress.Store, error) {
	var opts []progress.Option
	if cfg.SnappyProgress {
		opts = append(opts, progress.WithSnappyFraming())
	}
	return progress.NewStore(cfg.WenRestartPath, opts...)
}

// computeShredVersion derives a shred version from the genesis hash and
// accumulated hard-fork set by folding both into a 32-bit FNV-1a hash
// (genesis hash bytes first, then each hard-fork slot truncated to 32
// bits). A real deployment reuses the cluster's own shred version
// algorithm instead of this standalone module owning consensus
// genesis-hash semantics.
func computeShredVersion(genesisHash string, hardForks []uint64) uint32 {
	h := uint32(2166136261)
	for _, b := range []byte(genesisHash) {
		h ^= uint32(b)
		h *= 16777619
	}
	for _, slot := range hardForks {
		h ^= uint32(slot)
		h *= 16777619
	}
	return h
}

// singleValidatorStakes is the stake provider used when no external
// stake source is wired in: it treats SelfIdentity as holding all stake,
// enough to exercise the protocol end-to-end in a single-node
// deployment. A multi-validator deployment supplies its own
// EpochStakeProvider/StakeProvider backed by the real vote-account
// stake distribution.
type singleValidatorStakes struct {
	self string
}

func newSingleValidatorStakes(self string) *singleValidatorStakes {
	return &singleValidatorStakes{self: self}
}

func (s *singleValidatorStakes) EpochAt(slot uint64) uint64 { return 0 }

func (s *singleValidatorStakes) TotalStake(epoch uint64) uint64 { return 1 }

func (s *singleValidatorStakes) StakeOf(epoch uint64, peer string) uint64 {
	if peer == s.self {
		return 1
	}
	return 0
}

func (s *singleValidatorStakes) ActiveStake(epoch uint64) uint64 { return 1 }

var (
	_ lastvotedfork.EpochStakeProvider      = (*singleValidatorStakes)(nil)
	_ heaviestfork.EpochActiveStakeProvider = (*singleValidatorStakes)(nil)
)

// singleValidatorHeaviestStakes is the heaviestfork.StakeProvider
// counterpart to singleValidatorStakes: same single-node assumption,
// narrower interface.
type singleValidatorHeaviestStakes struct {
	self string
}

func (s *singleValidatorHeaviestStakes) StakeOf(peer string) uint64 {
	if peer == s.self {
		return 1
	}
	return 0
}

var _ heaviestfork.StakeProvider = (*singleValidatorHeaviestStakes)(nil)

// loggingRepairSink is a RepairSink that just logs what the rest of the
// module would publish to the real repair subsystem (spec.md §1: repair
// is out of scope).
type loggingRepairSink struct{}

func (loggingRepairSink) PublishRepairSlots(slots []uint64) {
	if len(slots) == 0 {
		return
	}
	logrus.WithField("slots", slots).Info("wen-restart repair slots")
}
