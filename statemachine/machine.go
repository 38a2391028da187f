// Package statemachine implements the StateMachine driver of spec.md
// §4.7: it sequences the six wen-restart phases, hydrates from the
// persisted progress record on resume, and propagates the external exit
// signal at every suspension point (spec.md §5).
package statemachine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/coordinator"
	"github.com/wenrestart/core/gossip"
	"github.com/wenrestart/core/heaviestfork"
	"github.com/wenrestart/core/lastvotedfork"
	"github.com/wenrestart/core/progress"
	"github.com/wenrestart/core/snapshotgen"
	"github.com/wenrestart/core/werrors"
)

var log = logrus.WithField("prefix", "statemachine")

// DefaultGossipSleep approximates the original's GOSSIP_SLEEP_MILLIS: how
// long each phase sleeps between gossip polls (spec.md §5 suspension
// point (i), §6).
const DefaultGossipSleep = 100 * time.Millisecond

// ExitSignal is the external cancellation flag of spec.md §5, satisfied
// by a single atomic boolean shared across every suspension point.
type ExitSignal interface {
	Exited() bool
}

// Config wires every external collaborator the state machine needs,
// together with its scalar settings (identities, shred version, last-vote
// seed, supermajority threshold, gossip tick).
type Config struct {
	Store *progress.Store

	Self         string
	Coordinator  string
	ShredVersion uint32

	SeedLastVotedForkSlots []uint64
	SeedLastVoteBankHash   string

	SupermajorityThresholdPercent float64
	GossipSleep                   time.Duration

	LastVotedForkSlotsSource    gossip.LastVotedForkSlotsSource
	LastVotedForkSlotsPublisher gossip.LastVotedForkSlotsPublisher
	HeaviestForkSource          gossip.HeaviestForkSource
	HeaviestForkPublisher       gossip.HeaviestForkPublisher
	Flusher                     gossip.Flusher

	RepairSink lastvotedfork.RepairSink

	Blockstore blockstore.Blockstore
	BankForks  blockstore.BankForks

	Stakes             lastvotedfork.EpochStakeProvider
	EpochAt            func(slot uint64) uint64
	HeaviestForkStakes heaviestfork.StakeProvider

	SnapshotGenerator *snapshotgen.Generator

	Exit ExitSignal
}

// Machine drives the phase sequence of spec.md §4.7.
type Machine struct {
	cfg Config
}

// New returns a Machine configured by cfg.
func New(cfg Config) *Machine {
	if cfg.GossipSleep == 0 {
		cfg.GossipSleep = DefaultGossipSleep
	}
	return &Machine{cfg: cfg}
}

// Run hydrates from disk and sequences phases until Done, or until a
// phase returns an error (spec.md §4.7, §7's propagation policy: the
// progress file only advances on successful completion of a phase, so a
// failed run resumes from the last committed phase).
func (m *Machine) Run(ctx context.Context) error {
	p, err := m.cfg.Store.Load()
	if err != nil {
		return werrors.Wrap(err, "statemachine: load progress")
	}

	for {
		if m.cfg.Exit.Exited() {
			return werrors.Exiting
		}
		var err error
		switch p.State {
		case progress.StateInit:
			err = m.runInit(p)
		case progress.StateLastVotedForkSlots:
			err = m.runLastVotedForkSlots(ctx, p)
		case progress.StateFindHeaviestFork:
			err = m.runFindHeaviestFork(ctx, p)
		case progress.StateHeaviestFork:
			err = m.runHeaviestFork(ctx, p)
		case progress.StateGenerateSnapshot:
			err = m.runGenerateSnapshot(ctx, p)
		case progress.StateDone:
			return m.runDone(p)
		default:
			return &werrors.UnexpectedState{State: p.State.String()}
		}
		if err != nil {
			return err
		}
	}
}

// advance is the phase-transition writer of the on-disk progress record
// (increment_and_write_wen_restart_records in the original): it is the
// only call site in this package that mutates p.State, so the new state
// and the record carrying it are saved together (spec.md §4.7). Mid-phase
// saves (the last-voted-fork-slots aggregate in runLastVotedForkSlots,
// the coordinator's heaviest-fork aggregate in runDone) write the record
// without changing its state.
func (m *Machine) advance(p *progress.Progress, next progress.State) error {
	p.State = next
	log.WithField("state", next).Info("Advancing wen-restart state")
	return m.cfg.Store.Save(p)
}

// runInit publishes this validator's own last-voted-fork-slots (spec.md
// §4.7 Init).
func (m *Machine) runInit(p *progress.Progress) error {
	if p.MyLastVotedForkSlots == nil {
		if len(m.cfg.SeedLastVotedForkSlots) == 0 {
			return werrors.MissingLastVotedForkSlots
		}
		p.MyLastVotedForkSlots = &progress.LastVotedForkSlotsRecord{
			LastVotedForkSlots: m.cfg.SeedLastVotedForkSlots,
			LastVoteBankhash:   m.cfg.SeedLastVoteBankHash,
			ShredVersion:       m.cfg.ShredVersion,
			Wallclock:          uint64(time.Now().UnixMilli()),
		}
	}
	if err := m.cfg.LastVotedForkSlotsPublisher.PublishLastVotedForkSlots(gossip.LastVotedForkSlotsMessage{
		From:               m.cfg.Self,
		Wallclock:          p.MyLastVotedForkSlots.Wallclock,
		LastVotedForkSlots: p.MyLastVotedForkSlots.LastVotedForkSlots,
		LastVoteBankHash:   p.MyLastVotedForkSlots.LastVoteBankhash,
		ShredVersion:       p.MyLastVotedForkSlots.ShredVersion,
	}); err != nil {
		return werrors.Wrap(err, "statemachine: publish last voted fork slots")
	}
	return m.advance(p, progress.StateLastVotedForkSlots)
}

// runLastVotedForkSlots drives the LastVotedForkSlotsAggregator (§4.2)
// until it finalizes (spec.md §4.7 LastVotedForkSlots).
func (m *Machine) runLastVotedForkSlots(ctx context.Context, p *progress.Progress) error {
	if p.LastVotedForkSlotsAggregate != nil && p.LastVotedForkSlotsAggregate.Final != nil {
		return m.advance(p, progress.StateFindHeaviestFork)
	}

	agg := lastvotedfork.New(m.cfg.BankForks.Root(), m.cfg.Stakes, m.cfg.SupermajorityThresholdPercent)
	if p.LastVotedForkSlotsAggregate != nil {
		for peer, rec := range p.LastVotedForkSlotsAggregate.ReceivedRecords {
			agg.AggregateFromRecord(peer, rec)
		}
	}

	for {
		if m.cfg.Exit.Exited() {
			return werrors.Exiting
		}
		var newMsgs []lastvotedfork.Message
		for _, gm := range m.cfg.LastVotedForkSlotsSource.ReceiveLastVotedForkSlots() {
			newMsgs = append(newMsgs, lastvotedfork.Message{
				From:               gm.From,
				Wallclock:          gm.Wallclock,
				LastVotedForkSlots: gm.LastVotedForkSlots,
				LastVoteBankHash:   gm.LastVoteBankHash,
				ShredVersion:       gm.ShredVersion,
			})
		}

		final, changed, err := agg.Tick(newMsgs, m.cfg.RepairSink, m.cfg.Blockstore)
		if err != nil {
			return err
		}

		if changed {
			p.LastVotedForkSlotsAggregate = agg.Snapshot()
			mergeConflicts(p, agg.Conflicts())
			if err := m.cfg.Store.Save(p); err != nil {
				return werrors.Wrap(err, "statemachine: persist last voted fork slots aggregate")
			}
		}

		if final != nil {
			return m.advance(p, progress.StateFindHeaviestFork)
		}
		time.Sleep(m.cfg.GossipSleep)
	}
}

func mergeConflicts(p *progress.Progress, conflicts map[string]progress.ConflictPair) {
	if len(conflicts) == 0 {
		return
	}
	if p.ConflictMessage == nil {
		p.ConflictMessage = map[string]progress.ConflictPair{}
	}
	for peer, pair := range conflicts {
		p.ConflictMessage[peer] = pair
	}
}

// activeStakeAdapter exposes the finalized last-voted-fork-slots epoch
// info as a heaviestfork.EpochActiveStakeProvider, the narrow slice of
// per-epoch stake the heaviest-fork finder needs (spec.md §4.3's inputs).
type activeStakeAdapter struct {
	final   *progress.LastVotedForkSlotsAggregateFinal
	epochAt func(uint64) uint64
}

func (a *activeStakeAdapter) EpochAt(slot uint64) uint64 { return a.epochAt(slot) }

func (a *activeStakeAdapter) ActiveStake(epoch uint64) uint64 {
	for _, ei := range a.final.EpochInfos {
		if ei.Epoch == epoch {
			return ei.ActivelyVotingStake
		}
	}
	return 0
}

func (a *activeStakeAdapter) TotalStake(epoch uint64) uint64 {
	for _, ei := range a.final.EpochInfos {
		if ei.Epoch == epoch {
			return ei.TotalStake
		}
	}
	return 0
}

// runFindHeaviestFork invokes the HeaviestForkFinder (§4.3), skipping
// recomputation if my_heaviest_fork is already set from a resumed
// progress record (boundary case: resume must not re-run the finder).
func (m *Machine) runFindHeaviestFork(ctx context.Context, p *progress.Progress) error {
	if p.LastVotedForkSlotsAggregate == nil || p.LastVotedForkSlotsAggregate.Final == nil {
		return &werrors.MalformedProgress{State: progress.StateFindHeaviestFork.String(), MissingField: "last_voted_fork_slots_aggregate.final_result"}
	}

	if p.MyHeaviestFork == nil {
		adapter := &activeStakeAdapter{final: p.LastVotedForkSlotsAggregate.Final, epochAt: m.cfg.EpochAt}
		rec, err := heaviestfork.Find(ctx, p.LastVotedForkSlotsAggregate.Final, adapter, m.cfg.BankForks, m.cfg.Blockstore)
		if err != nil {
			return err
		}
		rec.ShredVersion = m.cfg.ShredVersion
		rec.From = m.cfg.Self
		log.WithFields(logrus.Fields{"slot": rec.Slot, "hash": rec.BankHash}).Info("Heaviest fork found")
		p.MyHeaviestFork = rec
	}

	return m.advance(p, progress.StateHeaviestFork)
}

// runHeaviestFork invokes the CoordinatorProtocol (§4.5).
func (m *Machine) runHeaviestFork(ctx context.Context, p *progress.Progress) error {
	if p.MyHeaviestFork == nil {
		return &werrors.MalformedProgress{State: progress.StateHeaviestFork.String(), MissingField: "my_heaviest_fork"}
	}

	if coordinator.Role(m.cfg.Self, m.cfg.Coordinator) {
		slot, hash, err := coordinator.RunCoordinator(m.cfg.HeaviestForkPublisher, m.cfg.Self, m.cfg.ShredVersion, p.MyHeaviestFork.Slot, p.MyHeaviestFork.BankHash)
		if err != nil {
			return err
		}
		p.CoordinatorHeaviestFork = &progress.HeaviestForkRecord{Slot: slot, BankHash: hash, From: m.cfg.Self, ShredVersion: m.cfg.ShredVersion}
	} else {
		slot, hash, err := coordinator.RunFollower(
			ctx,
			m.cfg.HeaviestForkSource,
			m.cfg.HeaviestForkPublisher,
			m.cfg.Flusher,
			m.cfg.RepairSink,
			m.cfg.BankForks,
			m.cfg.Blockstore,
			m.cfg.Exit,
			m.cfg.Coordinator,
			p.MyHeaviestFork.Slot,
			p.MyHeaviestFork.BankHash,
			m.cfg.GossipSleep,
		)
		if err != nil {
			return err
		}
		p.CoordinatorHeaviestFork = &progress.HeaviestForkRecord{Slot: slot, BankHash: hash, From: m.cfg.Coordinator, ShredVersion: m.cfg.ShredVersion}
	}

	return m.advance(p, progress.StateGenerateSnapshot)
}

// runGenerateSnapshot invokes the SnapshotGenerator (§4.6).
func (m *Machine) runGenerateSnapshot(ctx context.Context, p *progress.Progress) error {
	if p.CoordinatorHeaviestFork == nil {
		return &werrors.MalformedProgress{State: progress.StateGenerateSnapshot.String(), MissingField: "coordinator_heaviest_fork"}
	}

	if p.MySnapshot == nil {
		rec, err := m.cfg.SnapshotGenerator.Generate(ctx, p.CoordinatorHeaviestFork.Slot)
		if err != nil {
			return err
		}
		p.MySnapshot = rec
	}

	return m.advance(p, progress.StateDone)
}

// runDone logs the restart instructions (spec.md §6's termination
// contract) and, if this validator is the coordinator, runs the
// coordinator-side HeaviestForkAggregator (§4.4) indefinitely until exit.
func (m *Machine) runDone(p *progress.Progress) error {
	if p.MySnapshot == nil {
		return werrors.MissingSnapshotInProtobuf
	}

	log.WithFields(logrus.Fields{
		"slot":          p.MySnapshot.Slot,
		"bank_hash":     p.MySnapshot.BankHash,
		"shred_version": p.MySnapshot.ShredVersion,
	}).Error("Wen-restart finished; remove --wen_restart and restart with --wait-for-supermajority")

	if !coordinator.Role(m.cfg.Self, m.cfg.Coordinator) {
		return nil
	}

	agg := heaviestfork.New(m.cfg.ShredVersion, m.cfg.HeaviestForkStakes, p.CoordinatorHeaviestFork.Slot, p.CoordinatorHeaviestFork.BankHash, m.cfg.Self)
	if p.HeaviestForkAggregate != nil {
		for _, rec := range p.HeaviestForkAggregate.Received {
			agg.AggregateFromRecord(rec)
		}
	}

	persist := func(rec *progress.HeaviestForkAggregateRecord) error {
		p.HeaviestForkAggregate = rec
		return m.cfg.Store.Save(p)
	}
	agg.Run(heaviestForkGossipAdapter{m.cfg.HeaviestForkSource}, persist, m.cfg.Exit, m.cfg.GossipSleep)
	return nil
}

// heaviestForkGossipAdapter adapts gossip.HeaviestForkSource to the
// narrower heaviestfork.GossipSource the coordinator-only aggregator
// consumes, dropping the ObservedStake field that aggregator has no use
// for.
type heaviestForkGossipAdapter struct {
	src gossip.HeaviestForkSource
}

func (a heaviestForkGossipAdapter) ReceiveHeaviestForks() []heaviestfork.HeaviestForkMessage {
	raw := a.src.ReceiveHeaviestForks()
	out := make([]heaviestfork.HeaviestForkMessage, 0, len(raw))
	for _, gm := range raw {
		out = append(out, heaviestfork.HeaviestForkMessage{
			From:         gm.From,
			Wallclock:    gm.Wallclock,
			LastSlot:     gm.LastSlot,
			LastSlotHash: gm.LastSlotHash,
			ShredVersion: gm.ShredVersion,
		})
	}
	return out
}
