// Package coordinator implements the CoordinatorProtocol of spec.md §4.5:
// depending on whether this validator's identity matches the configured
// wen_restart_coordinator, it either broadcasts the authoritative
// heaviest fork or receives and verifies it.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wenrestart/core/blockstore"
	"github.com/wenrestart/core/gossip"
	"github.com/wenrestart/core/heaviestfork"
	"github.com/wenrestart/core/werrors"
)

var log = logrus.WithField("prefix", "coordinator")

// RepairSink is the shared repair-slots publication (spec.md §5), reused
// here for the follower's "repair all ancestors of the coordinator's
// slot" step.
type RepairSink interface {
	PublishRepairSlots(slots []uint64)
}

// ExitSignal is the external cancellation flag of spec.md §5.
type ExitSignal interface {
	Exited() bool
}

// Role reports whether this validator is the coordinator or a follower
// for a given identity and configured coordinator.
func Role(self, configuredCoordinator string) bool {
	return self == configuredCoordinator
}

// RunCoordinator implements the coordinator half of spec.md §4.5:
// broadcast (my_heaviest_fork_slot, my_heaviest_fork_hash) once and
// return it unchanged, the way the original's send_and_receive_heaviest_fork
// pushfn branch does for the coordinator identity.
func RunCoordinator(pub gossip.HeaviestForkPublisher, self string, shredVersion uint32, slot uint64, hash string) (uint64, string, error) {
	msg := gossip.HeaviestForkMessage{From: self, LastSlot: slot, LastSlotHash: hash, ShredVersion: shredVersion}
	if err := pub.PublishHeaviestFork(msg); err != nil {
		return 0, "", werrors.Wrap(err, "coordinator: publish heaviest fork")
	}
	log.WithFields(logrus.Fields{"slot": slot, "hash": hash}).Info("Published coordinator heaviest fork")
	return slot, hash, nil
}

// RunFollower implements the follower half of spec.md §4.5: block on
// gossip until a heaviest-fork message from configuredCoordinator arrives,
// verify it, and on success publish the coordinator's choice so the rest
// of the state machine proceeds with an agreed slot. On verification
// failure it still publishes the follower's own local choice (so the
// divergence is visible to operators), flushes gossip, sleeps briefly,
// and returns the verification error.
func RunFollower(
	ctx context.Context,
	source gossip.HeaviestForkSource,
	pub gossip.HeaviestForkPublisher,
	flusher gossip.Flusher,
	repair RepairSink,
	bf blockstore.BankForks,
	bs blockstore.Blockstore,
	exit ExitSignal,
	configuredCoordinator string,
	myHeaviestForkSlot uint64,
	myHeaviestForkHash string,
	tick time.Duration,
) (uint64, string, error) {
	coordSlot, coordHash, err := receiveFromCoordinator(source, exit, configuredCoordinator, tick)
	if err != nil {
		return 0, "", err
	}

	if err := verifyCoordinatorHeaviestFork(ctx, coordSlot, coordHash, myHeaviestForkSlot, bf, bs, repair, exit, tick); err != nil {
		log.WithError(err).Warn("Failed to verify coordinator heaviest fork, publishing local choice and exiting")
		_ = pub.PublishHeaviestFork(gossip.HeaviestForkMessage{From: "", LastSlot: myHeaviestForkSlot, LastSlotHash: myHeaviestForkHash})
		flusher.FlushPushQueue()
		time.Sleep(tick)
		return 0, "", err
	}

	_ = pub.PublishHeaviestFork(gossip.HeaviestForkMessage{From: "", LastSlot: coordSlot, LastSlotHash: coordHash})
	return coordSlot, coordHash, nil
}

// receiveFromCoordinator blocks on gossip until a RestartHeaviestFork
// message authored by configuredCoordinator arrives (spec.md §4.5
// Follower step, and §4.6's "follower only accepts heaviest-fork messages
// authored by the configured coordinator identity").
func receiveFromCoordinator(source gossip.HeaviestForkSource, exit ExitSignal, configuredCoordinator string, tick time.Duration) (uint64, string, error) {
	for {
		if exit.Exited() {
			return 0, "", werrors.Exiting
		}
		for _, msg := range source.ReceiveHeaviestForks() {
			if msg.From != configuredCoordinator {
				continue
			}
			log.WithFields(logrus.Fields{"slot": msg.LastSlot, "hash": msg.LastSlotHash}).Info("Received heaviest fork from coordinator")
			return msg.LastSlot, msg.LastSlotHash, nil
		}
		time.Sleep(tick)
	}
}

// verifyCoordinatorHeaviestFork implements spec.md §4.5's Follower
// verification steps 1-4.
func verifyCoordinatorHeaviestFork(
	ctx context.Context,
	coordinatorSlot uint64,
	coordinatorHash string,
	myHeaviestForkSlot uint64,
	bf blockstore.BankForks,
	bs blockstore.Blockstore,
	repair RepairSink,
	exit ExitSignal,
	tick time.Duration,
) error {
	if err := repairAncestors(coordinatorSlot, myHeaviestForkSlot, bs, repair, exit, tick); err != nil {
		return err
	}

	root := bf.Root()
	ancestors := bs.AncestorIterator(coordinatorSlot)
	chain := append([]uint64{coordinatorSlot}, ancestors...)
	sort.Slice(chain, func(i, j int) bool { return chain[i] < chain[j] })

	hasRoot := false
	for _, s := range chain {
		if s == root {
			hasRoot = true
			break
		}
	}
	if !hasRoot {
		return &werrors.HeaviestForkOnLeaderOnDifferentFork{CoordinatorSlot: coordinatorSlot, LocalSlot: root}
	}

	if coordinatorSlot > myHeaviestForkSlot {
		if !contains(chain, myHeaviestForkSlot) {
			return &werrors.HeaviestForkOnLeaderOnDifferentFork{CoordinatorSlot: coordinatorSlot, LocalSlot: myHeaviestForkSlot}
		}
	} else if coordinatorSlot < myHeaviestForkSlot {
		myAncestors := bs.AncestorIterator(myHeaviestForkSlot)
		if !contains(myAncestors, coordinatorSlot) {
			return &werrors.HeaviestForkOnLeaderOnDifferentFork{CoordinatorSlot: coordinatorSlot, LocalSlot: myHeaviestForkSlot}
		}
	}

	replayChain := chain
	for i, s := range replayChain {
		if s < root {
			replayChain = replayChain[i+1:]
			break
		}
	}
	var myHash string
	var err error
	if len(replayChain) > 0 {
		myHash, err = heaviestfork.ReplayChain(ctx, replayChain, bf)
		if err != nil {
			return err
		}
	} else {
		b, ok := bf.Bank(coordinatorSlot)
		if !ok {
			return &werrors.BlockNotFound{Slot: coordinatorSlot}
		}
		myHash = b.Hash
	}

	if myHash != coordinatorHash {
		return &werrors.BankHashMismatch{Slot: coordinatorSlot, Expected: coordinatorHash, Actual: myHash}
	}
	return nil
}

// repairAncestors implements spec.md §4.5 Follower step 1: repair all
// ancestors of the coordinator's slot above the follower's own choice
// until full, publishing the remaining set on every tick.
func repairAncestors(coordinatorSlot, myHeaviestForkSlot uint64, bs blockstore.Blockstore, repair RepairSink, exit ExitSignal, tick time.Duration) error {
	for {
		if exit.Exited() {
			return werrors.Exiting
		}
		var toRepair []uint64
		if _, ok := bs.Block(coordinatorSlot); ok {
			for _, slot := range append([]uint64{coordinatorSlot}, bs.AncestorIterator(coordinatorSlot)...) {
				if slot <= myHeaviestForkSlot {
					continue
				}
				if !bs.SlotFull(slot) {
					toRepair = append(toRepair, slot)
				}
			}
		} else {
			toRepair = []uint64{coordinatorSlot}
		}
		sort.Slice(toRepair, func(i, j int) bool { return toRepair[i] < toRepair[j] })
		log.WithField("slots", toRepair).Info("Wen-restart repair slots")
		if len(toRepair) == 0 {
			return nil
		}
		if repair != nil {
			repair.PublishRepairSlots(toRepair)
		}
		time.Sleep(tick)
	}
}

func contains(xs []uint64, v uint64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
