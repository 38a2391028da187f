// Package gossip implements the external gossip-transport boundary spec.md
// §1 places out of scope (push/pull of cluster data values) and §6
// describes the wire shape of: a libp2p-pubsub-backed adapter for the two
// RestartLastVotedForkSlots/RestartHeaviestFork message families, plus the
// narrow interfaces the rest of the module consumes instead of depending
// on libp2p directly.
package gossip

// MaxSlots caps the length of a RestartLastVotedForkSlots vector accepted
// from gossip (spec.md §6).
const MaxSlots = 1 << 20

// LastVotedForkSlotsMessage is the wire shape of RestartLastVotedForkSlots
// (spec.md §6).
type LastVotedForkSlotsMessage struct {
	From               string
	Wallclock          uint64
	LastVotedForkSlots []uint64
	LastVoteBankHash   string
	ShredVersion       uint32
}

// HeaviestForkMessage is the wire shape of RestartHeaviestFork (spec.md
// §6).
type HeaviestForkMessage struct {
	From         string
	Wallclock    uint64
	LastSlot     uint64
	LastSlotHash string
	ObservedStake uint64
	ShredVersion uint32
}

// LastVotedForkSlotsSource drains newly observed RestartLastVotedForkSlots
// messages; implementations own their own gossip cursor (spec.md §5:
// "cursor is owned by this thread").
type LastVotedForkSlotsSource interface {
	ReceiveLastVotedForkSlots() []LastVotedForkSlotsMessage
}

// LastVotedForkSlotsPublisher authors a RestartLastVotedForkSlots message.
type LastVotedForkSlotsPublisher interface {
	PublishLastVotedForkSlots(msg LastVotedForkSlotsMessage) error
}

// HeaviestForkSource drains newly observed RestartHeaviestFork messages.
type HeaviestForkSource interface {
	ReceiveHeaviestForks() []HeaviestForkMessage
}

// HeaviestForkPublisher authors a RestartHeaviestFork message.
type HeaviestForkPublisher interface {
	PublishHeaviestFork(msg HeaviestForkMessage) error
}

// Flusher exposes the gossip layer's push-queue flush, used by the
// follower's divergence path (spec.md §4.5 step 5: "still publish local
// choice... flush gossip").
type Flusher interface {
	FlushPushQueue()
}
