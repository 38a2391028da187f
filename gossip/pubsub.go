package gossip

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "gossip")

const (
	// TopicLastVotedForkSlots is the gossipsub topic carrying
	// RestartLastVotedForkSlots messages.
	TopicLastVotedForkSlots = "/wen-restart/last-voted-fork-slots/1"
	// TopicHeaviestFork is the gossipsub topic carrying RestartHeaviestFork
	// messages.
	TopicHeaviestFork = "/wen-restart/heaviest-fork/1"

	// inboxSize bounds how many undrained messages this node buffers per
	// topic before dropping further deliveries; Receive* calls are expected
	// to happen at least every GOSSIP_SLEEP_MILLIS tick.
	inboxSize = 4096
)

// Service is a libp2p-pubsub-backed implementation of the gossip
// interfaces this module consumes, built on the same
// go-libp2p/go-libp2p-pubsub/go-libp2p-peerstore stack prysm's own p2p
// package uses for every other gossip topic. Transport itself is out of
// spec.md's scope; this adapter is the ambient wiring that exercises it.
type Service struct {
	host host.Host
	ps   *pubsub.PubSub

	lastVotedTopic *pubsub.Topic
	lastVotedSub   *pubsub.Subscription
	heaviestTopic  *pubsub.Topic
	heaviestSub    *pubsub.Subscription

	mu            sync.Mutex
	lastVotedBuf  []LastVotedForkSlotsMessage
	heaviestBuf   []HeaviestForkMessage

	cancel context.CancelFunc
}

// NewService joins both wen-restart gossipsub topics on h using a
// gossipsub router, and starts background readers that buffer incoming
// messages for later draining by ReceiveLastVotedForkSlots /
// ReceiveHeaviestForks.
func NewService(ctx context.Context, h host.Host) (*Service, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, errors.Wrap(err, "gossip: new gossipsub router")
	}
	lastVotedTopic, err := ps.Join(TopicLastVotedForkSlots)
	if err != nil {
		return nil, errors.Wrap(err, "gossip: join last-voted-fork-slots topic")
	}
	lastVotedSub, err := lastVotedTopic.Subscribe()
	if err != nil {
		return nil, errors.Wrap(err, "gossip: subscribe last-voted-fork-slots topic")
	}
	heaviestTopic, err := ps.Join(TopicHeaviestFork)
	if err != nil {
		return nil, errors.Wrap(err, "gossip: join heaviest-fork topic")
	}
	heaviestSub, err := heaviestTopic.Subscribe()
	if err != nil {
		return nil, errors.Wrap(err, "gossip: subscribe heaviest-fork topic")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Service{
		host:           h,
		ps:             ps,
		lastVotedTopic: lastVotedTopic,
		lastVotedSub:   lastVotedSub,
		heaviestTopic:  heaviestTopic,
		heaviestSub:    heaviestSub,
		cancel:         cancel,
	}
	go s.readLastVotedForkSlots(runCtx)
	go s.readHeaviestFork(runCtx)
	return s, nil
}

// Close cancels the background readers and tears down both topics.
func (s *Service) Close() {
	s.cancel()
	s.lastVotedSub.Cancel()
	s.heaviestSub.Cancel()
	_ = s.lastVotedTopic.Close()
	_ = s.heaviestTopic.Close()
}

func (s *Service) readLastVotedForkSlots(ctx context.Context) {
	for {
		raw, err := s.lastVotedSub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("gossip: last-voted-fork-slots subscription read failed")
			continue
		}
		if raw.ReceivedFrom == s.host.ID() {
			continue
		}
		msg, err := decodeLastVotedForkSlots(raw.Data)
		if err != nil {
			log.WithError(err).WithField("peer", raw.ReceivedFrom).Warn("gossip: malformed RestartLastVotedForkSlots")
			continue
		}
		s.mu.Lock()
		if len(s.lastVotedBuf) < inboxSize {
			s.lastVotedBuf = append(s.lastVotedBuf, msg)
		}
		s.mu.Unlock()
	}
}

func (s *Service) readHeaviestFork(ctx context.Context) {
	for {
		raw, err := s.heaviestSub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("gossip: heaviest-fork subscription read failed")
			continue
		}
		if raw.ReceivedFrom == s.host.ID() {
			continue
		}
		msg, err := decodeHeaviestFork(raw.Data)
		if err != nil {
			log.WithError(err).WithField("peer", raw.ReceivedFrom).Warn("gossip: malformed RestartHeaviestFork")
			continue
		}
		s.mu.Lock()
		if len(s.heaviestBuf) < inboxSize {
			s.heaviestBuf = append(s.heaviestBuf, msg)
		}
		s.mu.Unlock()
	}
}

// ReceiveLastVotedForkSlots implements LastVotedForkSlotsSource: drains
// whatever has accumulated since the previous call.
func (s *Service) ReceiveLastVotedForkSlots() []LastVotedForkSlotsMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.lastVotedBuf
	s.lastVotedBuf = nil
	return out
}

// PublishLastVotedForkSlots implements LastVotedForkSlotsPublisher.
func (s *Service) PublishLastVotedForkSlots(msg LastVotedForkSlotsMessage) error {
	return errors.Wrap(s.lastVotedTopic.Publish(context.Background(), encodeLastVotedForkSlots(msg)), "gossip: publish last-voted-fork-slots")
}

// ReceiveHeaviestForks implements HeaviestForkSource.
func (s *Service) ReceiveHeaviestForks() []HeaviestForkMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.heaviestBuf
	s.heaviestBuf = nil
	return out
}

// PublishHeaviestFork implements HeaviestForkPublisher.
func (s *Service) PublishHeaviestFork(msg HeaviestForkMessage) error {
	return errors.Wrap(s.heaviestTopic.Publish(context.Background(), encodeHeaviestFork(msg)), "gossip: publish heaviest-fork")
}

// FlushPushQueue implements Flusher. Gossipsub has no separate push-queue
// flush step the way prysm's CRDS-based ClusterInfo does (pubsub.Publish
// already hands the message to the mesh); this is a no-op kept so callers
// written against the Flusher interface compile against either transport.
func (s *Service) FlushPushQueue() {}

// ID returns this node's libp2p peer identity. Publish* calls send the
// From field the caller set; they do not fill it in from this ID.
func (s *Service) ID() peer.ID { return s.host.ID() }
