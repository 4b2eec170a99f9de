package core

// core/broadcaster.go
//
// Single-topic FIFO broadcaster over gossip pubsub. Payloads are opaque; no
// cross-sender ordering is guaranteed. The CRDT layer does not depend on
// delivery order because deltas carry their DAG parents.

import (
	"context"
	"errors"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	logrus "github.com/sirupsen/logrus"
)

// Broadcaster sends payloads to all replicas on a named topic and hands back
// payloads received from them.
type Broadcaster interface {
	// Broadcast sends buff to other replicas, fire-and-forget.
	Broadcast(buff []byte) error
	// Next returns the oldest received payload, or ErrNoMoreBroadcast when
	// the queue is empty.
	Next() ([]byte, error)
}

// PubSubBroadcaster implements Broadcaster over a gossipsub topic. Messages
// published by the local peer are not queued back to it.
type PubSubBroadcaster struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	self   peer.ID
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger

	mu       sync.Mutex
	messages [][]byte
}

// NewPubSubBroadcaster joins topicName and starts queuing received payloads.
func NewPubSubBroadcaster(ctx context.Context, ps *pubsub.PubSub, self peer.ID, topicName string, lg *logrus.Logger) (*PubSubBroadcaster, error) {
	if ps == nil {
		return nil, errors.New("broadcaster: pubsub nil")
	}
	if lg == nil {
		lg = logrus.New()
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	bctx, cancel := context.WithCancel(ctx)
	b := &PubSubBroadcaster{
		topic:  topic,
		sub:    sub,
		self:   self,
		ctx:    bctx,
		cancel: cancel,
		logger: lg,
	}
	go b.receiveLoop()
	return b, nil
}

func (b *PubSubBroadcaster) receiveLoop() {
	for {
		msg, err := b.sub.Next(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil {
				b.logger.Warnf("broadcaster: subscription closed: %v", err)
			}
			return
		}
		if msg.ReceivedFrom == b.self {
			continue
		}
		b.mu.Lock()
		b.messages = append(b.messages, msg.Data)
		b.mu.Unlock()
	}
}

// Broadcast publishes buff on the topic. Best effort; delivery to any
// particular peer is not guaranteed.
func (b *PubSubBroadcaster) Broadcast(buff []byte) error {
	return b.topic.Publish(b.ctx, buff)
}

// Next pops the oldest received payload.
func (b *PubSubBroadcaster) Next() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return nil, ErrNoMoreBroadcast
	}
	buff := b.messages[0]
	b.messages = b.messages[1:]
	return buff, nil
}

// Close cancels the subscription and leaves the topic.
func (b *PubSubBroadcaster) Close() error {
	b.cancel()
	b.sub.Cancel()
	return b.topic.Close()
}
