package core

// core/processing_channel.go
//
// Typed pubsub channels. A processing channel carries per-task coordination
// traffic (room snapshots, join requests, creation intents, subtask queue
// snapshots, subtask results); the grid channel carries room advertisements.
// Envelopes are JSON, one variant field set per message.

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	logrus "github.com/sirupsen/logrus"
)

// ProcessingMessageHandler observes decoded per-task envelopes.
type ProcessingMessageHandler func(msg *ProcessingChannelMessage, from NodeID)

// GridMessageHandler observes decoded grid envelopes.
type GridMessageHandler func(msg *GridChannelMessage, from NodeID)

// ProcessingChannelHandle is the surface the room and service consume.
type ProcessingChannelHandle interface {
	ChannelPublisher
	PublishSubTaskResult(result *SubTaskResult) error
	ChannelID() string
	Close() error
}

// GridChannelHandle is the grid-wide advertisement channel surface.
type GridChannelHandle interface {
	PublishGridMessage(msg *GridChannelMessage) error
	Close() error
}

// ChannelFactory opens typed channels; implemented by Node over gossipsub
// and by loopback fakes in tests.
type ChannelFactory interface {
	NewProcessingChannel(channelID string, handler ProcessingMessageHandler) (ProcessingChannelHandle, error)
	NewGridChannel(channelID string, handler GridMessageHandler) (GridChannelHandle, error)
}

//---------------------------------------------------------------------
// gossipsub implementations
//---------------------------------------------------------------------

type processingChannel struct {
	id     string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	self   peer.ID
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger
}

func newProcessingChannel(ctx context.Context, ps *pubsub.PubSub, self peer.ID, channelID string, handler ProcessingMessageHandler, lg *logrus.Logger) (*processingChannel, error) {
	topic, err := ps.Join(channelID)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &processingChannel{
		id:     channelID,
		topic:  topic,
		sub:    sub,
		self:   self,
		ctx:    cctx,
		cancel: cancel,
		logger: lg,
	}
	go c.receiveLoop(handler)
	return c, nil
}

func (c *processingChannel) receiveLoop(handler ProcessingMessageHandler) {
	for {
		msg, err := c.sub.Next(c.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == c.self {
			continue
		}
		var envelope ProcessingChannelMessage
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			c.logger.Debugf("processing channel %s: undecodable message from %s", c.id, msg.ReceivedFrom)
			continue
		}
		handler(&envelope, NodeID(msg.ReceivedFrom.String()))
	}
}

func (c *processingChannel) PublishMessage(msg *ProcessingChannelMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.topic.Publish(c.ctx, data)
}

func (c *processingChannel) PublishSubTaskResult(result *SubTaskResult) error {
	return c.PublishMessage(&ProcessingChannelMessage{Result: result})
}

func (c *processingChannel) ChannelID() string { return c.id }

func (c *processingChannel) Close() error {
	c.cancel()
	c.sub.Cancel()
	return c.topic.Close()
}

type gridChannel struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	self   peer.ID
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger
}

func newGridChannel(ctx context.Context, ps *pubsub.PubSub, self peer.ID, channelID string, handler GridMessageHandler, lg *logrus.Logger) (*gridChannel, error) {
	topic, err := ps.Join(channelID)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &gridChannel{
		topic:  topic,
		sub:    sub,
		self:   self,
		ctx:    cctx,
		cancel: cancel,
		logger: lg,
	}
	go c.receiveLoop(handler)
	return c, nil
}

func (c *gridChannel) receiveLoop(handler GridMessageHandler) {
	for {
		msg, err := c.sub.Next(c.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == c.self {
			continue
		}
		var envelope GridChannelMessage
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			c.logger.Debugf("grid channel: undecodable message from %s", msg.ReceivedFrom)
			continue
		}
		handler(&envelope, NodeID(msg.ReceivedFrom.String()))
	}
}

func (c *gridChannel) PublishGridMessage(msg *GridChannelMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.topic.Publish(c.ctx, data)
}

func (c *gridChannel) Close() error {
	c.cancel()
	c.sub.Cancel()
	return c.topic.Close()
}
