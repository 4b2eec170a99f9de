package core

// In-memory ChannelFactory: topics are fan-out hubs. Delivery is
// asynchronous but ordered per subscriber, mirroring the sequential
// receiveLoop of the gossipsub channels; the sender never hears itself.

import (
	"encoding/json"
	"sync"
)

type hubDelivery struct {
	from    NodeID
	payload []byte
	isGrid  bool
}

type hubSubscriber struct {
	owner      NodeID
	processing ProcessingMessageHandler
	grid       GridMessageHandler

	mu     sync.Mutex
	queue  []hubDelivery
	wake   chan struct{}
	closed bool
}

func newHubSubscriber(owner NodeID, processing ProcessingMessageHandler, grid GridMessageHandler) *hubSubscriber {
	sub := &hubSubscriber{
		owner:      owner,
		processing: processing,
		grid:       grid,
		wake:       make(chan struct{}, 1),
	}
	go sub.pump()
	return sub
}

func (s *hubSubscriber) enqueue(d hubDelivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *hubSubscriber) pump() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.dispatch(d)
		}
	}
}

func (s *hubSubscriber) dispatch(d hubDelivery) {
	if d.isGrid {
		var msg GridChannelMessage
		if json.Unmarshal(d.payload, &msg) == nil && s.grid != nil {
			s.grid(&msg, d.from)
		}
		return
	}
	var msg ProcessingChannelMessage
	if json.Unmarshal(d.payload, &msg) == nil && s.processing != nil {
		s.processing(&msg, d.from)
	}
}

func (s *hubSubscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.wake)
}

type channelHub struct {
	mu     sync.Mutex
	topics map[string][]*hubSubscriber
}

func newChannelHub() *channelHub {
	return &channelHub{topics: make(map[string][]*hubSubscriber)}
}

func (h *channelHub) deliver(topic string, from NodeID, payload []byte, isGrid bool) {
	h.mu.Lock()
	subs := append([]*hubSubscriber(nil), h.topics[topic]...)
	h.mu.Unlock()
	for _, sub := range subs {
		if sub.owner == from {
			continue
		}
		sub.enqueue(hubDelivery{from: from, payload: append([]byte(nil), payload...), isGrid: isGrid})
	}
}

func (h *channelHub) unsubscribe(topic string, sub *hubSubscriber) {
	h.mu.Lock()
	subs := h.topics[topic]
	for i, s := range subs {
		if s == sub {
			h.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	sub.close()
}

// hubFactory is one peer's view of the hub; implements ChannelFactory.
type hubFactory struct {
	hub   *channelHub
	owner NodeID
}

func (f *hubFactory) NewProcessingChannel(channelID string, handler ProcessingMessageHandler) (ProcessingChannelHandle, error) {
	sub := newHubSubscriber(f.owner, handler, nil)
	f.hub.mu.Lock()
	f.hub.topics[channelID] = append(f.hub.topics[channelID], sub)
	f.hub.mu.Unlock()
	return &hubProcessingChannel{hub: f.hub, id: channelID, owner: f.owner, sub: sub}, nil
}

func (f *hubFactory) NewGridChannel(channelID string, handler GridMessageHandler) (GridChannelHandle, error) {
	sub := newHubSubscriber(f.owner, nil, handler)
	f.hub.mu.Lock()
	f.hub.topics[channelID] = append(f.hub.topics[channelID], sub)
	f.hub.mu.Unlock()
	return &hubGridChannel{hub: f.hub, id: channelID, owner: f.owner, sub: sub}, nil
}

type hubProcessingChannel struct {
	hub   *channelHub
	id    string
	owner NodeID
	sub   *hubSubscriber
}

func (c *hubProcessingChannel) PublishMessage(msg *ProcessingChannelMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.hub.deliver(c.id, c.owner, data, false)
	return nil
}

func (c *hubProcessingChannel) PublishSubTaskResult(result *SubTaskResult) error {
	return c.PublishMessage(&ProcessingChannelMessage{Result: result})
}

func (c *hubProcessingChannel) ChannelID() string { return c.id }

func (c *hubProcessingChannel) Close() error {
	c.hub.unsubscribe(c.id, c.sub)
	return nil
}

type hubGridChannel struct {
	hub   *channelHub
	id    string
	owner NodeID
	sub   *hubSubscriber
}

func (c *hubGridChannel) PublishGridMessage(msg *GridChannelMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.hub.deliver(c.id, c.owner, data, true)
	return nil
}

func (c *hubGridChannel) Close() error {
	c.hub.unsubscribe(c.id, c.sub)
	return nil
}
