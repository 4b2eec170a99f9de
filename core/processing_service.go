package core

// core/processing_service.go
//
// Top-level supervisor. Listens on the grid channel for room advertisements,
// joins rooms with open capacity and, when none are available, leases a task
// and creates a room of its own. Creation races are broken by the
// node-creation intent protocol: the lock winner announces its intent, waits
// out the creation timeout, and yields to a competitor with a lower address.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
)

const (
	// DefaultChannelListRequestTimeout is how long the service waits for
	// room advertisements before creating a room itself.
	DefaultChannelListRequestTimeout = 5 * time.Second

	// DefaultNodeCreationTimeout is the pending-create intent lifetime.
	DefaultNodeCreationTimeout = 10 * time.Second
)

// ServiceConfig carries the processing service limits.
type ServiceConfig struct {
	MaximalNodesCount         int
	RoomCapacity              uint32
	ChannelListRequestTimeout time.Duration
	NodeCreationTimeout       time.Duration
}

// pendingCreation tracks a PENDING_CREATE election round for one task.
type pendingCreation struct {
	channelID string
	queueID   string
	task      *Task
	subTasks  []SubTask
	node      *ProcessingNode
	timer     *time.Timer
	competing map[string]struct{}
	cancelled bool
	started   time.Time
}

// ProcessingService owns up to MaximalNodesCount processing nodes.
type ProcessingService struct {
	factory   ChannelFactory
	taskQueue *TaskQueue
	core      ProcessingCore
	nodeID    NodeID
	cfg       ServiceConfig
	logger    *logrus.Logger

	gridChannel GridChannelHandle

	// mu guards nodes, order and pending. Handlers that publish never do so
	// while holding mu; startup and teardown can otherwise re-enter through
	// room intents.
	mu      sync.Mutex
	nodes   map[string]*ProcessingNode
	order   []string // creation order, for reverse teardown
	pending *pendingCreation
	stopped bool

	channelTimer *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewProcessingService wires a service.
func NewProcessingService(factory ChannelFactory, taskQueue *TaskQueue, core ProcessingCore, nodeID NodeID, cfg ServiceConfig, lg *logrus.Logger) (*ProcessingService, error) {
	if factory == nil || taskQueue == nil || core == nil {
		return nil, errors.New("processing service: factory, task queue and core required")
	}
	if lg == nil {
		lg = logrus.New()
	}
	if cfg.MaximalNodesCount <= 0 {
		cfg.MaximalNodesCount = 1
	}
	if cfg.RoomCapacity == 0 {
		cfg.RoomCapacity = 1
	}
	if cfg.ChannelListRequestTimeout <= 0 {
		cfg.ChannelListRequestTimeout = DefaultChannelListRequestTimeout
	}
	if cfg.NodeCreationTimeout <= 0 {
		cfg.NodeCreationTimeout = DefaultNodeCreationTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessingService{
		factory:   factory,
		taskQueue: taskQueue,
		core:      core,
		nodeID:    nodeID,
		cfg:       cfg,
		logger:    lg,
		nodes:     make(map[string]*ProcessingNode),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// StartProcessing subscribes to the grid channel and requests the room list.
func (s *ProcessingService) StartProcessing(gridChannelID string) error {
	grid, err := s.factory.NewGridChannel(gridChannelID, s.onGridMessage)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.gridChannel = grid
	s.mu.Unlock()
	s.SendChannelListRequest()
	return nil
}

// SendChannelListRequest asks hosts to advertise open rooms and arms the
// fallback timer that leases a task when nothing joinable shows up.
func (s *ProcessingService) SendChannelListRequest() {
	s.mu.Lock()
	if s.stopped || s.gridChannel == nil {
		s.mu.Unlock()
		return
	}
	grid := s.gridChannel
	if s.channelTimer != nil {
		s.channelTimer.Stop()
	}
	s.channelTimer = time.AfterFunc(s.cfg.ChannelListRequestTimeout, s.handleRequestTimeout)
	s.mu.Unlock()

	if err := grid.PublishGridMessage(&GridChannelMessage{Request: &ChannelRequest{Environment: "any"}}); err != nil {
		s.logger.Warnf("processing service: channel list request failed: %v", err)
	}
	s.logger.Debug("processing service: channel list requested")
}

// onGridMessage handles grid channel traffic.
func (s *ProcessingService) onGridMessage(msg *GridChannelMessage, from NodeID) {
	switch {
	case msg.Response != nil:
		response := msg.Response
		s.logger.Debugf("processing service: channel %s capacity %d joined %d",
			response.ChannelID, response.Capacity, response.Joined)
		if response.Capacity > response.Joined {
			s.acceptProcessingChannel(response.ChannelID)
		}
	case msg.Request != nil:
		s.publishLocalChannelList()
	}
}

// acceptProcessingChannel joins an advertised room, one node per channel.
func (s *ProcessingService) acceptProcessingChannel(channelID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pruneDetachedLocked()
	if len(s.nodes) >= s.cfg.MaximalNodesCount {
		s.stopChannelTimerLocked()
		s.mu.Unlock()
		return
	}
	if _, exists := s.nodes[channelID]; exists {
		s.mu.Unlock()
		return
	}
	node, err := newProcessingNode(s.ctx, s.factory, channelID, s.nodeID, s.cfg.RoomCapacity, s.taskQueue, s.core, s.onQueueComplete, s.onCreationIntent, s.logger)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warnf("processing service: joining %s failed: %v", channelID, err)
		return
	}
	s.nodes[channelID] = node
	s.order = append(s.order, channelID)
	atCapacity := len(s.nodes) == s.cfg.MaximalNodesCount
	if atCapacity {
		s.stopChannelTimerLocked()
	}
	s.mu.Unlock()

	node.AttachTo()
	s.logger.Debugf("processing service: attaching to channel %s", channelID)
}

// publishLocalChannelList answers a channel request; only room hosts answer
// to bound the number of published messages.
func (s *ProcessingService) publishLocalChannelList() {
	s.mu.Lock()
	grid := s.gridChannel
	hosts := make([]*ProcessingNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.IsRoomHost() {
			hosts = append(hosts, node)
		}
	}
	s.mu.Unlock()
	if grid == nil {
		return
	}

	for _, node := range hosts {
		response := &ChannelResponse{
			ChannelID: node.ChannelID(),
			Capacity:  node.Room().GetCapacity(),
			Joined:    uint32(node.Room().GetNodesCount()),
		}
		if err := grid.PublishGridMessage(&GridChannelMessage{Response: response}); err != nil {
			s.logger.Warnf("processing service: channel publish failed: %v", err)
			continue
		}
		s.logger.Debugf("processing service: channel published %s", response.ChannelID)
	}
}

// handleRequestTimeout fires when no joinable room was advertised in time:
// lease a task and start the creation protocol.
func (s *ProcessingService) handleRequestTimeout() {
	for {
		s.mu.Lock()
		if s.stopped || s.pending != nil {
			s.mu.Unlock()
			return
		}
		s.pruneDetachedLocked()
		if len(s.nodes) >= s.cfg.MaximalNodesCount {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		taskID, task, err := s.taskQueue.Grab(s.ctx)
		if err != nil {
			s.logger.Warnf("processing service: grab failed: %v", err)
			return
		}
		if task == nil {
			// Nothing leasable; look for open slots in existing rooms.
			s.SendChannelListRequest()
			return
		}
		if err := s.beginNodeCreation(taskID, task); err != nil {
			s.logger.Warnf("processing service: creation of %s failed: %v", taskID, err)
			return
		}
	}
}

// beginNodeCreation enters PENDING_CREATE for the leased task: join the
// per-task channel, broadcast the intent, and wait out the creation timeout
// before becoming host.
func (s *ProcessingService) beginNodeCreation(taskID string, task *Task) error {
	subTasks, err := s.taskQueue.GetSubTasks(s.ctx, taskID)
	if err != nil {
		return err
	}

	node, err := newProcessingNode(s.ctx, s.factory, taskID, s.nodeID, s.cfg.RoomCapacity, s.taskQueue, s.core, s.onQueueComplete, s.onCreationIntent, s.logger)
	if err != nil {
		return err
	}

	pending := &pendingCreation{
		channelID: taskID,
		queueID:   uuid.NewString(),
		task:      task,
		subTasks:  subTasks,
		node:      node,
		competing: make(map[string]struct{}),
		started:   time.Now(),
	}

	s.mu.Lock()
	if s.stopped || s.pending != nil {
		s.mu.Unlock()
		node.Stop()
		return nil
	}
	s.pending = pending
	s.nodes[taskID] = node
	s.order = append(s.order, taskID)
	pending.timer = time.AfterFunc(s.cfg.NodeCreationTimeout, s.handleNodeCreationTimeout)
	s.mu.Unlock()

	err = node.PublishIntent(&NodeCreationIntent{
		PeerAddress:    string(s.nodeID),
		SubTaskQueueID: pending.queueID,
	})
	if err != nil {
		s.logger.Warnf("processing service: intent broadcast failed: %v", err)
	}
	s.logger.Debugf("processing service: pending creation for %s (queue %s)", taskID, pending.queueID)
	return nil
}

// onCreationIntent handles a competitor's intent. The node with the lowest
// address keeps its pending creation; everyone else cancels and waits for
// the winner's room announcement.
func (s *ProcessingService) onCreationIntent(intent *NodeCreationIntent, from NodeID) {
	s.mu.Lock()
	pending := s.pending
	if pending == nil || pending.cancelled {
		s.mu.Unlock()
		return
	}
	pending.competing[intent.PeerAddress] = struct{}{}
	if !s.hasLowestAddressLocked() {
		s.cancelPendingCreationLocked("competing intent from lower address")
		node := pending.node
		s.mu.Unlock()
		// JOINING: ask the winner's room to admit us; if its announcement
		// never arrives the stale-intent timer retries Grab.
		node.AttachTo()
		return
	}
	s.mu.Unlock()
}

func (s *ProcessingService) hasLowestAddressLocked() bool {
	local := string(s.nodeID)
	for addr := range s.pending.competing {
		if addr < local {
			return false
		}
	}
	return true
}

// cancelPendingCreationLocked flips PENDING_CREATE -> JOINING and re-arms
// the timer as the stale-intent fallback.
func (s *ProcessingService) cancelPendingCreationLocked(reason string) {
	pending := s.pending
	pending.cancelled = true
	s.logger.Debugf("processing service: pending creation of %s cancelled: %s", pending.channelID, reason)
	if pending.timer != nil {
		pending.timer.Stop()
		pending.timer = time.AfterFunc(s.cfg.NodeCreationTimeout, s.handleStaleIntent)
	}
}

// handleNodeCreationTimeout fires for an uncancelled intent: the local node
// becomes room host.
func (s *ProcessingService) handleNodeCreationTimeout() {
	s.mu.Lock()
	pending := s.pending
	if pending == nil || pending.cancelled || s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	if err := pending.node.CreateProcessingHost(s.ctx, pending.task, pending.subTasks, pending.queueID); err != nil {
		s.logger.Warnf("processing service: hosting %s failed: %v", pending.channelID, err)
		return
	}
	s.logger.Debugf("processing service: new processing channel created %s", pending.channelID)
}

// handleStaleIntent fires when a cancelled creation never saw the winner's
// room announcement: treat the intent as stale and retry Grab.
func (s *ProcessingService) handleStaleIntent() {
	s.mu.Lock()
	pending := s.pending
	if pending == nil || !pending.cancelled || s.stopped {
		s.mu.Unlock()
		return
	}
	if pending.node.IsRoommate() {
		// We joined the winner's room after all.
		s.pending = nil
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.removeNodeLocked(pending.channelID)
	s.mu.Unlock()

	pending.node.Stop()
	s.logger.Debugf("processing service: stale intent for %s, retrying grab", pending.channelID)
	s.handleRequestTimeout()
}

// onQueueComplete finalizes a task when its queue is exhausted. Only the
// room host writes the task result; members just release the node slot.
func (s *ProcessingService) onQueueComplete(channelID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	node, ok := s.nodes[channelID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeNodeLocked(channelID)
	s.mu.Unlock()

	if node.IsRoomHost() {
		if queue := node.Queue(); queue != nil {
			results := queue.Results()
			taskResult := &TaskResult{TaskID: queue.TaskID()}
			for _, result := range results {
				taskResult.SubTaskResults = append(taskResult.SubTaskResults, result)
			}
			if err := s.taskQueue.Complete(s.ctx, queue.TaskID(), taskResult); err != nil {
				s.logger.Warnf("processing service: completing task %s failed: %v", queue.TaskID(), err)
			}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		node.Stop()
	}()

	// A slot opened up; look for more work.
	s.SendChannelListRequest()
}

// pruneDetachedLocked drops nodes that neither joined a room nor are still
// attaching. Caller holds mu.
func (s *ProcessingService) pruneDetachedLocked() {
	for channelID, node := range s.nodes {
		if s.pending != nil && s.pending.channelID == channelID {
			continue
		}
		if !node.IsAttachingToProcessingRoom() && !node.IsRoommate() {
			s.removeNodeLocked(channelID)
			stopped := node
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				stopped.Stop()
			}()
		}
	}
}

func (s *ProcessingService) removeNodeLocked(channelID string) {
	delete(s.nodes, channelID)
	for i, id := range s.order {
		if id == channelID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// GetProcessingNodesCount reports the active node count.
func (s *ProcessingService) GetProcessingNodesCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// StopProcessing cancels timers, stops nodes in reverse creation order and
// waits for in-flight completions to drain within the grace period.
func (s *ProcessingService) StopProcessing(grace time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopChannelTimerLocked()
	if s.pending != nil && s.pending.timer != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
	order := append([]string(nil), s.order...)
	nodes := s.nodes
	s.nodes = make(map[string]*ProcessingNode)
	s.order = nil
	grid := s.gridChannel
	s.gridChannel = nil
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if node, ok := nodes[order[i]]; ok {
			node.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("processing service: drain grace period elapsed")
	}

	s.cancel()
	if grid != nil {
		_ = grid.Close()
	}
}

func (s *ProcessingService) stopChannelTimerLocked() {
	if s.channelTimer != nil {
		s.channelTimer.Stop()
		s.channelTimer = nil
	}
}
