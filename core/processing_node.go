package core

// core/processing_node.go
//
// One processing node binds a per-task channel, a room, a subtask queue
// accessor and an engine. A node either hosts a room (it leased the task) or
// attaches to a remote one (it answered a channel advertisement).

import (
	"context"
	"errors"
	"sync"

	logrus "github.com/sirupsen/logrus"
)

// ProcessingNode is one channel-bound worker unit owned by the service.
type ProcessingNode struct {
	channelID string
	nodeID    NodeID
	capacity  uint32
	taskQueue *TaskQueue
	core      ProcessingCore
	logger    *logrus.Logger

	onQueueComplete  func(channelID string)
	onCreationIntent func(intent *NodeCreationIntent, from NodeID)

	channel ProcessingChannelHandle
	room    *ProcessingRoom

	mu        sync.Mutex
	queue     *SubTaskQueueAccessor
	engine    *ProcessingEngine
	ctx       context.Context
	completed sync.Once
}

// newProcessingNode joins channelID and wires the message pump. The caller
// then either CreateProcessingHost or AttachTo.
func newProcessingNode(ctx context.Context, factory ChannelFactory, channelID string, nodeID NodeID, capacity uint32, taskQueue *TaskQueue, core ProcessingCore, onQueueComplete func(string), onCreationIntent func(*NodeCreationIntent, NodeID), lg *logrus.Logger) (*ProcessingNode, error) {
	if factory == nil || taskQueue == nil || core == nil {
		return nil, errors.New("processing node: factory, task queue and core required")
	}
	if lg == nil {
		lg = logrus.New()
	}
	n := &ProcessingNode{
		channelID:        channelID,
		nodeID:           nodeID,
		capacity:         capacity,
		taskQueue:        taskQueue,
		core:             core,
		logger:           lg,
		onQueueComplete:  onQueueComplete,
		onCreationIntent: onCreationIntent,
		ctx:              ctx,
	}
	channel, err := factory.NewProcessingChannel(channelID, n.handleMessage)
	if err != nil {
		return nil, err
	}
	n.channel = channel
	room, err := NewProcessingRoom(channel, nodeID, capacity, lg)
	if err != nil {
		channel.Close()
		return nil, err
	}
	n.room = room
	return n, nil
}

// ChannelID names the per-task topic this node is bound to.
func (n *ProcessingNode) ChannelID() string { return n.channelID }

// Room exposes the room handle.
func (n *ProcessingNode) Room() *ProcessingRoom { return n.room }

// CreateProcessingHost makes this node the room host: creates the room,
// opens the subtask queue with the authoritative list and starts the engine.
func (n *ProcessingNode) CreateProcessingHost(ctx context.Context, task *Task, subTasks []SubTask, queueID string) error {
	n.room.Create(task.TaskID)

	queue, err := NewSubTaskQueueAccessor(queueID, task.TaskID, subTasks, n.taskQueue, n.channel, n.logger)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.queue = queue
	n.mu.Unlock()

	// Announce the room and hand members the subtask list.
	if err := n.channel.PublishMessage(&ProcessingChannelMessage{Room: n.room.Snapshot()}); err != nil {
		n.logger.Warnf("processing node %s: room announce failed: %v", n.channelID, err)
	}
	if err := n.publishQueueSnapshot(subTasks); err != nil {
		n.logger.Warnf("processing node %s: queue announce failed: %v", n.channelID, err)
	}
	return n.startEngine(ctx, queue)
}

// AttachTo requests membership of the remote room on this channel. The
// engine starts once the room accepts us and the queue snapshot arrives.
func (n *ProcessingNode) AttachTo() {
	n.room.AttachLocalNodeToRemoteRoom()
}

// IsRoomHost reports whether the local node hosts the room.
func (n *ProcessingNode) IsRoomHost() bool { return n.room.IsHost() }

// IsRoommate reports local membership.
func (n *ProcessingNode) IsRoommate() bool { return n.room.IsRoommate(n.nodeID) }

// IsAttachingToProcessingRoom reports an outstanding join.
func (n *ProcessingNode) IsAttachingToProcessingRoom() bool {
	return n.room.IsLocalNodeAttachingToRemoteRoom()
}

func (n *ProcessingNode) publishQueueSnapshot(subTasks []SubTask) error {
	n.mu.Lock()
	queue := n.queue
	n.mu.Unlock()
	if queue == nil {
		return nil
	}
	return n.channel.PublishMessage(&ProcessingChannelMessage{
		Queue: &SubTaskQueueSnapshot{
			QueueID:  queue.QueueID(),
			TaskID:   queue.TaskID(),
			SubTasks: subTasks,
		},
	})
}

func (n *ProcessingNode) startEngine(ctx context.Context, queue *SubTaskQueueAccessor) error {
	engine, err := NewProcessingEngine(n.nodeID, n.core, queue, n.queueProcessed, n.logger)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.engine = engine
	n.mu.Unlock()
	engine.Start(ctx)
	return nil
}

func (n *ProcessingNode) queueProcessed() {
	n.completed.Do(func() {
		if n.onQueueComplete != nil {
			n.onQueueComplete(n.channelID)
		}
	})
}

// handleMessage is the channel pump. Runs on the channel receive goroutine;
// long work is dispatched elsewhere.
func (n *ProcessingNode) handleMessage(msg *ProcessingChannelMessage, from NodeID) {
	switch {
	case msg.RoomRequest != nil:
		n.handleRoomRequest(msg.RoomRequest)
	case msg.Room != nil:
		n.room.UpdateRoom(msg.Room)
	case msg.Queue != nil:
		n.handleQueueSnapshot(msg.Queue)
	case msg.Result != nil:
		n.handleRemoteResult(msg.Result)
	case msg.CreationIntent != nil:
		if n.onCreationIntent != nil {
			n.onCreationIntent(msg.CreationIntent, from)
		}
	}
}

func (n *ProcessingNode) handleRoomRequest(req *RoomRequest) {
	if req.Type != RoomRequestJoin {
		return
	}
	if n.room.AttachNode(req.NodeID) {
		// Re-announce the queue so the joiner receives the subtask list.
		n.mu.Lock()
		queue := n.queue
		n.mu.Unlock()
		if queue != nil {
			subTasks, err := n.taskQueue.GetSubTasks(n.ctx, queue.TaskID())
			if err == nil {
				_ = n.publishQueueSnapshot(subTasks)
			}
		}
	}
}

// handleQueueSnapshot opens the member-side accessor when the host's list
// arrives. Engines only start for actual roommates.
func (n *ProcessingNode) handleQueueSnapshot(snapshot *SubTaskQueueSnapshot) {
	n.mu.Lock()
	if n.queue != nil {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if !n.room.IsRoommate(n.nodeID) {
		return
	}
	queue, err := NewSubTaskQueueAccessor(snapshot.QueueID, snapshot.TaskID, snapshot.SubTasks, n.taskQueue, n.channel, n.logger)
	if err != nil {
		n.logger.Warnf("processing node %s: queue open failed: %v", n.channelID, err)
		return
	}

	n.mu.Lock()
	if n.queue != nil {
		n.mu.Unlock()
		return
	}
	n.queue = queue
	n.mu.Unlock()

	if err := n.startEngine(n.ctx, queue); err != nil {
		n.logger.Warnf("processing node %s: engine start failed: %v", n.channelID, err)
	}
}

func (n *ProcessingNode) handleRemoteResult(result *SubTaskResult) {
	n.mu.Lock()
	queue := n.queue
	n.mu.Unlock()
	if queue == nil {
		return
	}
	queue.MarkRemoteCompleted(result)
	if queue.IsProcessed() {
		n.queueProcessed()
	}
}

// Queue exposes the accessor, nil until opened.
func (n *ProcessingNode) Queue() *SubTaskQueueAccessor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queue
}

// PublishIntent broadcasts a node-creation intent on this channel.
func (n *ProcessingNode) PublishIntent(intent *NodeCreationIntent) error {
	return n.channel.PublishMessage(&ProcessingChannelMessage{CreationIntent: intent})
}

// Stop tears the node down: engine first so no new completions are
// published, then the accessor and the channel.
func (n *ProcessingNode) Stop() {
	n.mu.Lock()
	engine := n.engine
	queue := n.queue
	n.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if queue != nil {
		queue.Stop()
	}
	n.room.Stop()
	if err := n.channel.Close(); err != nil {
		n.logger.Debugf("processing node %s: channel close: %v", n.channelID, err)
	}
}
