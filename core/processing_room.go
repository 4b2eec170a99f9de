package core

// core/processing_room.go
//
// Per-task rendezvous. A room is created by the node that leased the task;
// membership updates travel as full room snapshots on the per-task topic.
// Snapshot conflicts resolve in favour of the older creation timestamp, and
// on equal creation the newer update; the host is the record holder of
// host_node_id.

import (
	"errors"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"
)

// DefaultAttachTimeout bounds how long a join request waits for the host to
// accept before the node falls back to OUTSIDE.
const DefaultAttachTimeout = 3 * time.Second

// ChannelPublisher publishes envelopes on the room's pubsub topic.
type ChannelPublisher interface {
	PublishMessage(msg *ProcessingChannelMessage) error
}

// ProcessingRoom tracks one task's room from the local node's perspective.
type ProcessingRoom struct {
	channel       ChannelPublisher
	localNodeID   NodeID
	capacity      uint32
	attachTimeout time.Duration
	logger        *logrus.Logger
	now           func() time.Time

	mu          sync.Mutex
	room        *ProcessingRoomState
	nodeIDs     map[NodeID]struct{}
	attaching   bool
	attachTimer *time.Timer
}

// NewProcessingRoom wires a room handle bound to a channel publisher.
func NewProcessingRoom(channel ChannelPublisher, localNodeID NodeID, capacity uint32, lg *logrus.Logger) (*ProcessingRoom, error) {
	if channel == nil {
		return nil, errors.New("processing room: channel nil")
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &ProcessingRoom{
		channel:       channel,
		localNodeID:   localNodeID,
		capacity:      capacity,
		attachTimeout: DefaultAttachTimeout,
		logger:        lg,
		now:           time.Now,
		nodeIDs:       make(map[NodeID]struct{}),
	}, nil
}

// SetAttachTimeout overrides the join wait.
func (r *ProcessingRoom) SetAttachTimeout(d time.Duration) {
	r.mu.Lock()
	r.attachTimeout = d
	r.mu.Unlock()
}

// Create makes the local node the host of a fresh room for taskID.
func (r *ProcessingRoom) Create(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timestamp := r.now().UnixNano()
	r.room = &ProcessingRoomState{
		TaskID:        taskID,
		HostNodeID:    r.localNodeID,
		Capacity:      r.capacity,
		Nodes:         []RoomNode{{NodeID: r.localNodeID, Timestamp: timestamp}},
		CreatedAt:     timestamp,
		LastUpdatedAt: timestamp,
	}
	r.nodeIDs = map[NodeID]struct{}{r.localNodeID: {}}
}

// AttachLocalNodeToRemoteRoom asks the host to admit the local node and arms
// the attach timeout.
func (r *ProcessingRoom) AttachLocalNodeToRemoteRoom() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRoommateLocked(r.localNodeID) {
		return
	}
	msg := &ProcessingChannelMessage{
		RoomRequest: &RoomRequest{NodeID: r.localNodeID, Type: RoomRequestJoin},
	}
	if err := r.channel.PublishMessage(msg); err != nil {
		r.logger.Warnf("processing room: join request failed: %v", err)
		return
	}
	r.attaching = true
	if r.attachTimer != nil {
		r.attachTimer.Stop()
	}
	r.attachTimer = time.AfterFunc(r.attachTimeout, r.handleAttachingTimeout)
}

// IsLocalNodeAttachingToRemoteRoom reports an outstanding join request.
func (r *ProcessingRoom) IsLocalNodeAttachingToRemoteRoom() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attaching
}

// AttachNode admits nodeID when the local node is host and capacity allows,
// then rebroadcasts the room snapshot. The snapshot is published even when
// the node was already a member so late joiners converge.
func (r *ProcessingRoom) AttachNode(nodeID NodeID) bool {
	r.mu.Lock()
	if !r.isHostLocked() {
		r.mu.Unlock()
		return false
	}
	if !r.isRoommateLocked(nodeID) {
		if uint32(len(r.room.Nodes)) < r.room.Capacity {
			timestamp := r.now().UnixNano()
			r.room.Nodes = append(r.room.Nodes, RoomNode{NodeID: nodeID, Timestamp: timestamp})
			r.room.LastUpdatedAt = timestamp
			r.nodeIDs[nodeID] = struct{}{}
		}
	}
	snapshot := *r.room
	r.mu.Unlock()

	if err := r.channel.PublishMessage(&ProcessingChannelMessage{Room: &snapshot}); err != nil {
		r.logger.Warnf("processing room: snapshot publish failed: %v", err)
	}
	return true
}

// UpdateRoom merges a received snapshot. Accepted when no local room exists,
// when the snapshot was created earlier, or when an equally old snapshot is
// more recently updated.
func (r *ProcessingRoom) UpdateRoom(room *ProcessingRoomState) bool {
	if room == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.room != nil {
		older := r.room.CreatedAt < room.CreatedAt
		sameButStale := r.room.CreatedAt == room.CreatedAt && r.room.LastUpdatedAt >= room.LastUpdatedAt
		if older || sameButStale {
			return false
		}
	}

	r.room = room
	nodeIDs := make(map[NodeID]struct{}, len(room.Nodes))
	for _, node := range room.Nodes {
		nodeIDs[node.NodeID] = struct{}{}
	}
	r.nodeIDs = nodeIDs

	if r.attaching && r.isRoommateLocked(r.localNodeID) {
		// The local node attached to the room.
		if r.attachTimer != nil {
			r.attachTimer.Stop()
		}
		r.attaching = false
	}
	return true
}

// IsRoommate reports membership of nodeID.
func (r *ProcessingRoom) IsRoommate(nodeID NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isRoommateLocked(nodeID)
}

// IsHost reports whether the local node holds the host record.
func (r *ProcessingRoom) IsHost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isHostLocked()
}

func (r *ProcessingRoom) isRoommateLocked(nodeID NodeID) bool {
	_, ok := r.nodeIDs[nodeID]
	return ok
}

func (r *ProcessingRoom) isHostLocked() bool {
	return r.room != nil && r.room.HostNodeID == r.localNodeID
}

// GetNodeIDs returns the current member set.
func (r *ProcessingRoom) GetNodeIDs() []NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeID, 0, len(r.nodeIDs))
	for id := range r.nodeIDs {
		out = append(out, id)
	}
	return out
}

// LowestNodeID returns the lexicographically smallest member id, used to
// break creation ties.
func (r *ProcessingRoom) LowestNodeID() NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lowest NodeID
	for id := range r.nodeIDs {
		if lowest == "" || id < lowest {
			lowest = id
		}
	}
	return lowest
}

// GetCapacity returns the room capacity.
func (r *ProcessingRoom) GetCapacity() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room != nil {
		return r.room.Capacity
	}
	return r.capacity
}

// GetNodesCount returns the current member count.
func (r *ProcessingRoom) GetNodesCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room != nil {
		return len(r.room.Nodes)
	}
	return 0
}

// Snapshot returns a copy of the current room state, nil before the room
// exists.
func (r *ProcessingRoom) Snapshot() *ProcessingRoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room == nil {
		return nil
	}
	cp := *r.room
	cp.Nodes = append([]RoomNode(nil), r.room.Nodes...)
	return &cp
}

// TaskID returns the room's task, empty before Create/UpdateRoom.
func (r *ProcessingRoom) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room != nil {
		return r.room.TaskID
	}
	return ""
}

func (r *ProcessingRoom) handleAttachingTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attaching = false
}

// Stop cancels any pending attach timer.
func (r *ProcessingRoom) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachTimer != nil {
		r.attachTimer.Stop()
	}
	r.attaching = false
}
