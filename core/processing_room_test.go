package core

import (
	"sync"
	"testing"
	"time"
)

// recordingPublisher captures published envelopes.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*ProcessingChannelMessage
}

func (p *recordingPublisher) PublishMessage(msg *ProcessingChannelMessage) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) PublishSubTaskResult(result *SubTaskResult) error {
	return p.PublishMessage(&ProcessingChannelMessage{Result: result})
}

func (p *recordingPublisher) last() *ProcessingChannelMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		return nil
	}
	return p.msgs[len(p.msgs)-1]
}

func newTestRoom(t *testing.T, nodeID NodeID, capacity uint32) (*ProcessingRoom, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	room, err := NewProcessingRoom(pub, nodeID, capacity, quietLogger())
	if err != nil {
		t.Fatalf("room err %v", err)
	}
	t.Cleanup(room.Stop)
	return room, pub
}

func TestRoomCreateMakesLocalHost(t *testing.T) {
	room, _ := newTestRoom(t, "host", 3)
	room.Create("task_1")

	if !room.IsHost() {
		t.Fatal("creator is not host")
	}
	if !room.IsRoommate("host") {
		t.Fatal("creator is not a member")
	}
	if room.GetNodesCount() != 1 || room.GetCapacity() != 3 {
		t.Fatalf("count=%d capacity=%d", room.GetNodesCount(), room.GetCapacity())
	}
	if room.TaskID() != "task_1" {
		t.Fatalf("task=%q", room.TaskID())
	}
}

func TestRoomAttachNodeRespectsCapacity(t *testing.T) {
	room, pub := newTestRoom(t, "host", 2)
	room.Create("task_1")

	if !room.AttachNode("member-1") {
		t.Fatal("host refused to handle join")
	}
	if !room.IsRoommate("member-1") {
		t.Fatal("member-1 not admitted")
	}
	if pub.last() == nil || pub.last().Room == nil {
		t.Fatal("no room snapshot published after admit")
	}

	// Full: request handled, node not admitted, snapshot still republished.
	if !room.AttachNode("member-2") {
		t.Fatal("host dropped join at capacity")
	}
	if room.IsRoommate("member-2") {
		t.Fatal("member-2 admitted over capacity")
	}
}

func TestRoomAttachNodeOnlyOnHost(t *testing.T) {
	room, _ := newTestRoom(t, "member", 2)
	// No room yet; local node is not host.
	if room.AttachNode("other") {
		t.Fatal("non-host handled a join request")
	}
}

func TestRoomUpdateRules(t *testing.T) {
	base := time.Now().UnixNano()
	mkRoom := func(created, updated int64, host NodeID, members ...NodeID) *ProcessingRoomState {
		nodes := make([]RoomNode, 0, len(members))
		for _, m := range members {
			nodes = append(nodes, RoomNode{NodeID: m, Timestamp: created})
		}
		return &ProcessingRoomState{
			TaskID: "task_1", HostNodeID: host, Capacity: 4,
			Nodes: nodes, CreatedAt: created, LastUpdatedAt: updated,
		}
	}

	cases := []struct {
		name   string
		first  *ProcessingRoomState
		second *ProcessingRoomState
		accept bool
	}{
		{"OlderCreationWins", mkRoom(base, base, "h1", "h1"), mkRoom(base-10, base, "h2", "h2"), true},
		{"NewerCreationRejected", mkRoom(base, base, "h1", "h1"), mkRoom(base+10, base+10, "h2", "h2"), false},
		{"SameCreationNewerUpdateWins", mkRoom(base, base, "h1", "h1"), mkRoom(base, base+5, "h1", "h1", "m"), true},
		{"SameCreationStaleUpdateRejected", mkRoom(base, base+5, "h1", "h1", "m"), mkRoom(base, base, "h1", "h1"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			room, _ := newTestRoom(t, "local", 4)
			if !room.UpdateRoom(tc.first) {
				t.Fatal("first update rejected")
			}
			if got := room.UpdateRoom(tc.second); got != tc.accept {
				t.Fatalf("second update accepted=%v want %v", got, tc.accept)
			}
		})
	}
}

func TestRoomAttachTimeout(t *testing.T) {
	room, pub := newTestRoom(t, "joiner", 2)
	room.SetAttachTimeout(30 * time.Millisecond)

	room.AttachLocalNodeToRemoteRoom()
	if !room.IsLocalNodeAttachingToRemoteRoom() {
		t.Fatal("join request did not mark attaching")
	}
	if pub.last() == nil || pub.last().RoomRequest == nil {
		t.Fatal("no join request published")
	}

	if !waitFor(t, time.Second, func() bool { return !room.IsLocalNodeAttachingToRemoteRoom() }) {
		t.Fatal("attach flag never timed out")
	}
}

func TestRoomAttachResolvedBySnapshot(t *testing.T) {
	room, _ := newTestRoom(t, "joiner", 2)
	room.SetAttachTimeout(time.Minute)
	room.AttachLocalNodeToRemoteRoom()

	now := time.Now().UnixNano()
	snapshot := &ProcessingRoomState{
		TaskID: "task_1", HostNodeID: "host", Capacity: 2,
		Nodes:     []RoomNode{{NodeID: "host"}, {NodeID: "joiner"}},
		CreatedAt: now, LastUpdatedAt: now,
	}
	if !room.UpdateRoom(snapshot) {
		t.Fatal("snapshot rejected")
	}
	if room.IsLocalNodeAttachingToRemoteRoom() {
		t.Fatal("attaching flag still set after admission")
	}
	if !room.IsRoommate("joiner") {
		t.Fatal("joiner not a member after snapshot")
	}
	if room.IsHost() {
		t.Fatal("joiner believes it is host")
	}
	if room.LowestNodeID() != "host" {
		t.Fatalf("lowest=%s want host", room.LowestNodeID())
	}
}
