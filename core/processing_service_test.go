package core

import (
	"context"
	"testing"
	"time"
)

type serviceFixture struct {
	peer    *testPeer
	queue   *TaskQueue
	service *ProcessingService
}

func newServiceFixture(t *testing.T, cluster *testCluster, hub *channelHub, nodeID NodeID, input []byte, cfg ServiceConfig) *serviceFixture {
	t.Helper()
	peer := cluster.addPeer(t)
	queue, err := NewTaskQueue(peer.db, nodeID, quietLogger())
	if err != nil {
		t.Fatalf("task queue err %v", err)
	}

	c, err := RawDataCid(input)
	if err != nil {
		t.Fatalf("cid err %v", err)
	}
	source := mapBlockSource{c.String(): input}
	pc, err := NewProcessingCore(source, IdentityChunkProcessor{}, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("core err %v", err)
	}

	service, err := NewProcessingService(&hubFactory{hub: hub, owner: nodeID}, queue, pc, nodeID, cfg, quietLogger())
	if err != nil {
		t.Fatalf("service err %v", err)
	}
	t.Cleanup(func() { service.StopProcessing(2 * time.Second) })
	return &serviceFixture{peer: peer, queue: queue, service: service}
}

func fastServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaximalNodesCount:         1,
		RoomCapacity:              2,
		ChannelListRequestTimeout: 50 * time.Millisecond,
		NodeCreationTimeout:       50 * time.Millisecond,
	}
}

func TestServiceLeasesAndCompletesTask(t *testing.T) {
	cluster := newTestCluster()
	hub := newChannelHub()
	input := []byte("0123456789abcdef")

	fixture := newServiceFixture(t, cluster, hub, "node-a", input, fastServiceConfig())
	ctx := context.Background()

	task, _ := demoTask("task_solo", 0)
	subTasks := engineSubTasks(t, input, 2)
	if err := fixture.queue.Enqueue(ctx, task, subTasks); err != nil {
		t.Fatalf("enqueue err %v", err)
	}

	if err := fixture.service.StartProcessing("grid"); err != nil {
		t.Fatalf("start err %v", err)
	}

	if !waitFor(t, 10*time.Second, func() bool {
		done, _ := fixture.queue.IsCompleted(ctx, "task_solo")
		return done
	}) {
		t.Fatal("task never completed")
	}

	result, err := fixture.queue.GetTaskResult(ctx, "task_solo")
	if err != nil {
		t.Fatalf("task result err %v", err)
	}
	if len(result.SubTaskResults) != 2 {
		t.Fatalf("subtask results=%d want 2", len(result.SubTaskResults))
	}

	// Lock and task rows are consumed by completion.
	if locked, _ := fixture.queue.IsTaskLocked(ctx, "task_solo"); locked {
		t.Fatal("lock row survived completion")
	}
	if has, _ := fixture.peer.db.Has(ctx, taskKey("task_solo")); has {
		t.Fatal("task row survived completion")
	}
}

func TestServiceTwoNodesShareARoom(t *testing.T) {
	cluster := newTestCluster()
	hub := newChannelHub()
	input := []byte("0123456789abcdef")

	cfg := fastServiceConfig()
	fixtureA := newServiceFixture(t, cluster, hub, "node-a", input, cfg)
	fixtureB := newServiceFixture(t, cluster, hub, "node-b", input, cfg)
	ctx := context.Background()

	task, _ := demoTask("task_shared", 0)
	subTasks := engineSubTasks(t, input, 4)
	if err := fixtureA.queue.Enqueue(ctx, task, subTasks); err != nil {
		t.Fatalf("enqueue err %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool {
		has, _ := fixtureB.peer.db.Has(ctx, taskKey("task_shared"))
		return has
	}) {
		t.Fatal("task never replicated to node-b")
	}

	if err := fixtureA.service.StartProcessing("grid"); err != nil {
		t.Fatalf("start A err %v", err)
	}
	if err := fixtureB.service.StartProcessing("grid"); err != nil {
		t.Fatalf("start B err %v", err)
	}

	// Exactly one peer ends up hosting; the task completes and both peers
	// observe the result through the replicated store.
	for _, fixture := range []*serviceFixture{fixtureA, fixtureB} {
		fixture := fixture
		if !waitFor(t, 15*time.Second, func() bool {
			done, _ := fixture.queue.IsCompleted(ctx, "task_shared")
			return done
		}) {
			t.Fatal("task never completed on some peer")
		}
	}

	resultA, err := fixtureA.queue.GetTaskResult(ctx, "task_shared")
	if err != nil {
		t.Fatalf("result err %v", err)
	}
	if len(resultA.SubTaskResults) != 4 {
		t.Fatalf("subtask results=%d want 4", len(resultA.SubTaskResults))
	}
}

func TestServiceIntentTieBreak(t *testing.T) {
	cluster := newTestCluster()
	hub := newChannelHub()
	input := []byte("0123456789abcdef")

	// Long creation timeout so the intents meet while both are pending.
	cfg := fastServiceConfig()
	cfg.NodeCreationTimeout = 300 * time.Millisecond

	fixtureA := newServiceFixture(t, cluster, hub, "node-a", input, cfg)
	fixtureB := newServiceFixture(t, cluster, hub, "node-b", input, cfg)
	ctx := context.Background()

	task, _ := demoTask("task_tie", 0)
	subTasks := engineSubTasks(t, input, 2)
	if err := fixtureA.queue.Enqueue(ctx, task, subTasks); err != nil {
		t.Fatalf("enqueue err %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool {
		has, _ := fixtureB.peer.db.Has(ctx, taskKey("task_tie"))
		return has
	}) {
		t.Fatal("task never replicated")
	}

	// Both peers win the lock locally before the rows exchange, and both
	// enter PENDING_CREATE. node-b goes first so it is already listening
	// when node-a's intent arrives.
	if taskID, taskB, _ := fixtureB.queue.Grab(ctx); taskID != "task_tie" {
		t.Fatal("grab B failed")
	} else if err := fixtureB.service.beginNodeCreation(taskID, taskB); err != nil {
		t.Fatalf("begin B err %v", err)
	}
	taskID, taskA, err := fixtureA.queue.Grab(ctx)
	if err != nil {
		t.Fatalf("grab A err %v", err)
	}
	if taskID == "" {
		// B's lock already replicated; node-a still contends for creation.
		taskID, taskA = "task_tie", task
	}
	if err := fixtureA.service.beginNodeCreation(taskID, taskA); err != nil {
		t.Fatalf("begin A err %v", err)
	}

	// The lexicographically lowest address keeps its intent and becomes
	// host; the competitor cancels.
	hostOf := func(s *ProcessingService) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, node := range s.nodes {
			if node.IsRoomHost() {
				return true
			}
		}
		return false
	}
	if !waitFor(t, 3*time.Second, func() bool { return hostOf(fixtureA.service) }) {
		t.Fatal("node-a never became host")
	}
	if hostOf(fixtureB.service) {
		t.Fatal("node-b hosts despite losing the tie break")
	}

	// The winner runs the task to completion regardless.
	if !waitFor(t, 10*time.Second, func() bool {
		done, _ := fixtureA.queue.IsCompleted(ctx, "task_tie")
		return done
	}) {
		t.Fatal("task never completed after tie break")
	}
}
