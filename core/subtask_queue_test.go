package core

import (
	"context"
	"testing"
	"time"
)

func newAccessorFixture(t *testing.T, subTasks []SubTask) (*SubTaskQueueAccessor, *recordingPublisher, *TaskQueue) {
	t.Helper()
	cluster := newTestCluster()
	peer := cluster.addPeer(t)
	taskQueue, err := NewTaskQueue(peer.db, "node-a", quietLogger())
	if err != nil {
		t.Fatalf("task queue err %v", err)
	}
	pub := &recordingPublisher{}
	accessor, err := NewSubTaskQueueAccessor("queue-1", "task_1", subTasks, taskQueue, pub, quietLogger())
	if err != nil {
		t.Fatalf("accessor err %v", err)
	}
	return accessor, pub, taskQueue
}

func TestSubTaskQueueGrabAndComplete(t *testing.T) {
	subTasks := []SubTask{
		{SubTaskID: "s0", TaskID: "task_1"},
		{SubTaskID: "s1", TaskID: "task_1"},
	}
	accessor, pub, taskQueue := newAccessorFixture(t, subTasks)
	ctx := context.Background()

	grabbed := make(chan SubTask, 1)
	accessor.GrabSubTask(func(subTask SubTask) { grabbed <- subTask })

	var first SubTask
	select {
	case first = <-grabbed:
	case <-time.After(time.Second):
		t.Fatal("grab callback never invoked")
	}
	if first.SubTaskID != "s0" {
		t.Fatalf("grabbed %s want s0", first.SubTaskID)
	}
	if accessor.IsProcessed() {
		t.Fatal("queue reports processed with work outstanding")
	}

	result := &SubTaskResult{SubTaskID: "s0", RollingHash: []byte{1}}
	if err := accessor.CompleteSubTask(ctx, "s0", result); err != nil {
		t.Fatalf("complete err %v", err)
	}

	// Result fanned out on the room channel and persisted to the store.
	if pub.last() == nil || pub.last().Result == nil || pub.last().Result.SubTaskID != "s0" {
		t.Fatal("result not published on room channel")
	}
	stored, err := taskQueue.GetSubTaskResults(ctx, "task_1")
	if err != nil {
		t.Fatalf("stored results err %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored=%d want 1", len(stored))
	}

	// Re-completing is a no-op.
	if err := accessor.CompleteSubTask(ctx, "s0", result); err != nil {
		t.Fatalf("re-complete err %v", err)
	}
}

func TestSubTaskQueueEmptyGrabDoesNotInvoke(t *testing.T) {
	accessor, _, _ := newAccessorFixture(t, nil)
	invoked := make(chan struct{}, 1)
	accessor.GrabSubTask(func(SubTask) { invoked <- struct{}{} })
	select {
	case <-invoked:
		t.Fatal("callback invoked on empty queue")
	case <-time.After(50 * time.Millisecond):
	}
	if !accessor.IsProcessed() {
		t.Fatal("empty queue not processed")
	}
}

func TestSubTaskQueueRemoteCompletion(t *testing.T) {
	subTasks := []SubTask{
		{SubTaskID: "s0", TaskID: "task_1"},
		{SubTaskID: "s1", TaskID: "task_1"},
	}
	accessor, _, _ := newAccessorFixture(t, subTasks)

	accessor.MarkRemoteCompleted(&SubTaskResult{SubTaskID: "s1", NodeID: "node-b"})
	if accessor.IsProcessed() {
		t.Fatal("processed with s0 still pending")
	}

	grabbed := make(chan SubTask, 1)
	accessor.GrabSubTask(func(subTask SubTask) { grabbed <- subTask })
	select {
	case subTask := <-grabbed:
		if subTask.SubTaskID != "s0" {
			t.Fatalf("grabbed %s want s0 (s1 was taken remotely)", subTask.SubTaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("grab callback never invoked")
	}

	if err := accessor.CompleteSubTask(context.Background(), "s0", &SubTaskResult{SubTaskID: "s0"}); err != nil {
		t.Fatalf("complete err %v", err)
	}
	if !accessor.IsProcessed() {
		t.Fatal("queue not processed after both results")
	}
	if len(accessor.Results()) != 2 {
		t.Fatalf("results=%d want 2", len(accessor.Results()))
	}
}

func TestSubTaskQueueStopRefusesWork(t *testing.T) {
	accessor, _, _ := newAccessorFixture(t, []SubTask{{SubTaskID: "s0", TaskID: "task_1"}})
	accessor.Stop()

	invoked := make(chan struct{}, 1)
	accessor.GrabSubTask(func(SubTask) { invoked <- struct{}{} })
	select {
	case <-invoked:
		t.Fatal("grab after stop")
	case <-time.After(50 * time.Millisecond):
	}
	if err := accessor.CompleteSubTask(context.Background(), "s0", &SubTaskResult{}); err != ErrCancelled {
		t.Fatalf("complete after stop err %v want ErrCancelled", err)
	}
}
