package core

import (
	"context"
	"testing"
	"time"
)

func engineFixture(t *testing.T, input []byte, subTasks []SubTask) (*ProcessingEngine, *SubTaskQueueAccessor, chan struct{}) {
	t.Helper()
	accessor, _, _ := newAccessorFixture(t, subTasks)

	c, err := RawDataCid(input)
	if err != nil {
		t.Fatalf("cid err %v", err)
	}
	source := mapBlockSource{c.String(): input}
	pc, err := NewProcessingCore(source, IdentityChunkProcessor{}, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("core err %v", err)
	}

	done := make(chan struct{})
	engine, err := NewProcessingEngine("worker-1", pc, accessor, func() { close(done) }, quietLogger())
	if err != nil {
		t.Fatalf("engine err %v", err)
	}
	return engine, accessor, done
}

func engineSubTasks(t *testing.T, input []byte, n int) []SubTask {
	t.Helper()
	c, err := RawDataCid(input)
	if err != nil {
		t.Fatalf("cid err %v", err)
	}
	subTasks := make([]SubTask, 0, n)
	for i := 0; i < n; i++ {
		subTasks = append(subTasks, SubTask{
			SubTaskID: "s" + string(rune('0'+i)),
			TaskID:    "task_1",
			InputCID:  c.String(),
			Chunks:    contiguousChunks(1, 8),
		})
	}
	return subTasks
}

func TestEngineDrainsQueue(t *testing.T) {
	input := []byte("01234567")
	subTasks := engineSubTasks(t, input, 3)
	engine, accessor, done := engineFixture(t, input, subTasks)

	engine.Start(context.Background())
	defer engine.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never drained the queue")
	}
	if !accessor.IsProcessed() {
		t.Fatal("queue not processed")
	}
	results := accessor.Results()
	if len(results) != 3 {
		t.Fatalf("results=%d want 3", len(results))
	}
	for id, result := range results {
		if result.NodeID != "worker-1" {
			t.Fatalf("result %s node=%s want worker-1", id, result.NodeID)
		}
		if len(result.RollingHash) == 0 {
			t.Fatalf("result %s missing rolling hash", id)
		}
	}
}

func TestEngineStopsOnEmptyQueue(t *testing.T) {
	engine, _, done := engineFixture(t, []byte("01234567"), nil)
	engine.Start(context.Background())
	defer engine.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never reported an empty queue as processed")
	}
}

func TestEngineStopIsIdempotentAndBounded(t *testing.T) {
	input := []byte("01234567")
	engine, _, _ := engineFixture(t, input, engineSubTasks(t, input, 1))
	engine.Start(context.Background())

	finished := make(chan struct{})
	go func() {
		engine.Stop()
		engine.Stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
