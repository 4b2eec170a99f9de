package core

import (
	"errors"
	"testing"
)

func TestSplitTaskShapes(t *testing.T) {
	task := &Task{TaskID: "t1", SubTaskCount: 3}
	cfg := TaskSplitConfig{
		SubTaskCount:     3,
		ChunksPerSubTask: 2,
		ChunkParams: ProcessingChunk{
			Stride:         8,
			SubchunkWidth:  8,
			SubchunkHeight: 1,
			Subchunks:      1,
			Channels:       1,
		},
	}
	subTasks, err := SplitTask(task, "cid-in", cfg)
	if err != nil {
		t.Fatalf("split err %v", err)
	}
	if len(subTasks) != 3 {
		t.Fatalf("subtasks=%d want 3", len(subTasks))
	}

	seenChunks := make(map[string]struct{})
	seenOffsets := make(map[uint64]struct{})
	for _, subTask := range subTasks {
		if subTask.TaskID != "t1" || subTask.InputCID != "cid-in" {
			t.Fatalf("subtask %s has wrong task/input", subTask.SubTaskID)
		}
		if len(subTask.Chunks) != 2 {
			t.Fatalf("subtask %s chunks=%d want 2", subTask.SubTaskID, len(subTask.Chunks))
		}
		for _, chunk := range subTask.Chunks {
			if _, dup := seenChunks[chunk.ChunkID]; dup {
				t.Fatalf("duplicate chunk id %s", chunk.ChunkID)
			}
			seenChunks[chunk.ChunkID] = struct{}{}
			if _, dup := seenOffsets[chunk.Offset]; dup {
				t.Fatalf("duplicate chunk offset %d", chunk.Offset)
			}
			seenOffsets[chunk.Offset] = struct{}{}
		}
	}
}

func TestSplitTaskValidationSubTask(t *testing.T) {
	task := &Task{TaskID: "t1", SubTaskCount: 2}
	cfg := TaskSplitConfig{
		SubTaskCount:         2,
		ChunksPerSubTask:     3,
		ChunkParams:          ProcessingChunk{Stride: 4, SubchunkWidth: 4, SubchunkHeight: 1, Subchunks: 1, Channels: 1},
		AddValidationSubTask: true,
	}
	subTasks, err := SplitTask(task, "cid-in", cfg)
	if err != nil {
		t.Fatalf("split err %v", err)
	}
	if len(subTasks) != 3 {
		t.Fatalf("subtasks=%d want 2 + validation", len(subTasks))
	}

	validation := subTasks[len(subTasks)-1]
	if validation.SubTaskID != ValidationSubTaskID {
		t.Fatalf("last subtask=%s want %s", validation.SubTaskID, ValidationSubTaskID)
	}
	if len(validation.Chunks) != 2 {
		t.Fatalf("validation chunks=%d want one per processing subtask", len(validation.Chunks))
	}
	// Validation probes are the first chunk of each processing subtask.
	if validation.Chunks[0].ChunkID != subTasks[0].Chunks[0].ChunkID {
		t.Fatal("validation chunk 0 is not subtask 0's first chunk")
	}
	if validation.Chunks[1].ChunkID != subTasks[1].Chunks[0].ChunkID {
		t.Fatal("validation chunk 1 is not subtask 1's first chunk")
	}
}

func TestSplitTaskRejectsBadCounts(t *testing.T) {
	if _, err := SplitTask(&Task{TaskID: "t"}, "cid", TaskSplitConfig{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err %v want ErrInvalidArgument", err)
	}
}
