package core

// core/task_split.go
//
// Builds the subtask list for a task. Each subtask covers nChunks chunk
// descriptors over the task input; the optional validation subtask collects
// the first chunk of every processing subtask so any single worker's output
// can be cross-checked.

import (
	"fmt"
)

// TaskSplitConfig controls SplitTask.
type TaskSplitConfig struct {
	SubTaskCount         int
	ChunksPerSubTask     int
	ChunkParams          ProcessingChunk // template: stride geometry shared by all chunks
	AddValidationSubTask bool
}

// SplitTask derives subtasks from a task whose input is addressed by
// inputCID. Chunk ids are unique across the task.
func SplitTask(task *Task, inputCID string, cfg TaskSplitConfig) ([]SubTask, error) {
	if cfg.SubTaskCount <= 0 || cfg.ChunksPerSubTask <= 0 {
		return nil, fmt.Errorf("task split: counts must be positive: %w", ErrInvalidArgument)
	}

	var validation *SubTask
	if cfg.AddValidationSubTask {
		validation = &SubTask{
			SubTaskID: ValidationSubTaskID,
			TaskID:    task.TaskID,
			InputCID:  inputCID,
		}
	}

	subTasks := make([]SubTask, 0, cfg.SubTaskCount+1)
	chunkID := 0
	for i := 0; i < cfg.SubTaskCount; i++ {
		subTask := SubTask{
			SubTaskID: fmt.Sprintf("subtask_%d", i),
			TaskID:    task.TaskID,
			InputCID:  inputCID,
		}
		for j := 0; j < cfg.ChunksPerSubTask; j++ {
			chunk := cfg.ChunkParams
			chunk.ChunkID = fmt.Sprintf("CHUNK_%d_%d", i, chunkID)
			chunk.Offset = cfg.ChunkParams.Offset + uint64(chunkID)*cfg.ChunkParams.Stride
			subTask.Chunks = append(subTask.Chunks, chunk)

			if validation != nil && j == 0 {
				// The first chunk of each processing subtask doubles as a
				// validation probe.
				validation.Chunks = append(validation.Chunks, chunk)
			}
			chunkID++
		}
		subTasks = append(subTasks, subTask)
	}

	if validation != nil {
		subTasks = append(subTasks, *validation)
	}
	return subTasks, nil
}
