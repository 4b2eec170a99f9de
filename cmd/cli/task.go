package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gridfabric-network/core"
)

// TaskCmd submits tasks and inspects their progress.
func TaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "submit and inspect compute tasks"}

	submit := &cobra.Command{
		Use:   "submit <input-file>",
		Short: "split an input into subtasks and enqueue them",
		Args:  cobra.ExactArgs(1),
		RunE:  submitHandler,
	}
	submit.Flags().Int("subtasks", 4, "number of subtasks to split into")
	submit.Flags().Int("chunks", 1, "chunks per subtask")
	submit.Flags().Uint64("chunk-width", 16, "chunk width in bytes")
	submit.Flags().Uint64("chunk-height", 1, "chunk height in lines")
	submit.Flags().Bool("validation", false, "add a validation subtask")

	status := &cobra.Command{
		Use:   "status <task-id>",
		Short: "show lease and completion state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				ctx := context.Background()
				taskID := args[0]
				locked, err := svcs.TaskQueue.IsTaskLocked(ctx, taskID)
				if err != nil {
					return err
				}
				completed, err := svcs.TaskQueue.IsCompleted(ctx, taskID)
				if err != nil {
					return err
				}
				fmt.Printf("task %s: locked=%v completed=%v\n", taskID, locked, completed)
				return nil
			})
		},
	}

	results := &cobra.Command{
		Use:   "results <task-id>",
		Short: "show recorded subtask digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(svcs *core.Services) error {
				subResults, err := svcs.TaskQueue.GetSubTaskResults(context.Background(), args[0])
				if err != nil {
					return err
				}
				for _, r := range subResults {
					fmt.Printf("%s node=%s rolling=%s\n", r.SubTaskID, r.NodeID, hex.EncodeToString(r.RollingHash))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(submit, status, results)
	return cmd
}

func submitHandler(cmd *cobra.Command, args []string) error {
	input, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	subTaskCount, _ := cmd.Flags().GetInt("subtasks")
	chunksPer, _ := cmd.Flags().GetInt("chunks")
	chunkWidth, _ := cmd.Flags().GetUint64("chunk-width")
	chunkHeight, _ := cmd.Flags().GetUint64("chunk-height")
	validation, _ := cmd.Flags().GetBool("validation")

	return withServices(func(svcs *core.Services) error {
		task := &core.Task{
			TaskID:          uuid.NewString(),
			SubTaskCount:    uint32(subTaskCount),
			ResultChannelID: uuid.NewString(),
		}
		subTasks, err := core.SplitTask(task, "", core.TaskSplitConfig{
			SubTaskCount:     subTaskCount,
			ChunksPerSubTask: chunksPer,
			ChunkParams: core.ProcessingChunk{
				Stride:         chunkWidth * chunkHeight,
				LineStride:     chunkWidth,
				SubchunkWidth:  uint32(chunkWidth),
				SubchunkHeight: uint32(chunkHeight),
				Subchunks:      1,
				Channels:       1,
			},
			AddValidationSubTask: validation,
		})
		if err != nil {
			return err
		}
		if err := svcs.SubmitTask(context.Background(), task, subTasks, input); err != nil {
			return err
		}
		fmt.Println(task.TaskID)
		return nil
	})
}
