package core

// core/task_queue.go
//
// Task/subtask queue layered on the replicated store. Rows:
//
//	tasks/<task_id>                      encoded Task
//	subtasks/<task_id>/<subtask_id>      encoded Subtask
//	lock_tasks/<task_id>                 encoded TaskLock
//	task_results/<task_id>               encoded TaskResult
//	subtask_results/<task_id>/<sid>      encoded SubTaskResult (audit trail)
//
// Grab races against other nodes; the race resolves through the CRDT winner
// rule on the lock row, whose value encodes (node_id, lock_timestamp) so the
// lexicographic tiebreak yields one logical owner per epoch.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logrus "github.com/sirupsen/logrus"
)

const (
	tasksPrefix          = "tasks"
	subtasksPrefix       = "subtasks"
	taskLocksPrefix      = "lock_tasks"
	taskResultsPrefix    = "task_results"
	subtaskResultsPrefix = "subtask_results"
)

// DefaultProcessingTimeout is the task lock validity window.
const DefaultProcessingTimeout = 10 * time.Second

// TaskQueue enqueues, leases and completes tasks through the replicated
// store.
type TaskQueue struct {
	db      *CrdtDatastore
	nodeID  NodeID
	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// NewTaskQueue wires a TaskQueue for the given local node identity.
func NewTaskQueue(db *CrdtDatastore, nodeID NodeID, lg *logrus.Logger) (*TaskQueue, error) {
	if db == nil {
		return nil, errors.New("task queue: datastore nil")
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &TaskQueue{
		db:      db,
		nodeID:  nodeID,
		timeout: DefaultProcessingTimeout,
		logger:  lg,
		now:     time.Now,
	}, nil
}

// SetProcessingTimeout overrides the lock validity window.
func (q *TaskQueue) SetProcessingTimeout(d time.Duration) { q.timeout = d }

func taskKey(taskID string) string { return tasksPrefix + "/" + taskID }

func lockKey(taskID string) string { return taskLocksPrefix + "/" + taskID }

func resultKey(taskID string) string { return taskResultsPrefix + "/" + taskID }

func subtaskKey(t, s string) string { return subtasksPrefix + "/" + t + "/" + s }

func subtaskResultKey(t, s string) string {
	return subtaskResultsPrefix + "/" + t + "/" + s
}

// Enqueue writes the task row and every subtask row. The writes are separate
// puts; consumers tolerate partial visibility.
func (q *TaskQueue) Enqueue(ctx context.Context, task *Task, subTasks []SubTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.db.Put(ctx, taskKey(task.TaskID), data); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.TaskID, err)
	}
	q.logger.Debugf("task queue: [%s] placed", taskKey(task.TaskID))

	for i := range subTasks {
		st := &subTasks[i]
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if err := q.db.Put(ctx, subtaskKey(task.TaskID, st.SubTaskID), data); err != nil {
			return fmt.Errorf("enqueue subtask %s/%s: %w", task.TaskID, st.SubTaskID, err)
		}
	}
	return nil
}

// GetSubTasks returns the subtask rows recorded for taskID.
func (q *TaskQueue) GetSubTasks(ctx context.Context, taskID string) ([]SubTask, error) {
	entries, err := q.db.QueryKeyValues(ctx, subtasksPrefix+"/"+taskID)
	if err != nil {
		return nil, err
	}
	subTasks := make([]SubTask, 0, len(entries))
	for _, entry := range entries {
		var st SubTask
		if err := json.Unmarshal(entry.Value, &st); err != nil {
			q.logger.Debugf("task queue: unable to parse subtask row %s", entry.Key)
			continue
		}
		subTasks = append(subTasks, st)
	}
	return subTasks, nil
}

// Grab scans for an unlocked task and leases it; when every task is locked
// it tries to migrate an expired lock instead. Returns ("" , nil, nil) when
// nothing was leasable.
func (q *TaskQueue) Grab(ctx context.Context) (string, *Task, error) {
	entries, err := q.db.QueryKeyValues(ctx, tasksPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("grab: %w", err)
	}
	q.logger.Debugf("task queue: size %d", len(entries))

	var locked []string
	for _, entry := range entries {
		taskID := strings.TrimPrefix(entry.Key, tasksPrefix+"/")
		isLocked, err := q.IsTaskLocked(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		if isLocked {
			locked = append(locked, taskID)
			continue
		}
		var task Task
		if err := json.Unmarshal(entry.Value, &task); err != nil {
			q.logger.Debugf("task queue: unable to parse task row %s", entry.Key)
			continue
		}
		if err := q.lockTask(ctx, taskID); err != nil {
			return "", nil, err
		}
		q.logger.Debugf("task queue: locked %s", taskID)
		return taskID, &task, nil
	}

	// No unlocked task; try to move an expired lock.
	for _, taskID := range locked {
		task, moved, err := q.moveExpiredTaskLock(ctx, taskID)
		if err != nil {
			return "", nil, err
		}
		if moved {
			q.logger.Debugf("task queue: lock moved %s", taskID)
			return taskID, task, nil
		}
	}
	return "", nil, nil
}

// Complete finalizes a task in a single transaction: result added, lock row
// and task row removed. Idempotent at the CRDT level; re-completing an
// already completed task only rewrites the result row.
func (q *TaskQueue) Complete(ctx context.Context, taskID string, result *TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tx := q.db.BeginTransaction()
	tx.AddToDelta(resultKey(taskID), data)
	tx.RemoveFromDelta(ctx, lockKey(taskID))
	tx.RemoveFromDelta(ctx, taskKey(taskID))
	if err := tx.PublishDelta(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", taskID, err)
	}
	q.logger.Debugf("task queue: completed %s", taskID)
	return nil
}

// IsCompleted reports whether a result row exists for taskID.
func (q *TaskQueue) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	return q.db.Has(ctx, resultKey(taskID))
}

// GetTaskResult returns the recorded result for taskID.
func (q *TaskQueue) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	data, err := q.db.Get(ctx, resultKey(taskID))
	if err != nil {
		return nil, err
	}
	var result TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("task result %s: %w", taskID, ErrInvalidArgument)
	}
	return &result, nil
}

// PutSubTaskResult appends a subtask result to the audit trail. Subtask
// results are never removed.
func (q *TaskQueue) PutSubTaskResult(ctx context.Context, taskID, subTaskID string, result *SubTaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.db.Put(ctx, subtaskResultKey(taskID, subTaskID), data)
}

// GetSubTaskResults lists the recorded subtask results for taskID.
func (q *TaskQueue) GetSubTaskResults(ctx context.Context, taskID string) ([]SubTaskResult, error) {
	entries, err := q.db.QueryKeyValues(ctx, subtaskResultsPrefix+"/"+taskID)
	if err != nil {
		return nil, err
	}
	out := make([]SubTaskResult, 0, len(entries))
	for _, entry := range entries {
		var r SubTaskResult
		if err := json.Unmarshal(entry.Value, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// IsTaskLocked reports whether a lock row exists for taskID.
func (q *TaskQueue) IsTaskLocked(ctx context.Context, taskID string) (bool, error) {
	return q.db.Has(ctx, lockKey(taskID))
}

func (q *TaskQueue) lockTask(ctx context.Context, taskID string) error {
	lock := TaskLock{
		TaskID:        taskID,
		NodeID:        q.nodeID,
		LockTimestamp: q.now().UnixNano(),
	}
	data, err := json.Marshal(&lock)
	if err != nil {
		return err
	}
	return q.db.Put(ctx, lockKey(taskID), data)
}

// moveExpiredTaskLock re-leases taskID when its lock has outlived the
// processing timeout.
func (q *TaskQueue) moveExpiredTaskLock(ctx context.Context, taskID string) (*Task, bool, error) {
	data, err := q.db.Get(ctx, lockKey(taskID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var lock TaskLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, false, fmt.Errorf("lock row %s: %w", taskID, ErrInvalidArgument)
	}
	expiry := time.Unix(0, lock.LockTimestamp).Add(q.timeout)
	if q.now().Before(expiry) {
		return nil, false, nil
	}

	taskData, err := q.db.Get(ctx, taskKey(taskID))
	if err != nil {
		q.logger.Debugf("task queue: unable to find task %s", taskID)
		return nil, false, nil
	}
	var task Task
	if err := json.Unmarshal(taskData, &task); err != nil {
		return nil, false, fmt.Errorf("task row %s: %w", taskID, ErrInvalidArgument)
	}
	if err := q.lockTask(ctx, taskID); err != nil {
		return nil, false, err
	}
	return &task, true, nil
}
