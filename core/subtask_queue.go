package core

// core/subtask_queue.go
//
// Single-writer-per-room view over a task's subtask list. The room host
// opens the accessor with the authoritative list; members receive the same
// list through the room channel. Engines lease subtasks with GrabSubTask and
// publish digests with CompleteSubTask — the only legal channel to mutate
// room-visible subtask state.

import (
	"context"
	"errors"
	"sync"

	logrus "github.com/sirupsen/logrus"
)

// ResultPublisher fans a completed subtask result out to the room.
type ResultPublisher interface {
	PublishSubTaskResult(result *SubTaskResult) error
}

// SubTaskGrabCallback receives a leased subtask on a worker goroutine.
type SubTaskGrabCallback func(subTask SubTask)

// SubTaskQueueAccessor hands out subtasks to local engines and records
// results both on the room channel and in the replicated store.
type SubTaskQueueAccessor struct {
	queueID   string
	taskID    string
	taskQueue *TaskQueue
	publisher ResultPublisher
	logger    *logrus.Logger

	mu        sync.Mutex
	pending   []SubTask
	grabbed   map[string]SubTask
	completed map[string]SubTaskResult
	stopped   bool
	wg        sync.WaitGroup
}

// NewSubTaskQueueAccessor opens the accessor over the given subtask list.
func NewSubTaskQueueAccessor(queueID, taskID string, subTasks []SubTask, taskQueue *TaskQueue, publisher ResultPublisher, lg *logrus.Logger) (*SubTaskQueueAccessor, error) {
	if taskQueue == nil {
		return nil, errors.New("subtask queue: task queue nil")
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &SubTaskQueueAccessor{
		queueID:   queueID,
		taskID:    taskID,
		taskQueue: taskQueue,
		publisher: publisher,
		logger:    lg,
		pending:   append([]SubTask(nil), subTasks...),
		grabbed:   make(map[string]SubTask),
		completed: make(map[string]SubTaskResult),
	}, nil
}

// QueueID identifies this accessor on the wire.
func (a *SubTaskQueueAccessor) QueueID() string { return a.queueID }

// TaskID returns the owning task.
func (a *SubTaskQueueAccessor) TaskID() string { return a.taskID }

// GrabSubTask pops the next subtask and invokes onGrabbed on a worker
// goroutine. When the local queue is empty the callback is not invoked; the
// engine detects termination through room signals instead.
func (a *SubTaskQueueAccessor) GrabSubTask(onGrabbed SubTaskGrabCallback) {
	a.mu.Lock()
	if a.stopped || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	subTask := a.pending[0]
	a.pending = a.pending[1:]
	a.grabbed[subTask.SubTaskID] = subTask
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		onGrabbed(subTask)
	}()
}

// CompleteSubTask publishes the result through the room channel and writes
// it to the replicated store. Completing an unknown or already completed
// subtask is a no-op returning nil, which keeps retries idempotent.
func (a *SubTaskQueueAccessor) CompleteSubTask(ctx context.Context, subTaskID string, result *SubTaskResult) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrCancelled
	}
	if _, done := a.completed[subTaskID]; done {
		a.mu.Unlock()
		return nil
	}
	a.completed[subTaskID] = *result
	delete(a.grabbed, subTaskID)
	a.mu.Unlock()

	if a.publisher != nil {
		if err := a.publisher.PublishSubTaskResult(result); err != nil {
			a.logger.Warnf("subtask queue %s: result publish failed: %v", a.queueID, err)
		}
	}
	return a.taskQueue.PutSubTaskResult(ctx, a.taskID, subTaskID, result)
}

// ReleaseSubTask returns a grabbed subtask to the pending list so it can be
// grabbed again. The engine does not call it: a subtask whose processing
// fails stays grabbed and uncompleted.
func (a *SubTaskQueueAccessor) ReleaseSubTask(subTaskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	subTask, ok := a.grabbed[subTaskID]
	if !ok {
		return
	}
	delete(a.grabbed, subTaskID)
	a.pending = append(a.pending, subTask)
}

// MarkRemoteCompleted records a result observed from another room member so
// the local view of remaining work stays accurate.
func (a *SubTaskQueueAccessor) MarkRemoteCompleted(result *SubTaskResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, done := a.completed[result.SubTaskID]; done {
		return
	}
	a.completed[result.SubTaskID] = *result
	delete(a.grabbed, result.SubTaskID)
	for i, subTask := range a.pending {
		if subTask.SubTaskID == result.SubTaskID {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			break
		}
	}
}

// IsProcessed reports whether every subtask has a recorded result.
func (a *SubTaskQueueAccessor) IsProcessed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) == 0 && len(a.grabbed) == 0
}

// HasPending reports whether unleased subtasks remain.
func (a *SubTaskQueueAccessor) HasPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) > 0
}

// Results returns the locally known results, keyed by subtask id.
func (a *SubTaskQueueAccessor) Results() map[string]SubTaskResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]SubTaskResult, len(a.completed))
	for id, result := range a.completed {
		out[id] = result
	}
	return out
}

// Stop refuses new grabs and waits for in-flight callbacks.
func (a *SubTaskQueueAccessor) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.wg.Wait()
}
