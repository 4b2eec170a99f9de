package core

// core/processing_engine.go
//
// Per-node worker. Reacts to subtask callbacks from the queue accessor:
// grab, execute on a worker goroutine, publish the digest, repeat. The
// engine never drives scheduling time; it terminates when the room signals
// queue exhaustion or on Stop.

import (
	"context"
	"errors"
	"sync"
	"time"

	logrus "github.com/sirupsen/logrus"
)

// enginePollInterval paces the idle re-grab loop; remote completions arrive
// asynchronously, so an idle engine re-checks for released work.
const enginePollInterval = 500 * time.Millisecond

// ProcessingEngine executes subtasks from one queue accessor.
type ProcessingEngine struct {
	nodeID NodeID
	core   ProcessingCore
	queue  *SubTaskQueueAccessor
	logger *logrus.Logger

	onQueueProcessed func()

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcessingEngine wires an engine. onQueueProcessed fires once when
// every subtask in the queue has a recorded result.
func NewProcessingEngine(nodeID NodeID, core ProcessingCore, queue *SubTaskQueueAccessor, onQueueProcessed func(), lg *logrus.Logger) (*ProcessingEngine, error) {
	if core == nil || queue == nil {
		return nil, errors.New("processing engine: core and queue required")
	}
	if lg == nil {
		lg = logrus.New()
	}
	return &ProcessingEngine{
		nodeID:           nodeID,
		core:             core,
		queue:            queue,
		logger:           lg,
		onQueueProcessed: onQueueProcessed,
	}, nil
}

// Start begins the grab loop. Subsequent calls are no-ops.
func (e *ProcessingEngine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	ectx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ectx)
}

func (e *ProcessingEngine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(enginePollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if e.queue.IsProcessed() {
			e.logger.Debugf("engine %s: queue processed", e.nodeID)
			if e.onQueueProcessed != nil {
				e.onQueueProcessed()
			}
			return
		}

		grabbed := make(chan struct{})
		invoked := false
		e.queue.GrabSubTask(func(subTask SubTask) {
			defer close(grabbed)
			e.processOne(ctx, subTask)
		})
		select {
		case <-grabbed:
			invoked = true
		default:
		}
		if !invoked {
			// Callback either still running or never invoked (empty queue):
			// wait for one of completion, tick or shutdown.
			select {
			case <-grabbed:
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processOne runs a single subtask on the worker goroutine the accessor
// dispatched us on.
func (e *ProcessingEngine) processOne(ctx context.Context, subTask SubTask) {
	result, err := e.core.ProcessSubTask(ctx, subTask, NodeSeed(e.nodeID))
	if err != nil {
		// The subtask is simply not completed; the task lease expiry
		// eventually retries it on some node.
		e.logger.Warnf("engine %s: subtask %s failed: %v", e.nodeID, subTask.SubTaskID, err)
		return
	}
	result.NodeID = e.nodeID
	if err := e.queue.CompleteSubTask(ctx, subTask.SubTaskID, &result); err != nil {
		if !errors.Is(err, ErrCancelled) {
			e.logger.Warnf("engine %s: completing %s failed: %v", e.nodeID, subTask.SubTaskID, err)
		}
		return
	}
	e.logger.Debugf("engine %s: subtask %s completed", e.nodeID, subTask.SubTaskID)
}

// Stop cancels the loop and waits for the in-flight subtask to unwind.
func (e *ProcessingEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}
