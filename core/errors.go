package core

// core/errors.go – sentinel errors shared across the coordination core.
// Components wrap these with fmt.Errorf("...: %w", err) so callers can match
// with errors.Is regardless of where the failure surfaced.

import "errors"

var (
	// ErrInvalidArgument reports a malformed CID, a decode failure or a
	// missing required field.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound reports an absent DAG node, key or task.
	ErrNotFound = errors.New("not found")

	// ErrNoMoreBroadcast is returned by Broadcaster.Next when the receive
	// queue is empty.
	ErrNoMoreBroadcast = errors.New("no more broadcast")

	// ErrFetchIncomplete reports a transitive DAG fetch that could not be
	// completed within the block request budget.
	ErrFetchIncomplete = errors.New("fetch incomplete")

	// ErrLockContention reports that another peer won a task lock race.
	// Expected during normal operation; callers retry on the next tick.
	ErrLockContention = errors.New("lock contention")

	// ErrExecutionFailed reports that the executor rejected a chunk. The
	// subtask is left incomplete and the task lock expires normally.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrCancelled marks callbacks delivered during shutdown. Receivers
	// must release resources without publishing partial state.
	ErrCancelled = errors.New("cancelled")
)
